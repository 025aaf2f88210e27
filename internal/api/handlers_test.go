package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"projecthub.io/assistant/internal/auth"
	"projecthub.io/assistant/internal/core"
	"projecthub.io/assistant/internal/store"
)

// fakeAssistant records the last call and returns canned results.
type fakeAssistant struct {
	turn      *store.Turn
	err       error
	lastReq   core.TurnRequest
	lastCtx   context.Context
	lastStats store.StatsFilter
	lastList  store.TurnFilter
	personas  map[string]store.Persona
}

func (f *fakeAssistant) SubmitTurn(ctx context.Context, req core.TurnRequest) (*store.Turn, error) {
	f.lastReq, f.lastCtx = req, ctx
	return f.turn, f.err
}

func (f *fakeAssistant) GetTurn(_ context.Context, id string) (*store.Turn, error) {
	if f.turn == nil || f.turn.ID != id {
		return nil, core.ErrTurnNotFound
	}
	return f.turn, nil
}

func (f *fakeAssistant) ListTurns(_ context.Context, filter store.TurnFilter) ([]store.Turn, error) {
	f.lastList = filter
	return nil, f.err
}

func (f *fakeAssistant) DeleteProjectTurns(_ context.Context, projectID string) (int64, error) {
	return 4, f.err
}

func (f *fakeAssistant) SubmitFeedback(_ context.Context, turnID string, in core.FeedbackInput) (*store.Feedback, error) {
	if f.turn == nil || f.turn.ID != turnID {
		return nil, core.ErrTurnNotFound
	}
	if _, ok := store.ParseRating(string(in.Rating)); !ok {
		return nil, fmt.Errorf("%w: unknown rating %q", core.ErrInvalidInput, in.Rating)
	}
	return &store.Feedback{ID: "fb-1", TurnID: turnID, Rating: in.Rating}, nil
}

func (f *fakeAssistant) ListFeedback(_ context.Context, turnID string) ([]store.Feedback, error) {
	if f.turn == nil || f.turn.ID != turnID {
		return nil, core.ErrTurnNotFound
	}
	return nil, nil
}

func (f *fakeAssistant) GetStats(_ context.Context, filter store.StatsFilter) (*store.Stats, error) {
	f.lastStats = filter
	return &store.Stats{}, f.err
}

func (f *fakeAssistant) ListPersonas(context.Context) ([]store.Persona, error) {
	var out []store.Persona
	for _, p := range f.personas {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeAssistant) GetPersona(_ context.Context, id string) (*store.Persona, error) {
	p, ok := f.personas[id]
	if !ok {
		return nil, core.ErrPersonaNotFound
	}
	return &p, nil
}

func (f *fakeAssistant) CreatePersona(_ context.Context, p *store.Persona) error {
	if p.Name == "" {
		return fmt.Errorf("%w: persona needs a name", core.ErrInvalidInput)
	}
	p.ID = "new-id"
	f.personas[p.ID] = *p
	return nil
}

func (f *fakeAssistant) UpdatePersona(_ context.Context, p *store.Persona) error {
	if _, ok := f.personas[p.ID]; !ok {
		return core.ErrPersonaNotFound
	}
	f.personas[p.ID] = *p
	return nil
}

func (f *fakeAssistant) DeletePersona(_ context.Context, id string) error {
	if _, ok := f.personas[id]; !ok {
		return core.ErrPersonaNotFound
	}
	delete(f.personas, id)
	return nil
}

func (f *fakeAssistant) SetDefaultPersona(_ context.Context, id string) error {
	if _, ok := f.personas[id]; !ok {
		return core.ErrPersonaNotFound
	}
	return nil
}

func newTestRouter(t *testing.T, f *fakeAssistant, secret string) http.Handler {
	t.Helper()
	if f.personas == nil {
		f.personas = map[string]store.Persona{}
	}
	return NewRouter(NewAPIHandler(f, zaptest.NewLogger(t)), nil, secret)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(t, &fakeAssistant{}, "secret"), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitTurnHandler(t *testing.T) {
	project := "p1"
	f := &fakeAssistant{turn: &store.Turn{ID: "t-1", Role: store.RoleAssistant, Content: "5 open", ChartType: store.ChartBar, ProjectID: &project}}
	h := newTestRouter(t, f, "")

	rec := do(t, h, http.MethodPost, "/api/turns", `{"question":"issue status","projectId":"p1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "issue status", f.lastReq.Question)
	assert.Equal(t, "p1", *f.lastReq.ProjectID)
	assert.Nil(t, f.lastCtx.Done(), "request context must be detached")

	var got store.Turn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, store.ChartBar, got.ChartType)

	rec = do(t, h, http.MethodPost, "/api/turns", `{"question":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", fmt.Errorf("%w: question is empty", core.ErrInvalidInput), http.StatusBadRequest},
		{"unknown persona", fmt.Errorf("%w: ghost", core.ErrPersonaNotFound), http.StatusNotFound},
		{"no default persona", fmt.Errorf("%w: no default persona is configured", core.ErrConfiguration), http.StatusInternalServerError},
		{"store failure", fmt.Errorf("failed to persist user turn: disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestRouter(t, &fakeAssistant{err: tt.err}, ""), http.MethodPost, "/api/turns", `{"question":"q"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "disk I/O")
		})
	}
}

func TestFeedbackHandlers(t *testing.T) {
	f := &fakeAssistant{turn: &store.Turn{ID: "t-1"}}
	h := newTestRouter(t, f, "")

	rec := do(t, h, http.MethodPost, "/api/turns/nonexistent-id/feedback", `{"rating":"positive"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/turns/t-1/feedback", `{"rating":"meh"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/turns/t-1/feedback", `{"rating":"positive","comment":"spot on","tags":["accurate"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var fb store.Feedback
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fb))
	assert.Equal(t, store.RatingPositive, fb.Rating)

	rec = do(t, h, http.MethodGet, "/api/turns/t-1/feedback", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/turns/nonexistent-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTurnsHandler(t *testing.T) {
	f := &fakeAssistant{}
	h := newTestRouter(t, f, "")

	rec := do(t, h, http.MethodGet, "/api/turns?projectId=p1&conversationId=c1&limit=20&offset=40", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, "p1", *f.lastList.ProjectID)
	assert.Equal(t, "c1", *f.lastList.ConversationID)
	assert.Equal(t, 20, f.lastList.Limit)
	assert.Equal(t, 40, f.lastList.Offset)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/turns?limit=many", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/turns?offset=-1", "").Code)
}

func TestDeleteProjectTurnsHandler(t *testing.T) {
	rec := do(t, newTestRouter(t, &fakeAssistant{}, ""), http.MethodDelete, "/api/projects/p1/turns", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":4}`, rec.Body.String())
}

func TestStatsHandler(t *testing.T) {
	f := &fakeAssistant{}
	h := newTestRouter(t, f, "")

	rec := do(t, h, http.MethodGet, "/api/stats?from=2026-10-01&to=2026-10-15&projectId=p1&rating=positive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), *f.lastStats.From)
	assert.Equal(t, time.Date(2026, 10, 15, 23, 59, 59, 999999999, time.UTC), *f.lastStats.To)
	assert.Equal(t, "p1", *f.lastStats.ProjectID)
	assert.Equal(t, store.RatingPositive, *f.lastStats.Rating)

	var stats store.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.TotalFeedback)

	rec = do(t, h, http.MethodGet, "/api/stats?from=2026-10-01T08:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8, f.lastStats.From.Hour())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/stats?from=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/stats?rating=stars", "").Code)
}

func TestPersonaHandlers(t *testing.T) {
	f := &fakeAssistant{personas: map[string]store.Persona{
		"pm-analyst": {ID: "pm-analyst", Name: "PM analyst", SystemPrompt: "x", IsDefault: true},
	}}
	h := newTestRouter(t, f, "")

	rec := do(t, h, http.MethodPost, "/api/personas", `{"name":"QA lead","systemPrompt":"Focus on defects."}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"new-id"`)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/personas", `{"systemPrompt":"x"}`).Code)

	rec = do(t, h, http.MethodPut, "/api/personas/new-id", `{"name":"QA","systemPrompt":"Defects first."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"systemPrompt":"Defects first."`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/personas/ghost", `{"name":"x","systemPrompt":"y"}`).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/api/personas/new-id/default", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/personas/ghost/default", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/personas/new-id", "").Code)

	rec = do(t, h, http.MethodGet, "/api/personas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var personas []store.Persona
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &personas))
	require.Len(t, personas, 1)
	assert.Equal(t, "pm-analyst", personas[0].ID)
}

func TestRouterRequiresTokenWhenConfigured(t *testing.T) {
	h := newTestRouter(t, &fakeAssistant{}, "secret")

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/stats", "").Code)

	token, err := auth.IssueToken("secret", "dashboard", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
