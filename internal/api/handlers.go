package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"projecthub.io/assistant/internal/core"
	"projecthub.io/assistant/internal/store"
)

// Assistant is the slice of core.ChatService the HTTP adapter exposes.
type Assistant interface {
	SubmitTurn(ctx context.Context, req core.TurnRequest) (*store.Turn, error)
	GetTurn(ctx context.Context, turnID string) (*store.Turn, error)
	ListTurns(ctx context.Context, filter store.TurnFilter) ([]store.Turn, error)
	DeleteProjectTurns(ctx context.Context, projectID string) (int64, error)
	SubmitFeedback(ctx context.Context, turnID string, in core.FeedbackInput) (*store.Feedback, error)
	ListFeedback(ctx context.Context, turnID string) ([]store.Feedback, error)
	GetStats(ctx context.Context, filter store.StatsFilter) (*store.Stats, error)
	ListPersonas(ctx context.Context) ([]store.Persona, error)
	GetPersona(ctx context.Context, id string) (*store.Persona, error)
	CreatePersona(ctx context.Context, p *store.Persona) error
	UpdatePersona(ctx context.Context, p *store.Persona) error
	DeletePersona(ctx context.Context, id string) error
	SetDefaultPersona(ctx context.Context, id string) error
}

type APIHandler struct {
	assistant Assistant
	logger    *zap.Logger
}

func NewAPIHandler(assistant Assistant, logger *zap.Logger) *APIHandler {
	return &APIHandler{assistant: assistant, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Unexpected errors are
// logged and answered with msg only.
func (h *APIHandler) writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, core.ErrTurnNotFound), errors.Is(err, core.ErrPersonaNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrConfiguration):
		h.logger.Error("Assistant is misconfigured", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func optionalQuery(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

// Turns

func (h *APIHandler) SubmitTurnHandler(w http.ResponseWriter, r *http.Request) {
	var req core.TurnRequest
	if !decode(w, r, &req) {
		return
	}

	// An abandoned request still completes and persists its turn.
	turn, err := h.assistant.SubmitTurn(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.writeError(w, err, "Failed to answer question")
		return
	}
	writeJSON(w, http.StatusCreated, turn)
}

func (h *APIHandler) ListTurnsHandler(w http.ResponseWriter, r *http.Request) {
	filter := store.TurnFilter{
		ProjectID:      optionalQuery(r, "projectId"),
		ConversationID: optionalQuery(r, "conversationId"),
	}
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			http.Error(w, "limit must be a number", http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			http.Error(w, "offset must be a non-negative number", http.StatusBadRequest)
			return
		}
	}

	turns, err := h.assistant.ListTurns(r.Context(), filter)
	if err != nil {
		h.writeError(w, err, "Failed to list turns")
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func (h *APIHandler) GetTurnHandler(w http.ResponseWriter, r *http.Request) {
	turn, err := h.assistant.GetTurn(r.Context(), chi.URLParam(r, "turnID"))
	if err != nil {
		h.writeError(w, err, "Failed to get turn")
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *APIHandler) DeleteProjectTurnsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.assistant.DeleteProjectTurns(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeError(w, err, "Failed to delete turns")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// Feedback

func (h *APIHandler) SubmitFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req core.FeedbackInput
	if !decode(w, r, &req) {
		return
	}

	fb, err := h.assistant.SubmitFeedback(context.WithoutCancel(r.Context()), chi.URLParam(r, "turnID"), req)
	if err != nil {
		h.writeError(w, err, "Failed to record feedback")
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (h *APIHandler) ListFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	feedback, err := h.assistant.ListFeedback(r.Context(), chi.URLParam(r, "turnID"))
	if err != nil {
		h.writeError(w, err, "Failed to list feedback")
		return
	}
	if feedback == nil {
		feedback = []store.Feedback{}
	}
	writeJSON(w, http.StatusOK, feedback)
}

// parseTimeParam accepts RFC 3339 timestamps and plain dates. A date used as
// an upper bound covers the whole day.
func parseTimeParam(v string, endOfDay bool) (*time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.StatsFilter{ProjectID: optionalQuery(r, "projectId")}
	var err error
	if v := q.Get("from"); v != "" {
		if filter.From, err = parseTimeParam(v, false); err != nil {
			http.Error(w, "from must be a date or RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = parseTimeParam(v, true); err != nil {
			http.Error(w, "to must be a date or RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("rating"); v != "" {
		rating, ok := store.ParseRating(v)
		if !ok {
			http.Error(w, "rating must be positive, negative or neutral", http.StatusBadRequest)
			return
		}
		filter.Rating = &rating
	}

	stats, err := h.assistant.GetStats(r.Context(), filter)
	if err != nil {
		h.writeError(w, err, "Failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Personas

func (h *APIHandler) ListPersonasHandler(w http.ResponseWriter, r *http.Request) {
	personas, err := h.assistant.ListPersonas(r.Context())
	if err != nil {
		h.writeError(w, err, "Failed to list personas")
		return
	}
	if personas == nil {
		personas = []store.Persona{}
	}
	writeJSON(w, http.StatusOK, personas)
}

func (h *APIHandler) CreatePersonaHandler(w http.ResponseWriter, r *http.Request) {
	var p store.Persona
	if !decode(w, r, &p) {
		return
	}
	if err := h.assistant.CreatePersona(r.Context(), &p); err != nil {
		h.writeError(w, err, "Failed to create persona")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *APIHandler) UpdatePersonaHandler(w http.ResponseWriter, r *http.Request) {
	var p store.Persona
	if !decode(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "personaID")
	if err := h.assistant.UpdatePersona(r.Context(), &p); err != nil {
		h.writeError(w, err, "Failed to update persona")
		return
	}
	updated, err := h.assistant.GetPersona(r.Context(), p.ID)
	if err != nil {
		h.writeError(w, err, "Failed to load persona")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) DeletePersonaHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.assistant.DeletePersona(r.Context(), chi.URLParam(r, "personaID")); err != nil {
		h.writeError(w, err, "Failed to delete persona")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SetDefaultPersonaHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.assistant.SetDefaultPersona(r.Context(), chi.URLParam(r, "personaID")); err != nil {
		h.writeError(w, err, "Failed to set default persona")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
