package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"projecthub.io/assistant/internal/store"
)

type memoryExamples struct {
	mu       sync.Mutex
	examples []store.SQLExample
}

func (m *memoryExamples) ListExamples(context.Context) ([]store.SQLExample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.SQLExample(nil), m.examples...), nil
}

func (m *memoryExamples) SaveExample(_ context.Context, ex *store.SQLExample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.examples {
		if m.examples[i].TurnID == ex.TurnID {
			m.examples[i] = *ex
			return nil
		}
	}
	m.examples = append(m.examples, *ex)
	return nil
}

func learnedTurn(id, question, sql string) *store.Turn {
	return &store.Turn{ID: id, Role: store.RoleAssistant, UserQuery: &question, SQLQuery: &sql}
}

func TestExampleRetriever_LearnAndRelevant(t *testing.T) {
	ctx := context.Background()
	mem := &memoryExamples{}
	r, err := NewExampleRetriever(ctx, mem, keywordEmbedder{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := r.Relevant(ctx, "issue count by status")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, r.Learn(ctx, learnedTurn("t1", "issue count by status", "SELECT status, COUNT(*) FROM issues GROUP BY status")))
	require.NoError(t, r.Learn(ctx, learnedTurn("t2", "equipment list", "SELECT name FROM equipment")))
	assert.Len(t, mem.examples, 2)

	got, err = r.Relevant(ctx, "how many issues per status?")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TurnID)

	// Relearning the same turn replaces it.
	require.NoError(t, r.Learn(ctx, learnedTurn("t1", "issue count by status", "SELECT status, COUNT(id) FROM issues GROUP BY status")))
	got, err = r.Relevant(ctx, "issue count by status")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].SQL, "COUNT(id)")
}

func TestExampleRetriever_SkipsUnusableTurns(t *testing.T) {
	ctx := context.Background()
	mem := &memoryExamples{}
	r, err := NewExampleRetriever(ctx, mem, keywordEmbedder{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	failed := learnedTurn("t1", "issue count", "SELECT 1")
	failed.ErrorMessage = strPtr("blocked")
	user := learnedTurn("t2", "issue count", "SELECT 1")
	user.Role = store.RoleUser
	noSQL := &store.Turn{ID: "t3", Role: store.RoleAssistant, UserQuery: strPtr("issue count")}

	for _, turn := range []*store.Turn{failed, user, noSQL} {
		require.NoError(t, r.Learn(ctx, turn))
	}
	assert.Empty(t, mem.examples)
}

func TestExampleRetriever_EmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	mem := &memoryExamples{examples: []store.SQLExample{{TurnID: "t1", Question: "q", SQL: "SELECT 1", Embedding: []float32{1, 0}}}}
	r, err := NewExampleRetriever(ctx, mem, keywordEmbedder{fail: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = r.Relevant(ctx, "anything")
	assert.Error(t, err)
	assert.Error(t, r.Learn(ctx, learnedTurn("t2", "q", "SELECT 1")))
}

func TestExampleRetriever_Reload(t *testing.T) {
	ctx := context.Background()
	mem := &memoryExamples{}
	r, err := NewExampleRetriever(ctx, mem, keywordEmbedder{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.Learn(ctx, learnedTurn("t1", "task delay", "SELECT name FROM tasks WHERE status = 'DELAYED'")))

	mem.examples = nil
	require.NoError(t, r.Reload(ctx))
	got, err := r.Relevant(ctx, "task delay")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExampleRetriever_NilIsDisabled(t *testing.T) {
	var r *ExampleRetriever
	ctx := context.Background()

	got, err := r.Relevant(ctx, "issue count")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, r.Learn(ctx, learnedTurn("t1", "issue count", "SELECT 1")))
	assert.NoError(t, r.Reload(ctx))
}

func TestExampleRetriever_ConcurrentLearnAndRelevant(t *testing.T) {
	ctx := context.Background()
	r, err := NewExampleRetriever(ctx, &memoryExamples{}, keywordEmbedder{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	turn := learnedTurn("t1", "issue count by status", "SELECT status, COUNT(*) FROM issues GROUP BY status")
	require.NoError(t, r.Learn(ctx, turn))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Learn(ctx, turn))
		}()
		go func() {
			defer wg.Done()
			got, err := r.Relevant(ctx, "issue count by status")
			assert.NoError(t, err)
			if assert.Len(t, got, 1) {
				assert.Equal(t, "t1", got[0].TurnID)
			}
		}()
	}
	wg.Wait()

	got, err := r.Relevant(ctx, "issue count by status")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
