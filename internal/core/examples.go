package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"projecthub.io/assistant/internal/store"
	"projecthub.io/assistant/internal/utils"
)

const (
	NumRelevantExamples = 3    // few-shot examples offered to the SQL prompt
	SimilarityThreshold = 0.75 // minimum cosine similarity for an example to be offered
)

type ExampleStore interface {
	ListExamples(ctx context.Context) ([]store.SQLExample, error)
	SaveExample(ctx context.Context, ex *store.SQLExample) error
}

// ExampleRetriever keeps positively rated question/SQL pairs in memory and
// returns the ones closest to a new question.
type ExampleRetriever struct {
	store    ExampleStore
	embedder Embedder
	logger   *zap.Logger

	mu       sync.RWMutex
	examples []store.SQLExample
}

func NewExampleRetriever(ctx context.Context, st ExampleStore, embedder Embedder, logger *zap.Logger) (*ExampleRetriever, error) {
	examples, err := st.ListExamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sql examples: %w", err)
	}
	logger.Info("Example retriever initialized", zap.Int("examples", len(examples)))

	return &ExampleRetriever{
		store:    st,
		embedder: embedder,
		logger:   logger,
		examples: examples,
	}, nil
}

// Relevant returns up to NumRelevantExamples examples similar to question.
// A nil retriever has no examples.
func (r *ExampleRetriever) Relevant(ctx context.Context, question string) ([]store.SQLExample, error) {
	if r == nil {
		return nil, nil
	}
	r.mu.RLock()
	examples := r.examples
	r.mu.RUnlock()
	if len(examples) == 0 {
		return nil, nil
	}

	queryEmbedding, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to get question embedding: %w", err)
	}

	vectors := make([][]float32, len(examples))
	for i, ex := range examples {
		vectors[i] = ex.Embedding
	}
	scored := utils.TopK(queryEmbedding, vectors, NumRelevantExamples, SimilarityThreshold)

	out := make([]store.SQLExample, 0, len(scored))
	for _, sc := range scored {
		out = append(out, examples[sc.Index])
	}
	r.logger.Debug("Retrieved sql examples", zap.Int("count", len(out)))
	return out, nil
}

// Learn stores a successful assistant turn as an example.
func (r *ExampleRetriever) Learn(ctx context.Context, turn *store.Turn) error {
	if r == nil || turn.Role != store.RoleAssistant || turn.SQLQuery == nil || turn.UserQuery == nil || turn.ErrorMessage != nil {
		return nil
	}
	question := strings.TrimSpace(*turn.UserQuery)
	if question == "" {
		return nil
	}

	embedding, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return fmt.Errorf("failed to embed example question: %w", err)
	}
	ex := store.SQLExample{
		TurnID:    turn.ID,
		Question:  question,
		SQL:       *turn.SQLQuery,
		Embedding: embedding,
	}
	if err := r.store.SaveExample(ctx, &ex); err != nil {
		return err
	}

	// Readers hold on to the old slice, so it is replaced, never written.
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]store.SQLExample, 0, len(r.examples)+1)
	next = append(next, ex)
	for _, existing := range r.examples {
		if existing.TurnID != ex.TurnID {
			next = append(next, existing)
		}
	}
	r.examples = next
	return nil
}

// Reload replaces the cache from the store, after a bulk delete.
func (r *ExampleRetriever) Reload(ctx context.Context) error {
	if r == nil {
		return nil
	}
	examples, err := r.store.ListExamples(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload sql examples: %w", err)
	}
	r.mu.Lock()
	r.examples = examples
	r.mu.Unlock()
	return nil
}
