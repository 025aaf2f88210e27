package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveExample stores (or replaces) the curated example derived from a turn.
func (s *SQLiteStore) SaveExample(ctx context.Context, ex *SQLExample) error {
	embeddingBytes, err := json.Marshal(ex.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = s.now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sql_examples (turn_id, question, sql_query, embedding_json, created_at)
        VALUES (?, ?, ?, ?, ?)`, ex.TurnID, ex.Question, ex.SQL, string(embeddingBytes), formatTime(ex.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to execute example insert: %w", err)
	}
	return nil
}

// ListExamples returns every stored example, newest first. Rows whose
// embedding cannot be decoded come back with a nil embedding.
func (s *SQLiteStore) ListExamples(ctx context.Context) ([]SQLExample, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT turn_id, question, sql_query, embedding_json, created_at FROM sql_examples ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query sql_examples: %w", err)
	}
	defer rows.Close()

	var examples []SQLExample
	for rows.Next() {
		var (
			ex                       SQLExample
			embeddingJSON, createdAt string
		)
		if err := rows.Scan(&ex.TurnID, &ex.Question, &ex.SQL, &embeddingJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sql_example row: %w", err)
		}
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &ex.Embedding); err != nil {
				ex.Embedding = nil
			}
		}
		if ex.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at of example %s: %w", ex.TurnID, err)
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}
