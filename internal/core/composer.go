package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"projecthub.io/assistant/internal/store"
)

const (
	MaxAnalysisRows = 50
	noDataAnswer    = "I found no matching data for that question. Try widening the period or checking the project selection."
)

type AnalysisInput struct {
	Question string
	SQL      string
	Result   *QueryResult
	Shaped   ShapedResult
	Prompts  PromptBundle
}

type AnalysisComposer struct {
	gen     TextGenerator
	timeout time.Duration
	logger  *zap.Logger
}

func NewAnalysisComposer(gen TextGenerator, timeout time.Duration, logger *zap.Logger) *AnalysisComposer {
	return &AnalysisComposer{gen: gen, timeout: timeout, logger: logger}
}

// Compose writes the final answer. An empty result gets a fixed answer without
// a generation call. When generation fails the raw-result answer is returned
// together with an error wrapping ErrAnalysisGeneration; the text is usable
// either way.
func (c *AnalysisComposer) Compose(ctx context.Context, in AnalysisInput) (string, error) {
	if in.Result == nil || len(in.Result.Rows) == 0 {
		return noDataAnswer, nil
	}

	payload, err := rowsJSON(in.Result, MaxAnalysisRows)
	if err != nil {
		err = fmt.Errorf("%w: encode rows: %v", ErrAnalysisGeneration, err)
		return rawResultAnswer(err, in.Shaped), err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Question: %s\n", in.Question)
	fmt.Fprintf(&prompt, "SQL: %s\n", in.SQL)
	shown := min(len(in.Result.Rows), MaxAnalysisRows)
	fmt.Fprintf(&prompt, "Rows (%d of %d, JSON): %s\n", shown, in.Result.RowCount, payload)
	if in.Result.Truncated {
		prompt.WriteString("Note: the query returned more rows than the row limit; the result was truncated.\n")
	}
	if in.Shaped.ChartType != "" && in.Shaped.ChartType != store.ChartNone {
		fmt.Fprintf(&prompt, "The user will also see a %s chart of this data.\n", in.Shaped.ChartType)
	}

	system := in.Prompts.AnalysisPrompt
	if in.Prompts.PersonaPrompt != "" {
		system += "\n\nPersona:\n" + in.Prompts.PersonaPrompt
	}
	temperature := float32(0.3)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	answer, err := c.gen.Generate(ctx, GenerationRequest{
		SystemPrompt: system,
		Prompt:       prompt.String(),
		Temperature:  &temperature,
	})
	if err == nil && strings.TrimSpace(answer) == "" {
		err = errEmptyGeneration
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAnalysisGeneration, err)
		c.logger.Warn("Analysis generation failed, answering with raw result", zap.Error(err))
		return rawResultAnswer(err, in.Shaped), err
	}
	return strings.TrimSpace(answer), nil
}

func rawResultAnswer(err error, shaped ShapedResult) string {
	return UserMessage(err) + "\n\n" + shaped.Narrative
}

func rowsJSON(res *QueryResult, limit int) (string, error) {
	keys := uniqueKeys(res.Columns)
	n := min(len(res.Rows), limit)
	records := make([]map[string]any, 0, n)
	for _, row := range res.Rows[:n] {
		rec := make(map[string]any, len(keys))
		for i, key := range keys {
			if i < len(row) {
				rec[key] = row[i]
			}
		}
		records = append(records, rec)
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// uniqueKeys suffixes repeated column names ("name", "name_2") so every column
// survives as a record key.
func uniqueKeys(columns []string) []string {
	taken := make(map[string]bool, len(columns))
	for _, c := range columns {
		taken[c] = true
	}
	seen := make(map[string]int, len(columns))
	keys := make([]string, len(columns))
	for i, c := range columns {
		seen[c]++
		if seen[c] == 1 {
			keys[i] = c
			continue
		}
		key := fmt.Sprintf("%s_%d", c, seen[c])
		for n := seen[c]; taken[key]; {
			n++
			key = fmt.Sprintf("%s_%d", c, n)
		}
		taken[key] = true
		keys[i] = key
	}
	return keys
}
