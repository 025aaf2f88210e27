package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"projecthub.io/assistant/internal/store"
)

func analysisInput(res *QueryResult, shaped ShapedResult) AnalysisInput {
	return AnalysisInput{
		Question: "이슈 상태별 개수",
		SQL:      "SELECT status, COUNT(*) AS count FROM issues GROUP BY status",
		Result:   res,
		Shaped:   shaped,
		Prompts:  PromptBundle{AnalysisPrompt: testAnalysisPrompt, PersonaPrompt: "You are a PM analyst."},
	}
}

func TestCompose_EmptyResultSkipsGeneration(t *testing.T) {
	gen := &scriptedGenerator{analysis: "should not be used"}
	c := NewAnalysisComposer(gen, time.Second, zaptest.NewLogger(t))

	answer, err := c.Compose(context.Background(), analysisInput(result([]string{"status"}), ShapedResult{}))
	require.NoError(t, err)
	assert.Contains(t, answer, "no matching data")
	assert.Empty(t, gen.calls(""))
}

func TestCompose_Success(t *testing.T) {
	gen := &scriptedGenerator{analysis: "  There are 5 open and 3 closed issues.\n"}
	c := NewAnalysisComposer(gen, time.Second, zaptest.NewLogger(t))
	res := result([]string{"status", "count"}, Row{"OPEN", int64(5)}, Row{"CLOSED", int64(3)})
	shaped := NewResultShaper(zaptest.NewLogger(t)).Shape(res, store.ChartBar)

	answer, err := c.Compose(context.Background(), analysisInput(res, shaped))
	require.NoError(t, err)
	assert.Equal(t, "There are 5 open and 3 closed issues.", answer)

	calls := gen.calls(testAnalysisPrompt)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemPrompt, "You are a PM analyst.")
	assert.Contains(t, calls[0].Prompt, "Question: 이슈 상태별 개수")
	assert.Contains(t, calls[0].Prompt, `{"count":5,"status":"OPEN"}`)
	assert.Contains(t, calls[0].Prompt, "bar chart")
	assert.NotContains(t, calls[0].Prompt, "truncated")
}

func TestCompose_LimitsRowsAndNotesTruncation(t *testing.T) {
	gen := &scriptedGenerator{analysis: "Many tasks."}
	c := NewAnalysisComposer(gen, time.Second, zaptest.NewLogger(t))

	var rows []Row
	for i := 0; i < 80; i++ {
		rows = append(rows, Row{fmt.Sprintf("task-%03d", i)})
	}
	res := result([]string{"name"}, rows...)
	res.Truncated = true

	_, err := c.Compose(context.Background(), analysisInput(res, ShapedResult{ChartType: store.ChartNone}))
	require.NoError(t, err)
	prompt := gen.calls(testAnalysisPrompt)[0].Prompt
	assert.Contains(t, prompt, "Rows (50 of 80, JSON)")
	assert.Contains(t, prompt, "task-049")
	assert.NotContains(t, prompt, "task-050")
	assert.Contains(t, prompt, "truncated")
}

func TestCompose_FailureFallsBackToRawResult(t *testing.T) {
	res := result([]string{"status", "count"}, Row{"OPEN", int64(5)}, Row{"CLOSED", int64(3)})
	shaped := NewResultShaper(zaptest.NewLogger(t)).Shape(res, store.ChartBar)

	tests := []struct {
		name string
		gen  TextGenerator
	}{
		{"provider error", &scriptedGenerator{analysisErr: errors.New("503 from provider")}},
		{"empty reply", &scriptedGenerator{analysis: "   "}},
		{"timeout", blockingGenerator{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewAnalysisComposer(tt.gen, 20*time.Millisecond, zaptest.NewLogger(t))
			answer, err := c.Compose(context.Background(), analysisInput(res, shaped))
			assert.ErrorIs(t, err, ErrAnalysisGeneration)
			assert.True(t, strings.HasPrefix(answer, UserMessage(err)))
			assert.Contains(t, answer, "| OPEN | 5 |")
			assert.NotContains(t, answer, "503")
		})
	}
}

func TestRowsJSON_KeepsDuplicateColumnNames(t *testing.T) {
	res := result([]string{"name", "name", "status"}, Row{"Deck", "Bridge", "OPEN"})
	got, err := rowsJSON(res, 10)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"Deck","name_2":"Bridge","status":"OPEN"}]`, got)

	// A generated key never shadows a real column.
	assert.Equal(t, []string{"name", "name_3", "name_2"}, uniqueKeys([]string{"name", "name", "name_2"}))
}
