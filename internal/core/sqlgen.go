package core

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"projecthub.io/assistant/internal/schema"
	"projecthub.io/assistant/internal/store"
)

var sqlPromptTemplate = template.Must(template.New("sql").Parse(`{{.Schema}}
Scope: {{if .ProjectID}}project id '{{.ProjectID}}'. Filter every scoped table you read by its scope column = '{{.ProjectID}}'.{{else}}all projects. No project filter is required.{{end}}
{{- if .Examples}}

Queries that users rated as correct for similar questions:
{{- range .Examples}}
Q: {{.Question}}
SQL: {{.SQL}}
{{- end}}
{{- end}}

Question: {{.Question}}`))

type promptData struct {
	Schema    string
	ProjectID string
	Examples  []store.SQLExample
	Question  string
}

type exampleSource interface {
	Relevant(ctx context.Context, question string) ([]store.SQLExample, error)
}

// GenerationInput is everything the SQL generator needs for one question.
type GenerationInput struct {
	Question  string
	History   []store.Turn
	ProjectID *string
	Prompts   PromptBundle
}

type GeneratedSQL struct {
	SQL                string
	SuggestedChartType store.ChartType
}

type SQLGenerator struct {
	gen      TextGenerator
	catalog  *schema.Catalog
	examples exampleSource
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSQLGenerator builds a generator. examples may be nil.
func NewSQLGenerator(gen TextGenerator, catalog *schema.Catalog, examples exampleSource, timeout time.Duration, logger *zap.Logger) *SQLGenerator {
	return &SQLGenerator{gen: gen, catalog: catalog, examples: examples, timeout: timeout, logger: logger}
}

// Generate issues one generation request and parses a statement and chart hint
// out of the reply. Any failure, including a timeout, is ErrSQLGeneration.
func (g *SQLGenerator) Generate(ctx context.Context, in GenerationInput) (*GeneratedSQL, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	data := promptData{Schema: g.catalog.Describe(), Question: in.Question}
	if in.ProjectID != nil {
		data.ProjectID = *in.ProjectID
	}
	if g.examples != nil {
		examples, err := g.examples.Relevant(ctx, in.Question)
		if err != nil {
			g.logger.Warn("Example retrieval failed, continuing without examples", zap.Error(err))
		}
		data.Examples = examples
	}

	var prompt strings.Builder
	if err := sqlPromptTemplate.Execute(&prompt, data); err != nil {
		return nil, fmt.Errorf("%w: render prompt: %v", ErrSQLGeneration, err)
	}

	system := in.Prompts.SQLPrompt
	if in.Prompts.PersonaPrompt != "" {
		system += "\n\nPersona:\n" + in.Prompts.PersonaPrompt
	}
	temperature := float32(0.1)

	reply, err := g.gen.Generate(ctx, GenerationRequest{
		SystemPrompt: system,
		History:      historyMessages(in.History),
		Prompt:       prompt.String(),
		Temperature:  &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSQLGeneration, err)
	}

	sql, chart, ok := ParseSQLResponse(reply)
	if !ok {
		g.logger.Warn("No SQL found in generator reply", zap.String("reply", truncate(reply, 300)))
		return nil, fmt.Errorf("%w: no parseable sql in reply", ErrSQLGeneration)
	}
	return &GeneratedSQL{SQL: sql, SuggestedChartType: chart}, nil
}

// historyMessages maps stored turns onto generator history. Assistant turns
// carry their SQL so follow-up questions can refer to it.
func historyMessages(turns []store.Turn) []HistoryMessage {
	msgs := make([]HistoryMessage, 0, len(turns))
	for _, t := range turns {
		if t.Role == store.RoleAssistant {
			content := t.Content
			if t.SQLQuery != nil {
				content += "\nSQL: " + *t.SQLQuery
			}
			msgs = append(msgs, HistoryMessage{Role: "model", Content: content})
			continue
		}
		msgs = append(msgs, HistoryMessage{Role: "user", Content: t.Content})
	}
	return msgs
}

var (
	jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	sqlFenceRe  = regexp.MustCompile("(?s)```(?:sql|sqlite)\\s*(.*?)```")
	chartLineRe = regexp.MustCompile(`(?im)^\s*chart(?:[ _]?type)?\s*[:=]\s*"?([a-z0-9_\-]+)"?\s*$`)
	statementRe = regexp.MustCompile(`(?im)^\s*(select|with|insert|update|delete|drop|alter|create|replace|pragma|attach|detach|vacuum|reindex|truncate)\b`)
)

type sqlReply struct {
	SQL       string `json:"sql"`
	ChartType string `json:"chartType"`
	Chart     string `json:"chart"`
}

// ParseSQLResponse extracts one statement and a chart hint from a generator
// reply. It accepts a JSON object (optionally fenced), a fenced sql block with
// an optional "CHART: type" line, or a bare statement. Any statement kind is
// extracted; deciding whether it may run is the guard's job.
func ParseSQLResponse(reply string) (string, store.ChartType, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", store.ChartNone, false
	}

	if r, ok := parseJSONReply(reply); ok {
		hint := r.ChartType
		if hint == "" {
			hint = r.Chart
		}
		return strings.TrimSpace(r.SQL), store.ParseChartType(hint), true
	}

	chart := store.ChartNone
	if m := chartLineRe.FindStringSubmatch(reply); m != nil {
		chart = store.ParseChartType(m[1])
	}

	if m := sqlFenceRe.FindStringSubmatch(reply); m != nil {
		if sql := strings.TrimSpace(m[1]); sql != "" {
			return sql, chart, true
		}
	}

	body := chartLineRe.ReplaceAllString(reply, "")
	body = strings.ReplaceAll(body, "```", "")
	if loc := statementRe.FindStringIndex(body); loc != nil {
		if sql := strings.TrimSpace(body[loc[0]:]); sql != "" {
			return sql, chart, true
		}
	}
	return "", store.ChartNone, false
}

func parseJSONReply(reply string) (sqlReply, bool) {
	candidates := []string{}
	if m := jsonFenceRe.FindStringSubmatch(reply); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}"); start >= 0 && end > start {
		candidates = append(candidates, reply[start:end+1])
	}
	for _, c := range candidates {
		var r sqlReply
		if err := json.Unmarshal([]byte(c), &r); err == nil && strings.TrimSpace(r.SQL) != "" {
			return r, true
		}
	}
	return sqlReply{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
