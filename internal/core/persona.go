package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"projecthub.io/assistant/internal/store"
)

const (
	defaultSQLPrompt = `You translate questions about project management data into one SQLite SELECT statement.
Rules:
- Produce exactly one read-only SELECT (WITH is not supported). Never modify data.
- Use only the tables and columns listed in the schema.
- When a project id is given, every scoped table you read must be filtered with its scope column = that id, in the WHERE clause of the SELECT that reads it.
- Status values differ per table; use the listed values of that table only.
- Alias aggregates with simple names (count, total, value). Put the label column first.
- For hierarchies (WBS), return id, parent_id, name and optionally value, and suggest "mindmap".
Reply with JSON only: {"sql": "<statement>", "chartType": "bar|line|pie|area|bar3d|mindmap|none"}`

	defaultAnalysisPrompt = `You explain query results about project data to a project manager.
Answer the question directly using only the rows provided. Quote the key numbers.
Mention when the result was truncated. Do not show SQL. Keep it under 150 words and answer in the user's language.`
)

// BasePrompts are the operator-level instructions shared by every persona.
type BasePrompts struct {
	SQLPrompt      string `yaml:"sqlPrompt"`
	AnalysisPrompt string `yaml:"analysisPrompt"`
}

func DefaultBasePrompts() BasePrompts {
	return BasePrompts{SQLPrompt: defaultSQLPrompt, AnalysisPrompt: defaultAnalysisPrompt}
}

// LoadBasePrompts reads operator overrides from a YAML file. Keys left out keep
// the built-in prompts. An empty path returns the built-ins.
func LoadBasePrompts(path string) (BasePrompts, error) {
	prompts := DefaultBasePrompts()
	if path == "" {
		return prompts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return prompts, fmt.Errorf("failed to read prompts file %s: %w", path, err)
	}
	var override BasePrompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return prompts, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	if strings.TrimSpace(override.SQLPrompt) != "" {
		prompts.SQLPrompt = override.SQLPrompt
	}
	if strings.TrimSpace(override.AnalysisPrompt) != "" {
		prompts.AnalysisPrompt = override.AnalysisPrompt
	}
	return prompts, nil
}

// PromptBundle is the merged prompt set for one turn.
type PromptBundle struct {
	SQLPrompt      string
	AnalysisPrompt string
	PersonaPrompt  string
	PersonaID      string
	PersonaName    string
}

type PersonaSource interface {
	GetPersona(ctx context.Context, id string) (*store.Persona, error)
	DefaultPersonas(ctx context.Context) ([]store.Persona, error)
}

type PersonaResolver struct {
	source PersonaSource
	base   BasePrompts
}

func NewPersonaResolver(source PersonaSource, base BasePrompts) *PersonaResolver {
	return &PersonaResolver{source: source, base: base}
}

// Resolve selects the persona for a turn. A nil or empty id selects the single
// default persona; zero or several defaults is ErrConfiguration.
func (r *PersonaResolver) Resolve(ctx context.Context, personaID *string) (PromptBundle, error) {
	var persona *store.Persona
	if personaID != nil && *personaID != "" {
		p, err := r.source.GetPersona(ctx, *personaID)
		if errors.Is(err, store.ErrPersonaNotFound) {
			return PromptBundle{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, *personaID)
		}
		if err != nil {
			return PromptBundle{}, fmt.Errorf("failed to load persona %s: %w", *personaID, err)
		}
		persona = p
	} else {
		defaults, err := r.source.DefaultPersonas(ctx)
		if err != nil {
			return PromptBundle{}, fmt.Errorf("failed to load default persona: %w", err)
		}
		switch len(defaults) {
		case 0:
			return PromptBundle{}, fmt.Errorf("%w: no default persona is configured", ErrConfiguration)
		case 1:
			persona = &defaults[0]
		default:
			return PromptBundle{}, fmt.Errorf("%w: %d personas are marked default", ErrConfiguration, len(defaults))
		}
	}

	return PromptBundle{
		SQLPrompt:      r.base.SQLPrompt,
		AnalysisPrompt: r.base.AnalysisPrompt,
		PersonaPrompt:  persona.SystemPrompt,
		PersonaID:      persona.ID,
		PersonaName:    persona.Name,
	}, nil
}
