package mcptools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"projecthub.io/assistant/internal/core"
	"projecthub.io/assistant/internal/store"
)

// AskTool handles the ask_project_data MCP tool.
type AskTool struct {
	assistant Assistant
}

func NewAskTool(assistant Assistant) *AskTool {
	return &AskTool{assistant: assistant}
}

// Definition returns the MCP tool definition for ask_project_data.
func (t *AskTool) Definition() mcp.Tool {
	return mcp.NewTool("ask_project_data",
		mcp.WithDescription(
			"Answer a natural-language question about project management data (tasks, WBS, issues, requirements, equipment). "+
				"The question is translated into a read-only query, run, and explained. Returns the answer, the SQL and chart data.",
		),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question, in any language (e.g. 'How many open issues per priority?')"),
		),
		mcp.WithString("project_id",
			mcp.Description("Restrict the answer to one project. Omit for a cross-project answer."),
		),
		mcp.WithString("persona_id",
			mcp.Description("Persona to answer as (default persona when omitted)"),
		),
		mcp.WithString("conversation_id",
			mcp.Description("Conversation to continue, so follow-up questions see earlier turns"),
		),
	)
}

// Handle processes the ask_project_data tool call.
func (t *AskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question := strings.TrimSpace(req.GetString("question", ""))
	if question == "" {
		return mcp.NewToolResultError("'question' is required"), nil
	}

	turn, err := t.assistant.SubmitTurn(ctx, core.TurnRequest{
		Question:       question,
		ProjectID:      optionalString(req, "project_id"),
		PersonaID:      optionalString(req, "persona_id"),
		ConversationID: optionalString(req, "conversation_id"),
	})
	if err != nil {
		if errors.Is(err, core.ErrPersonaNotFound) || errors.Is(err, core.ErrInvalidInput) || errors.Is(err, core.ErrConfiguration) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError("failed to answer question"), nil
	}
	if turn.ErrorMessage != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s\n\nTurn ID: %s", *turn.ErrorMessage, turn.ID)), nil
	}
	return mcp.NewToolResultText(FormatTurn(turn)), nil
}

// FormatTurn renders an assistant turn as markdown.
func FormatTurn(turn *store.Turn) string {
	var sb strings.Builder
	sb.WriteString(turn.Content)
	sb.WriteString("\n")

	if turn.SQLQuery != nil {
		sb.WriteString("\n**SQL**\n```sql\n")
		sb.WriteString(*turn.SQLQuery)
		sb.WriteString("\n```\n")
	}

	switch {
	case turn.ChartData != nil:
		sb.WriteString(fmt.Sprintf("\n**Chart** (%s)\n", turn.ChartType))
		for _, p := range turn.ChartData {
			sb.WriteString(fmt.Sprintf("- %s: %g\n", p.Name, p.Value))
		}
	case turn.MindmapData != nil:
		sb.WriteString(fmt.Sprintf("\n**Mindmap** (%d nodes)\n", turn.MindmapData.NodeCount))
		writeNode(&sb, turn.MindmapData.Root, 0)
	}

	rows := fmt.Sprintf("%d rows", turn.RowCount)
	if turn.Truncated {
		rows += ", truncated"
	}
	sb.WriteString(fmt.Sprintf("\n_%s, %d ms_ | Turn ID: %s\n", rows, turn.ProcessingTimeMs, turn.ID))
	return sb.String()
}

func writeNode(sb *strings.Builder, n *store.MindmapNode, depth int) {
	if n == nil {
		return
	}
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString("- ")
	sb.WriteString(n.Name)
	if n.Value != nil {
		sb.WriteString(fmt.Sprintf(" (%g)", *n.Value))
	}
	sb.WriteString("\n")
	for _, c := range n.Children {
		writeNode(sb, c, depth+1)
	}
}
