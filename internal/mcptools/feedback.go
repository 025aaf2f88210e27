package mcptools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"projecthub.io/assistant/internal/core"
	"projecthub.io/assistant/internal/store"
)

// FeedbackTool handles the submit_turn_feedback MCP tool.
type FeedbackTool struct {
	assistant Assistant
}

func NewFeedbackTool(assistant Assistant) *FeedbackTool {
	return &FeedbackTool{assistant: assistant}
}

// Definition returns the MCP tool definition for submit_turn_feedback.
func (t *FeedbackTool) Definition() mcp.Tool {
	return mcp.NewTool("submit_turn_feedback",
		mcp.WithDescription(
			"Rate an answer returned by ask_project_data. Positive ratings teach the assistant: "+
				"the question and its SQL become an example for similar questions.",
		),
		mcp.WithString("turn_id",
			mcp.Required(),
			mcp.Description("Turn ID printed under the answer"),
		),
		mcp.WithString("rating",
			mcp.Required(),
			mcp.Description("positive, negative or neutral"),
		),
		mcp.WithString("comment",
			mcp.Description("Free-text comment"),
		),
		mcp.WithBoolean("is_sql_correct",
			mcp.Description("Whether the generated SQL was correct"),
		),
		mcp.WithBoolean("is_response_helpful",
			mcp.Description("Whether the written answer was helpful"),
		),
		mcp.WithBoolean("is_chart_useful",
			mcp.Description("Whether the chart was useful"),
		),
		mcp.WithString("tags",
			mcp.Description("Comma separated tags (e.g. 'wrong-table,slow')"),
		),
	)
}

// Handle processes the submit_turn_feedback tool call.
func (t *FeedbackTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	turnID := req.GetString("turn_id", "")
	if turnID == "" {
		return mcp.NewToolResultError("'turn_id' is required"), nil
	}
	rating := req.GetString("rating", "")
	if rating == "" {
		return mcp.NewToolResultError("'rating' is required"), nil
	}

	fb, err := t.assistant.SubmitFeedback(ctx, turnID, core.FeedbackInput{
		Rating:            store.Rating(rating),
		Comment:           optionalString(req, "comment"),
		IsSQLCorrect:      optionalBool(req, "is_sql_correct"),
		IsResponseHelpful: optionalBool(req, "is_response_helpful"),
		IsChartUseful:     optionalBool(req, "is_chart_useful"),
		Tags:              listArg(req, "tags"),
	})
	switch {
	case errors.Is(err, core.ErrTurnNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("turn %q not found", turnID)), nil
	case errors.Is(err, core.ErrInvalidInput):
		return mcp.NewToolResultError(err.Error()), nil
	case err != nil:
		return mcp.NewToolResultError("failed to record feedback"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Feedback recorded: %s (ID: %s)", fb.Rating, fb.ID)), nil
}
