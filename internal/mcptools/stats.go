package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"projecthub.io/assistant/internal/store"
)

// StatsTool handles the assistant_stats MCP tool.
type StatsTool struct {
	assistant Assistant
}

func NewStatsTool(assistant Assistant) *StatsTool {
	return &StatsTool{assistant: assistant}
}

// Definition returns the MCP tool definition for assistant_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("assistant_stats",
		mcp.WithDescription("Show answer quality statistics: feedback counts, positive rate, average timings and failed turns."),
		mcp.WithString("project_id",
			mcp.Description("Only count turns of this project"),
		),
		mcp.WithString("from",
			mcp.Description("First day to include, YYYY-MM-DD"),
		),
		mcp.WithString("to",
			mcp.Description("Last day to include, YYYY-MM-DD"),
		),
		mcp.WithString("rating",
			mcp.Description("Only count feedback with this rating: positive, negative or neutral"),
		),
	)
}

// Handle processes the assistant_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.StatsFilter{ProjectID: optionalString(req, "project_id")}
	if v := req.GetString("from", ""); v != "" {
		from, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return mcp.NewToolResultError("'from' must be YYYY-MM-DD"), nil
		}
		filter.From = &from
	}
	if v := req.GetString("to", ""); v != "" {
		to, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return mcp.NewToolResultError("'to' must be YYYY-MM-DD"), nil
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
		filter.To = &to
	}
	if v := req.GetString("rating", ""); v != "" {
		rating, ok := store.ParseRating(v)
		if !ok {
			return mcp.NewToolResultError("'rating' must be positive, negative or neutral"), nil
		}
		filter.Rating = &rating
	}

	stats, err := t.assistant.GetStats(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError("failed to compute stats"), nil
	}
	return mcp.NewToolResultText(FormatStats(stats)), nil
}

// FormatStats renders stats as markdown.
func FormatStats(stats *store.Stats) string {
	var sb strings.Builder
	sb.WriteString("## Assistant Statistics\n\n")
	sb.WriteString(fmt.Sprintf("- **Feedback**: %d (positive %d, negative %d, neutral %d)\n",
		stats.TotalFeedback, stats.Positive, stats.Negative, stats.Neutral))
	sb.WriteString(fmt.Sprintf("- **Positive rate**: %.1f%%\n", stats.PositiveRate))
	sb.WriteString(fmt.Sprintf("- **Avg processing time**: %.1f ms\n", stats.AvgProcessingTimeMs))
	sb.WriteString(fmt.Sprintf("- **Avg SQL generation time**: %.1f ms\n", stats.AvgSQLGenTimeMs))
	sb.WriteString(fmt.Sprintf("- **Avg SQL execution time**: %.1f ms\n", stats.AvgSQLExecTimeMs))
	sb.WriteString(fmt.Sprintf("- **Answers**: %d (%d failed)\n", stats.TurnCount, stats.ErrorCount))
	return sb.String()
}
