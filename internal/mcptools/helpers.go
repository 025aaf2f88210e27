// Package mcptools exposes the assistant as MCP tools.
//
// Each tool is a struct holding its dependency, with Definition() returning
// the mcp.Tool schema and Handle() serving the call.
package mcptools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"projecthub.io/assistant/internal/core"
	"projecthub.io/assistant/internal/store"
)

// Assistant is the part of core.ChatService the tools call.
type Assistant interface {
	SubmitTurn(ctx context.Context, req core.TurnRequest) (*store.Turn, error)
	SubmitFeedback(ctx context.Context, turnID string, in core.FeedbackInput) (*store.Feedback, error)
	GetStats(ctx context.Context, filter store.StatsFilter) (*store.Stats, error)
}

// optionalString returns nil for a missing or blank argument.
func optionalString(req mcp.CallToolRequest, key string) *string {
	v := strings.TrimSpace(req.GetString(key, ""))
	if v == "" {
		return nil
	}
	return &v
}

// optionalBool returns nil when the argument is missing or not a boolean.
func optionalBool(req mcp.CallToolRequest, key string) *bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

// listArg splits a comma separated argument.
func listArg(req mcp.CallToolRequest, key string) []string {
	var out []string
	for _, s := range strings.Split(req.GetString(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
