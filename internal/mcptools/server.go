package mcptools

import (
	"github.com/mark3labs/mcp-go/server"
)

const instructions = `Project data assistant. Use ask_project_data to answer questions about tasks, WBS, issues,
requirements and equipment; pass project_id whenever the user talks about one project.
Ask the user to rate useful answers with submit_turn_feedback. assistant_stats reports answer quality.`

// NewServer registers the assistant tools on a new MCP server.
func NewServer(assistant Assistant, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"projecthub-assistant",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	ask := NewAskTool(assistant)
	s.AddTool(ask.Definition(), ask.Handle)

	feedback := NewFeedbackTool(assistant)
	s.AddTool(feedback.Definition(), feedback.Handle)

	stats := NewStatsTool(assistant)
	s.AddTool(stats.Definition(), stats.Handle)

	return s
}
