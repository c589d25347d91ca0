// Package mcptools exposes read-only routing queries as MCP tools.
//
// Each tool follows the same shape:
// - a struct holding the engine, built by a constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a text result
package mcptools

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"riskroute/internal/engine"
)

// NewServer registers every tool on a new MCP server.
func NewServer(eng *engine.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"riskroute",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Inspect risk scores, task routing state and worker health of a riskroute engine."),
	)

	riskTool := NewRiskScoreTool(eng)
	s.AddTool(riskTool.Definition(), riskTool.Handle)

	statusTool := NewTaskStatusTool(eng)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	workersTool := NewWorkerListTool(eng)
	s.AddTool(workersTool.Definition(), workersTool.Handle)

	return s
}

// floatArg extracts a number argument; JSON numbers arrive as float64.
func floatArg(req mcp.CallToolRequest, key string) (float64, bool) {
	v, ok := req.GetArguments()[key].(float64)
	return v, ok
}

// intArg extracts an integer argument, returning defaultVal if missing.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := floatArg(req, key)
	if !ok {
		return defaultVal
	}
	return int(v)
}
