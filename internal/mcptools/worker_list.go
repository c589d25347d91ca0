package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"riskroute/internal/engine"
)

// WorkerListTool handles the worker_list MCP tool.
type WorkerListTool struct {
	engine *engine.Engine
}

func NewWorkerListTool(eng *engine.Engine) *WorkerListTool {
	return &WorkerListTool{engine: eng}
}

// Definition returns the MCP tool definition for worker_list.
func (t *WorkerListTool) Definition() mcp.Tool {
	return mcp.NewTool("worker_list",
		mcp.WithDescription("List workers with tier, load, breaker state and remaining budget tokens."),
		mcp.WithString("domain",
			mcp.Description("Only list workers serving this domain"),
		),
		mcp.WithNumber("tier",
			mcp.Description("Only list workers of this tier (1-3)"),
		),
	)
}

// Handle processes the worker_list tool call.
func (t *WorkerListTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dom := req.GetString("domain", "")
	tier := intArg(req, "tier", 0)
	if tier < 0 || tier > 3 {
		return mcp.NewToolResultError("tier must be within 1-3"), nil
	}

	var sb strings.Builder
	sb.WriteString("## Workers\n\n")
	n := 0
	for _, w := range t.engine.Workers() {
		if dom != "" && !w.Serves(dom) {
			continue
		}
		if tier > 0 && int(w.Tier) != tier {
			continue
		}
		n++
		status := "available"
		if !w.Available {
			status = "unavailable"
		}
		sb.WriteString(fmt.Sprintf("- **%s** tier %d, load %d/%d, breaker %s, tokens %.1f/%.1f, %s\n",
			w.ID, w.Tier, w.Load, w.MaxConcurrent, w.BreakerState, w.BudgetTokens, w.BudgetCapacity, status))
	}
	if n == 0 {
		sb.WriteString("No workers match.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
