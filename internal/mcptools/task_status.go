package mcptools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"riskroute/internal/engine"
)

// TaskStatusTool handles the task_status MCP tool.
type TaskStatusTool struct {
	engine *engine.Engine
}

func NewTaskStatusTool(eng *engine.Engine) *TaskStatusTool {
	return &TaskStatusTool{engine: eng}
}

// Definition returns the MCP tool definition for task_status.
func (t *TaskStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("task_status",
		mcp.WithDescription("Show a task's state, tier, budget and the most recent attempt history entries."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
		mcp.WithNumber("history",
			mcp.Description("Number of history entries to show (default 5)"),
		),
	)
}

// Handle processes the task_status tool call.
func (t *TaskStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("task_id", "")
	if id == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	task, err := t.engine.Get(ctx, id)
	if errors.Is(err, engine.ErrTaskNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("task %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Task %s\n\n", task.ID))
	sb.WriteString(fmt.Sprintf("- **State**: %s\n", task.State))
	sb.WriteString(fmt.Sprintf("- **Domain**: %s\n", task.Domain))
	sb.WriteString(fmt.Sprintf("- **Risk**: %.3f (tier %d)\n", task.RiskScore, task.Tier))
	if task.AssignedWorker != "" {
		sb.WriteString(fmt.Sprintf("- **Worker**: %s\n", task.AssignedWorker))
	}
	sb.WriteString(fmt.Sprintf("- **Budget**: %.2f of %.2f\n", task.BudgetSpent, task.BudgetCap))
	sb.WriteString(fmt.Sprintf("- **Human gate**: %v", task.HumanGateRequired))
	if task.AwaitingHuman {
		sb.WriteString(" (awaiting decision)")
	}
	sb.WriteString("\n")
	if task.Reason != "" {
		sb.WriteString(fmt.Sprintf("- **Reason**: %s\n", task.Reason))
	}

	n := intArg(req, "history", 5)
	history := task.History
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	if len(history) > 0 {
		sb.WriteString("\n### History\n\n")
		for _, a := range history {
			from := string(a.From)
			if from == "" {
				from = "-"
			}
			line := fmt.Sprintf("%d. %s -> %s (tier %d, %s)", a.Seq, from, a.To, a.Tier, a.Outcome)
			if a.WorkerID != "" {
				line += " " + a.WorkerID
			}
			if a.Reason != "" {
				line += ": " + a.Reason
			}
			sb.WriteString(line + "\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}
