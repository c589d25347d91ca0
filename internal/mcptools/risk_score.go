package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"riskroute/internal/domain"
	"riskroute/internal/engine"
)

// RiskScoreTool handles the risk_score MCP tool.
type RiskScoreTool struct {
	engine *engine.Engine
}

func NewRiskScoreTool(eng *engine.Engine) *RiskScoreTool {
	return &RiskScoreTool{engine: eng}
}

// Definition returns the MCP tool definition for risk_score.
func (t *RiskScoreTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(
			"Compute the risk score and escalation tier for a feature vector without submitting a task. " +
				"Every feature is a number in [0,1]; omitted features count as 1.0 (maximum risk).",
		),
	}
	for _, name := range domain.FeatureNames {
		opts = append(opts, mcp.WithNumber(name, mcp.Description(featureHelp[name])))
	}
	return mcp.NewTool("risk_score", opts...)
}

var featureHelp = map[string]string{
	domain.FeatureChangeSize:        "Normalized size of the change",
	domain.FeatureSensitivePath:     "1 if the change touches a sensitive path",
	domain.FeatureCoverageDrop:      "Normalized test coverage drop",
	domain.FeatureStaticSeverity:    "Highest static-analysis severity",
	domain.FeatureConfidenceNegated: "1 minus the worker's self-reported confidence",
	domain.FeatureSurfaceArea:       "Normalized public surface area touched",
}

// Handle processes the risk_score tool call.
func (t *RiskScoreTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	features := domain.Features{}
	for _, name := range domain.FeatureNames {
		if v, ok := floatArg(req, name); ok {
			features[name] = v
		}
	}
	score, tier, err := t.engine.Score(features)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sb strings.Builder
	sb.WriteString("## Risk\n\n")
	sb.WriteString(fmt.Sprintf("- **Score**: %.3f\n", score))
	sb.WriteString(fmt.Sprintf("- **Tier**: %d\n", tier))
	sb.WriteString(fmt.Sprintf("- **Human gate**: %v\n", tier == domain.MaxTier))
	var missing []string
	for _, name := range domain.FeatureNames {
		if _, ok := features[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sb.WriteString(fmt.Sprintf("- **Defaulted to 1.0**: %s\n", strings.Join(missing, ", ")))
	}
	return mcp.NewToolResultText(sb.String()), nil
}
