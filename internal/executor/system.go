package executor

import (
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// GithubMetrics implements the system.github_metrics node: free-cost,
// illustrates a no-LLM collaborator call via ToolHandler (a read-only API
// poll rather than a generative completion).
type GithubMetrics struct {
	Tool ToolHandler
}

// NewGithubMetrics builds the system.github_metrics adapter.
func NewGithubMetrics(tool ToolHandler) *GithubMetrics {
	return &GithubMetrics{Tool: tool}
}

func (g *GithubMetrics) Run(ec scheduler.ExecutionContext) types.NodeResult {
	out, err := g.Tool.Call(ec.Ctx, nil)
	if err != nil {
		return types.NodeResult{Err: err}
	}

	openIssues, _ := out["open_issues"].(float64)
	delta := &types.StateDelta{
		Source: ec.NodeID, Reason: "github_metrics_poll",
		EmotionalDeltas: map[string]float64{
			"cognitive_load": openIssues * 0.001,
		},
	}
	return types.NodeResult{Output: out, Delta: delta}
}

// Node returns the CognitiveNode registration for this adapter, polling
// hourly.
func (g *GithubMetrics) Node() types.CognitiveNode {
	return types.CognitiveNode{
		ID: "system.github_metrics", Category: types.CategorySystem, CostClass: types.CostFree,
		Priority: types.PriorityLow, Enabled: true, Executor: "system.github_metrics",
		Triggers: []types.Trigger{{Kind: types.TriggerSchedule, CronSpec: "0 * * * *"}},
	}
}
