package executor

import (
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// Reflection implements the session.reflection node: session-cost,
// is_session=true, manually dispatched (e.g. from the admin API or a
// ChainTo from another node's result). Used by the reconciliation test:
// its session bracketing is exactly what a crash mid-dispatch leaves
// dangling for Scheduler.Reconcile to clean up.
type Reflection struct {
	LLM LLMClient
}

// NewReflection builds the session.reflection adapter.
func NewReflection(llm LLMClient) *Reflection {
	return &Reflection{LLM: llm}
}

func (r *Reflection) Run(ec scheduler.ExecutionContext) types.NodeResult {
	out, err := r.LLM.Chat(ec.Ctx, []Message{
		{Role: RoleSystem, Content: "Reflect on the current emotional state and recent activity; note one insight."},
	}, nil)
	if err != nil {
		return types.NodeResult{Err: err, DollarsUsed: out.DollarsUsed}
	}

	delta := &types.StateDelta{
		Source: ec.NodeID, Reason: "session_reflection",
		EmotionalDeltas: map[string]float64{"contentment": 0.03},
		MetaDeltas:      map[string]float64{"coherence_confidence": 0.05},
	}

	return types.NodeResult{
		Output:      map[string]interface{}{"insight": out.Text},
		Delta:       delta,
		DollarsUsed: out.DollarsUsed,
		TokensUsed:  out.TokensUsed,
	}
}

// Node returns the CognitiveNode registration for this adapter. It carries
// no Schedule/StateThreshold trigger of its own: it only fires via Manual
// dispatch. It declares no NodeRequest trigger, so a soft-request for it
// is never honored.
func (r *Reflection) Node() types.CognitiveNode {
	return types.CognitiveNode{
		ID: "session.reflection", Category: types.CategoryReflection, CostClass: types.CostSession,
		Priority: types.PriorityNormal, Enabled: true, IsSession: true, Executor: "session.reflection",
		Triggers: []types.Trigger{{Kind: types.TriggerManual}},
	}
}
