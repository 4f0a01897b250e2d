package executor

import (
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// Nightly implements the dream.nightly node: dream-cost, is_session=true,
// StateThreshold-triggered on low energy late at night — the kernel's
// offline consolidation pass.
type Nightly struct {
	LLM LLMClient
}

// NewNightly builds the dream.nightly adapter.
func NewNightly(llm LLMClient) *Nightly {
	return &Nightly{LLM: llm}
}

func (n *Nightly) Run(ec scheduler.ExecutionContext) types.NodeResult {
	out, err := n.LLM.Chat(ec.Ctx, []Message{
		{Role: RoleSystem, Content: "Freely associate across the day's active threads and questions; surface one new connection."},
	}, nil)
	if err != nil {
		return types.NodeResult{Err: err, DollarsUsed: out.DollarsUsed}
	}

	delta := &types.StateDelta{
		Source: ec.NodeID, Reason: "nightly_dream",
		MetaDeltas:      map[string]float64{"energy_available": 0.2},
		EmotionalDeltas: map[string]float64{"uncertainty_tolerance": 0.05},
		AddQuestions:    []string{out.Text},
	}
	return types.NodeResult{
		Output:      map[string]interface{}{"association": out.Text},
		Delta:       delta,
		DollarsUsed: out.DollarsUsed,
		TokensUsed:  out.TokensUsed,
	}
}

// Node returns the CognitiveNode registration for this adapter, firing when
// energy is low during the night phase.
func (n *Nightly) Node() types.CognitiveNode {
	return types.CognitiveNode{
		ID: "dream.nightly", Category: types.CategoryDream, CostClass: types.CostDream,
		Priority: types.PriorityLow, Enabled: true, IsSession: true, Executor: "dream.nightly",
		Triggers: []types.Trigger{{
			Kind:       types.TriggerStateThreshold,
			Expression: `rhythm_phase == "night" && energy_available < 0.3`,
		}},
	}
}
