package executor

import (
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// SummarizeConversation implements the memory.summarize_conversation node:
// light-cost, Chain-triggered on research.wiki_page completing.
type SummarizeConversation struct {
	LLM LLMClient
}

// NewSummarizeConversation builds the memory.summarize_conversation adapter.
func NewSummarizeConversation(llm LLMClient) *SummarizeConversation {
	return &SummarizeConversation{LLM: llm}
}

func (s *SummarizeConversation) Run(ec scheduler.ExecutionContext) types.NodeResult {
	out, err := s.LLM.Chat(ec.Ctx, []Message{
		{Role: RoleSystem, Content: "Condense the recent research thread into one durable memory note."},
		{Role: RoleUser, Content: ec.State.RhythmDaySummary},
	}, nil)
	if err != nil {
		return types.NodeResult{Err: err, DollarsUsed: out.DollarsUsed}
	}

	delta := &types.StateDelta{
		Source: ec.NodeID, Reason: "conversation_summarized",
		DaySummaryFlag: types.SetValue, RhythmDaySummary: out.Text,
	}
	return types.NodeResult{
		Output:      map[string]interface{}{"summary": out.Text},
		Delta:       delta,
		DollarsUsed: out.DollarsUsed,
		TokensUsed:  out.TokensUsed,
	}
}

// Node returns the CognitiveNode registration for this adapter.
func (s *SummarizeConversation) Node() types.CognitiveNode {
	return types.CognitiveNode{
		ID: "memory.summarize_conversation", Category: types.CategoryMemory, CostClass: types.CostLight,
		Priority: types.PriorityNormal, Enabled: true, Executor: "memory.summarize_conversation",
		Triggers: []types.Trigger{{Kind: types.TriggerChain, AfterNodeIDs: []string{"research.wiki_page"}}},
	}
}
