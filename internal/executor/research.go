package executor

import (
	"fmt"

	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// WikiPage implements the research.wiki_page node: research-cost,
// is_session=true, calls the configured LLMClient, and chains to
// memory.summarize_conversation once it produces a result — demonstrating
// ChainTo.
type WikiPage struct {
	LLM   LLMClient
	Topic func(ec scheduler.ExecutionContext) string
}

// NewWikiPage builds the research.wiki_page adapter. topic, if nil,
// defaults to reading the most recent ActiveThreads entry.
func NewWikiPage(llm LLMClient, topic func(ec scheduler.ExecutionContext) string) *WikiPage {
	if topic == nil {
		topic = func(ec scheduler.ExecutionContext) string {
			if len(ec.State.ActiveThreads) == 0 {
				return "general curiosity"
			}
			return ec.State.ActiveThreads[len(ec.State.ActiveThreads)-1]
		}
	}
	return &WikiPage{LLM: llm, Topic: topic}
}

func (w *WikiPage) Run(ec scheduler.ExecutionContext) types.NodeResult {
	topic := w.Topic(ec)
	out, err := w.LLM.Chat(ec.Ctx, []Message{
		{Role: RoleSystem, Content: "Summarize a wikipedia-style overview of the given topic."},
		{Role: RoleUser, Content: topic},
	}, nil)
	if err != nil {
		return types.NodeResult{Err: err, DollarsUsed: out.DollarsUsed}
	}

	delta := &types.StateDelta{
		Source: ec.NodeID, Reason: "wiki_page_researched",
		EmotionalDeltas: map[string]float64{"curiosity": 0.05, "contentment": 0.02},
		AddThreads:      []string{fmt.Sprintf("researched:%s", topic)},
	}
	return types.NodeResult{
		Output:      map[string]interface{}{"topic": topic, "summary": out.Text},
		Delta:       delta,
		ChainTo:     []string{"memory.summarize_conversation"},
		DollarsUsed: out.DollarsUsed,
		TokensUsed:  out.TokensUsed,
	}
}

// Node returns the CognitiveNode registration for this adapter, firing on
// elevated curiosity.
func (w *WikiPage) Node() types.CognitiveNode {
	return types.CognitiveNode{
		ID: "research.wiki_page", Category: types.CategoryResearch, CostClass: types.CostResearch,
		Priority: types.PriorityNormal, Enabled: true, IsSession: true, Executor: "research.wiki_page",
		Triggers: []types.Trigger{{Kind: types.TriggerStateThreshold, Expression: "curiosity > 0.7"}},
	}
}
