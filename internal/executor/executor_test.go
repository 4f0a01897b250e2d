package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

type fakeLLM struct {
	out ChatOut
	err error
}

func (f *fakeLLM) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	return f.out, f.err
}

type fakeTool struct {
	out map[string]interface{}
	err error
}

func (f *fakeTool) Name() string { return "github_metrics" }

func (f *fakeTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f.out, f.err
}

func TestPhaseCheck_WritesRhythmPhaseAndDayEpoch(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC), nil)
	node := NewPhaseCheck(clk)

	result := node.Run(scheduler.ExecutionContext{
		Ctx: context.Background(), NodeID: "rhythm.phase_check",
		State: &types.GlobalState{DayEpoch: clk.DayEpoch(clk.Now()) - 1},
	})

	require.NotNil(t, result.Delta)
	assert.Equal(t, "morning", result.Delta.RhythmPhase)
	assert.Equal(t, types.SetValue, result.Delta.DayEpochFlag)
}

func TestGithubMetrics_AppliesCognitiveLoadDelta(t *testing.T) {
	node := NewGithubMetrics(&fakeTool{out: map[string]interface{}{"open_issues": 40.0}})

	result := node.Run(scheduler.ExecutionContext{Ctx: context.Background(), State: &types.GlobalState{}})

	require.NotNil(t, result.Delta)
	assert.InDelta(t, 0.04, result.Delta.EmotionalDeltas["cognitive_load"], 1e-9)
}

func TestWikiPage_ChainsToSummarizeConversation(t *testing.T) {
	node := NewWikiPage(&fakeLLM{out: ChatOut{Text: "an overview", DollarsUsed: 0.2, TokensUsed: 500}}, nil)

	result := node.Run(scheduler.ExecutionContext{
		Ctx: context.Background(), State: &types.GlobalState{ActiveThreads: []string{"black holes"}},
	})

	assert.NoError(t, result.Err)
	assert.Contains(t, result.ChainTo, "memory.summarize_conversation")
	assert.Equal(t, 0.2, result.DollarsUsed)
}

func TestWikiPage_ReportsPartialCostOnError(t *testing.T) {
	node := NewWikiPage(&fakeLLM{out: ChatOut{DollarsUsed: 0.05}, err: assertErr("provider timeout")}, nil)

	result := node.Run(scheduler.ExecutionContext{Ctx: context.Background(), State: &types.GlobalState{}})

	require.Error(t, result.Err)
	assert.Equal(t, 0.05, result.DollarsUsed)
}

func TestNightly_Node_IsSessionAndDreamCost(t *testing.T) {
	node := NewNightly(&fakeLLM{})
	spec := node.Node()
	assert.True(t, spec.IsSession)
	assert.Equal(t, types.CostDream, spec.CostClass)
}

func TestReflection_Node_ManualTriggerOnly(t *testing.T) {
	node := NewReflection(&fakeLLM{})
	spec := node.Node()
	require.Len(t, spec.Triggers, 1)
	assert.Equal(t, types.TriggerManual, spec.Triggers[0].Kind)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
