package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/registry"
	"github.com/lumenhearth/cogkernel/internal/statebus"
	"github.com/lumenhearth/cogkernel/internal/types"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *registry.Registry, *clock.FakeClock, *statebus.Bus) {
	t.Helper()
	reg := registry.New(nil)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), nil)
	bus := statebus.New(nil, nil, nil, nil, nil, 0)
	ev := New(reg, clk, bus, nil, nil)
	return ev, reg, clk, bus
}

func TestTick_ScheduleTriggerFiresOnCronBoundary(t *testing.T) {
	ev, reg, clk, _ := newTestEvaluator(t)
	require.NoError(t, reg.Register(types.CognitiveNode{
		ID: "system.github_metrics", Category: types.CategorySystem, Enabled: true,
		Triggers: []types.Trigger{{Kind: types.TriggerSchedule, CronSpec: "*/15 * * * *"}},
	}))
	require.NoError(t, ev.Compile())

	ready := ev.Tick(context.Background())
	assert.Empty(t, ready, "first tick only seeds nextFire")

	clk.Set(time.Date(2026, 1, 1, 8, 15, 0, 0, time.UTC))
	ready = ev.Tick(context.Background())
	require.Len(t, ready, 1)
	assert.Equal(t, "system.github_metrics", ready[0].NodeID)
}

func TestTick_StateThresholdFiresOnWatchedFieldChange(t *testing.T) {
	ev, reg, _, bus := newTestEvaluator(t)
	require.NoError(t, reg.Register(types.CognitiveNode{
		ID: "growth.check_in", Category: types.CategoryGrowth, Enabled: true,
		Triggers: []types.Trigger{{Kind: types.TriggerStateThreshold, Expression: "concern > 0.7"}},
	}))
	require.NoError(t, ev.Compile())

	_, err := bus.WriteDelta(context.Background(), types.StateDelta{
		Source: "test", EmotionalDeltas: map[string]float64{"concern": 0.9},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ready := ev.Tick(context.Background())
		return len(ready) == 1 && ready[0].NodeID == "growth.check_in"
	}, time.Second, 10*time.Millisecond)
}

func TestDispatch_ManualTriggerFiresOnNextTick(t *testing.T) {
	ev, reg, _, _ := newTestEvaluator(t)
	require.NoError(t, reg.Register(types.CognitiveNode{ID: "n1", Category: types.CategorySystem, Enabled: true}))
	require.NoError(t, ev.Compile())

	ev.Dispatch("n1")
	ready := ev.Tick(context.Background())
	require.Len(t, ready, 1)
	assert.Equal(t, types.TriggerManual, ready[0].TriggerKind)
}

func TestCompare_OrdersByPriorityThenAgeThenID(t *testing.T) {
	now := time.Now()
	a := Ready{NodeID: "b", Priority: types.PriorityHigh, ReadySince: now}
	b := Ready{NodeID: "a", Priority: types.PriorityNormal, ReadySince: now}
	assert.True(t, Compare(a, b))

	c := Ready{NodeID: "z", Priority: types.PriorityNormal, ReadySince: now.Add(-time.Second)}
	d := Ready{NodeID: "a", Priority: types.PriorityNormal, ReadySince: now}
	assert.True(t, Compare(c, d))
}
