package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhearth/cogkernel/internal/budget"
	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/registry"
	"github.com/lumenhearth/cogkernel/internal/statebus"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/trigger"
	"github.com/lumenhearth/cogkernel/internal/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry, *trigger.Evaluator, store.Store) {
	t.Helper()
	reg := registry.New(nil)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), nil)
	st := store.NewMemStore()
	bus := statebus.New(nil, st, nil, nil, nil, 0)
	eval := trigger.New(reg, clk, bus, st, nil)
	bm := budget.New(budget.Config{
		DailyBudgetUSD: 10,
		Allocations:    []budget.CategoryAllocation{{Category: types.CategoryResearch, Fraction: 1.0}},
	}, clk.DayEpoch(clk.Now()), st, nil, nil)

	sched := New(Config{MaxConcurrent: 2, TickInterval: time.Hour}, reg, eval, bus, bm, st, clk, nil, nil)
	return sched, reg, eval, st
}

func TestAttempt_SuccessSettlesBudgetAndAppliesDelta(t *testing.T) {
	sched, reg, eval, _ := newTestScheduler(t)
	require.NoError(t, reg.Register(types.CognitiveNode{
		ID: "research.wiki_page", Category: types.CategoryResearch, CostClass: types.CostResearch,
		Priority: types.PriorityNormal, Enabled: true, Executor: "research.wiki_page",
	}))

	sched.RegisterExecutor("research.wiki_page", ExecutorFunc(func(ec ExecutionContext) types.NodeResult {
		return types.NodeResult{
			DollarsUsed: 0.1,
			Delta: &types.StateDelta{Source: "research.wiki_page", EmotionalDeltas: map[string]float64{"curiosity": 0.1}},
		}
	}))

	ready := trigger.Ready{NodeID: "research.wiki_page", Priority: types.PriorityNormal, ReadySince: time.Now()}
	outcome, retry := sched.attempt(context.Background(), mustNode(reg, "research.wiki_page"), mustExecutor(sched, "research.wiki_page"), ready, 0)
	assert.Equal(t, types.OutcomeOK, outcome)
	assert.False(t, retry)
	assert.InDelta(t, 0.1, sched.bus.Read().Curiosity, 1e-9)
	_ = eval
}

func TestAttempt_BudgetDeniedRecordsSkipped(t *testing.T) {
	sched, reg, _, st := newTestScheduler(t)
	require.NoError(t, reg.Register(types.CognitiveNode{
		ID: "research.overflow", Category: types.CategoryJournal, CostClass: types.CostResearch,
		Priority: types.PriorityNormal, Enabled: true, Executor: "research.overflow",
	}))
	sched.RegisterExecutor("research.overflow", ExecutorFunc(func(ec ExecutionContext) types.NodeResult {
		t.Fatal("executor should not run when budget is denied")
		return types.NodeResult{}
	}))

	ready := trigger.Ready{NodeID: "research.overflow", Priority: types.PriorityNormal, ReadySince: time.Now()}
	outcome, retry := sched.attempt(context.Background(), mustNode(reg, "research.overflow"), mustExecutor(sched, "research.overflow"), ready, 0)
	assert.Equal(t, types.OutcomeSkippedBudget, outcome)
	assert.False(t, retry)

	records, err := st.RecentRecords(context.Background(), "research.overflow", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestAttempt_ErrorWithRetryPolicyRequestsRetry(t *testing.T) {
	sched, reg, _, _ := newTestScheduler(t)
	calls := 0
	require.NoError(t, reg.Register(types.CognitiveNode{
		ID: "research.flaky", Category: types.CategoryResearch, CostClass: types.CostResearch,
		Priority: types.PriorityNormal, Enabled: true, Executor: "research.flaky",
		Policy: types.NodePolicy{Retry: &types.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}},
	}))
	sched.RegisterExecutor("research.flaky", ExecutorFunc(func(ec ExecutionContext) types.NodeResult {
		calls++
		return types.NodeResult{Err: assertErr{}}
	}))

	ready := trigger.Ready{NodeID: "research.flaky", Priority: types.PriorityNormal, ReadySince: time.Now()}
	_, retry := sched.attempt(context.Background(), mustNode(reg, "research.flaky"), mustExecutor(sched, "research.flaky"), ready, 0)
	assert.True(t, retry)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestReconcile_ClosesOpenRecordsAndClearsSession(t *testing.T) {
	_, _, _, st := newTestScheduler(t)
	ctx := context.Background()

	payload := mustMarshalRecord(t, types.ExecutionRecord{NodeID: "dream.nightly", Start: time.Now(), ReservationID: "tok-1"})
	_, err := st.AppendRecord(ctx, store.RecordRow{NodeID: "dream.nightly", Ended: false, Payload: payload})
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Now(), nil)
	bus := statebus.New(&types.GlobalState{ActiveSessionID: "dream.nightly-tok-1", CurrentActivity: types.ActivityDreaming}, st, nil, nil, nil, 0)
	bm := budget.New(budget.Config{DailyBudgetUSD: 10}, clk.DayEpoch(clk.Now()), st, nil, nil)
	reg := registry.New(nil)
	eval := trigger.New(reg, clk, bus, st, nil)
	sched := New(Config{}, reg, eval, bus, bm, st, clk, nil, nil)

	require.NoError(t, sched.Reconcile(ctx))

	open, err := st.OpenRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, bus.Read().ActiveSessionID)
}

func mustNode(reg *registry.Registry, id string) types.CognitiveNode {
	snap, err := reg.Get(id)
	if err != nil {
		panic(err)
	}
	return snap.Node
}

func mustExecutor(s *Scheduler, key string) Executor {
	ex, _ := s.executorFor(key)
	return ex
}

func mustMarshalRecord(t *testing.T, rec types.ExecutionRecord) []byte {
	t.Helper()
	payload, err := marshalRecord(rec)
	require.NoError(t, err)
	return payload
}
