package executor

import (
	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// PhaseCheck implements the rhythm.phase_check node: free-cost,
// schedule-triggered, no LLM call. It reads the clock's current phase and
// writes rhythm_phase/day_epoch so downstream StateThreshold triggers can
// react to a rhythm change.
type PhaseCheck struct {
	Clock clock.Clock
}

// NewPhaseCheck builds the rhythm.phase_check adapter.
func NewPhaseCheck(clk clock.Clock) *PhaseCheck {
	return &PhaseCheck{Clock: clk}
}

func (p *PhaseCheck) Run(ec scheduler.ExecutionContext) types.NodeResult {
	now := p.Clock.Now()
	phase := p.Clock.Phase(now)
	epoch := p.Clock.DayEpoch(now)

	delta := &types.StateDelta{
		Source: ec.NodeID, Timestamp: now, Reason: "phase_check",
		RhythmPhaseFlag: types.SetValue, RhythmPhase: phase,
	}
	if epoch != ec.State.DayEpoch {
		delta.DayEpochFlag = types.SetValue
		delta.DayEpoch = epoch
	}
	return types.NodeResult{Delta: delta}
}

// Node returns the CognitiveNode registration for this adapter, ticking
// every 15 minutes.
func (p *PhaseCheck) Node() types.CognitiveNode {
	return types.CognitiveNode{
		ID: "rhythm.phase_check", Category: types.CategorySystem, CostClass: types.CostFree,
		Priority: types.PriorityNormal, Enabled: true, Executor: "rhythm.phase_check",
		Triggers: []types.Trigger{{Kind: types.TriggerSchedule, CronSpec: "*/15 * * * *"}},
	}
}
