// Package statebus owns GlobalState: the single process-wide record every
// node reads and writes through. Writes serialize through a single mutex;
// reads are lock-free via an atomically-swapped snapshot pointer.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenhearth/cogkernel/emit"
	"github.com/lumenhearth/cogkernel/internal/kernelerrors"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
	"github.com/lumenhearth/cogkernel/kernelmetrics"
)

// BaselineVector gives each emotional field's decay target and per-tick
// pull rate (fraction of the gap to baseline closed per tick).
type BaselineVector map[string]struct {
	Baseline float64
	Rate     float64
}

// DefaultBaseline pulls every emotional field gently toward a neutral
// midpoint.
var DefaultBaseline = BaselineVector{
	"engagement":            {Baseline: 0.5, Rate: 0.01},
	"cognitive_load":        {Baseline: 0.3, Rate: 0.02},
	"relational_warmth":     {Baseline: 0.5, Rate: 0.01},
	"uncertainty_tolerance": {Baseline: 0.5, Rate: 0.01},
	"curiosity":             {Baseline: 0.5, Rate: 0.01},
	"contentment":           {Baseline: 0.5, Rate: 0.01},
	"anticipation":          {Baseline: 0.4, Rate: 0.01},
	"concern":               {Baseline: 0.2, Rate: 0.02},
}

type subscription struct {
	id     uint64
	events map[string]bool // empty map means "all events"
	ch     chan emit.Event
}

// Bus is the StateBus: Read/WriteDelta/Subscribe/Snapshot/Restore.
type Bus struct {
	state atomic.Pointer[types.GlobalState]

	writeMu sync.Mutex // serializes WriteDelta calls

	subMu   sync.Mutex
	subs    map[uint64]*subscription
	nextSub uint64

	store   store.Store
	emitter emit.Emitter
	metrics *kernelmetrics.Metrics
	baseline BaselineVector
	narrativeBound int

	stopDecay chan struct{}
	decayOnce sync.Once
}

// defaultNarrativeBound is used when New is called with narrativeBound <= 0
// (every existing call site before this bound existed, plus all tests).
const defaultNarrativeBound = 20

// New creates a Bus seeded with initial (a zero-value GlobalState if nil).
// narrativeBound caps ActiveThreads/ActiveQuestions at the N most recently
// added entries; narrativeBound <= 0 falls back to defaultNarrativeBound.
func New(initial *types.GlobalState, st store.Store, emitter emit.Emitter, metrics *kernelmetrics.Metrics, baseline BaselineVector, narrativeBound int) *Bus {
	if initial == nil {
		initial = &types.GlobalState{CurrentActivity: types.ActivityIdle, LastUpdated: time.Now()}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if baseline == nil {
		baseline = DefaultBaseline
	}
	if narrativeBound <= 0 {
		narrativeBound = defaultNarrativeBound
	}
	b := &Bus{
		subs:           make(map[uint64]*subscription),
		store:          st,
		emitter:        emitter,
		metrics:        metrics,
		baseline:       baseline,
		narrativeBound: narrativeBound,
		stopDecay:      make(chan struct{}),
	}
	b.state.Store(initial)
	return b
}

// Read returns a consistent snapshot (a deep copy; callers may retain it
// indefinitely without affecting the bus).
func (b *Bus) Read() *types.GlobalState {
	return b.state.Load().Clone()
}

// WriteDelta atomically merges delta into the current state, increments
// revision, persists, and fans out events. Returns InvalidDelta if the
// delta violates a typed precondition (schema error); value-range
// violations are clamped, not rejected.
func (b *Bus) WriteDelta(ctx context.Context, delta types.StateDelta) (*types.GlobalState, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	current := b.state.Load()
	if delta.ExpectedRevision != 0 && delta.ExpectedRevision != current.Revision {
		return nil, kernelerrors.New(kernelerrors.KindInvalidDelta, "revision mismatch (compare-and-swap failed)")
	}

	next := current.Clone()
	if err := applyDelta(next, current, delta, b.narrativeBound); err != nil {
		return nil, err
	}
	next.Revision = current.Revision + 1
	next.LastUpdated = delta.Timestamp
	if next.LastUpdated.IsZero() {
		next.LastUpdated = time.Now()
	}
	next.LastUpdatedBy = delta.Source

	b.state.Store(next)

	if b.store != nil {
		if payload, err := json.Marshal(next); err == nil {
			if err := b.store.SaveState(ctx, store.StateRow{Revision: next.Revision, Payload: payload}); err != nil {
				return nil, kernelerrors.Wrap(kernelerrors.KindPersistence, "write delta: save state", err)
			}
		}
	}

	b.publish(emit.Event{Name: emit.StateChanged, NodeID: delta.Source, Timestamp: time.Now(), Meta: map[string]interface{}{
		"revision": next.Revision, "reason": delta.Reason,
	}})
	if delta.Event != "" {
		b.publish(emit.Event{Name: delta.Event, NodeID: delta.Source, Timestamp: time.Now()})
	}
	return next.Clone(), nil
}

// applyDelta merges delta into next (already a clone of current).
// current is passed separately (read-only) for activity-transition
// validation. narrativeBound caps ActiveThreads/ActiveQuestions after the
// union (see unionOrdered).
func applyDelta(next, current *types.GlobalState, delta types.StateDelta, narrativeBound int) error {
	for field, d := range delta.EmotionalDeltas {
		fields := next.EmotionalFields()
		val, ok := fields[field]
		if !ok {
			return kernelerrors.New(kernelerrors.KindInvalidDelta, "unknown emotional field: "+field)
		}
		next.SetEmotionalField(field, val+d)
	}
	for field, d := range delta.MetaDeltas {
		switch field {
		case "coherence_confidence":
			next.CoherenceConfidence = clamp01(next.CoherenceConfidence + d)
		case "energy_available":
			next.EnergyAvailable = clamp01(next.EnergyAvailable + d)
		default:
			return kernelerrors.New(kernelerrors.KindInvalidDelta, "unknown meta field: "+field)
		}
	}

	if delta.ActivityFlag == types.SetValue {
		if err := validateActivityTransition(current, delta); err != nil {
			return err
		}
		next.CurrentActivity = delta.Activity
	}
	if delta.SessionIDFlag == types.SetValue {
		next.ActiveSessionID = delta.ActiveSessionID
	} else if delta.SessionIDFlag == types.SetClear {
		next.ActiveSessionID = ""
	}
	if delta.UserIDFlag == types.SetValue {
		next.ActiveUserID = delta.ActiveUserID
	} else if delta.UserIDFlag == types.SetClear {
		next.ActiveUserID = ""
	}
	// current_activity == idle iff active_session_id == null: a clearing
	// delta that drops the session but doesn't explicitly set activity
	// back to idle still restores the invariant here.
	if next.ActiveSessionID == "" && next.CurrentActivity != types.ActivityIdle && delta.ActivityFlag == types.SetUnchanged {
		next.CurrentActivity = types.ActivityIdle
	}

	if delta.RhythmPhaseFlag == types.SetValue {
		next.RhythmPhase = delta.RhythmPhase
	}
	if delta.DaySummaryFlag == types.SetValue {
		next.RhythmDaySummary = delta.RhythmDaySummary
	}
	if delta.DayEpochFlag == types.SetValue {
		if delta.DayEpoch < next.DayEpoch {
			return kernelerrors.New(kernelerrors.KindInvalidDelta, "day_epoch must be monotonically increasing")
		}
		next.DayEpoch = delta.DayEpoch
	}

	next.ActiveThreads = unionOrdered(next.ActiveThreads, delta.AddThreads, delta.RemoveThreads, narrativeBound)
	next.ActiveQuestions = unionOrdered(next.ActiveQuestions, delta.AddQuestions, delta.RemoveQuestions, narrativeBound)
	return nil
}

// validateActivityTransition enforces: a transition from non-idle to
// non-idle is only allowed when source == "chat" starting a session (i.e.
// moving straight into chat); every other non-idle-to-non-idle transition
// must pass through idle first.
func validateActivityTransition(current *types.GlobalState, delta types.StateDelta) error {
	if current.CurrentActivity == types.ActivityIdle || delta.Activity == types.ActivityIdle {
		return nil
	}
	if current.CurrentActivity == delta.Activity {
		return nil
	}
	if delta.Source == "chat" && delta.Activity == types.ActivityChat {
		return nil
	}
	return kernelerrors.New(kernelerrors.KindInvalidDelta,
		"activity transition from "+string(current.CurrentActivity)+" to "+string(delta.Activity)+" requires an intervening idle")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// unionOrdered appends add (skipping duplicates) then removes any id in
// remove, preserving insertion order throughout, then bounds the result to
// the bound most recently added entries (oldest dropped first).
func unionOrdered(base, add, remove []string, bound int) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, r := range remove {
		removeSet[r] = true
	}
	seen := make(map[string]bool, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, id := range base {
		if removeSet[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range add {
		if removeSet[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if bound > 0 && len(out) > bound {
		out = out[len(out)-bound:]
	}
	return out
}

// Snapshot persists the current state immediately, independent of the
// normal WriteDelta path (used at graceful shutdown).
func (b *Bus) Snapshot(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	current := b.state.Load()
	payload, err := json.Marshal(current)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "snapshot: marshal state", err)
	}
	if err := b.store.SaveState(ctx, store.StateRow{Revision: current.Revision, Payload: payload}); err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "snapshot: save state", err)
	}
	return nil
}

// Restore loads the most recently persisted state, or leaves the bus at
// its zero-value default if none was ever saved.
func (b *Bus) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	row, err := b.store.LoadState(ctx)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "restore: load state", err)
	}
	var gs types.GlobalState
	if err := json.Unmarshal(row.Payload, &gs); err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "restore: unmarshal state", err)
	}
	b.state.Store(&gs)
	return nil
}

// subscriberBufferSize bounds how many queued events a slow subscriber may
// accumulate before its oldest queued events are dropped to make room.
const subscriberBufferSize = 32

// Cancel stops a subscription and releases its channel.
type Cancel func()

// Subscribe registers handler's channel to receive events whose Name is in
// events (or all events, if events is empty). Delivery is non-blocking: a
// subscriber whose buffer is full has its oldest queued event dropped to
// make room and the bus_events_dropped_total metric incremented, rather
// than stalling the writer.
func (b *Bus) Subscribe(events ...string) (<-chan emit.Event, Cancel) {
	set := make(map[string]bool, len(events))
	for _, e := range events {
		set[e] = true
	}

	b.subMu.Lock()
	b.nextSub++
	id := b.nextSub
	sub := &subscription{id: id, events: set, ch: make(chan emit.Event, subscriberBufferSize)}
	b.subs[id] = sub
	b.subMu.Unlock()

	cancel := func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// publish fans event out to every matching subscriber without blocking, and
// always forwards to the configured Emitter.
func (b *Bus) publish(event emit.Event) {
	b.emitter.Emit(event)

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for id, sub := range b.subs {
		if len(sub.events) > 0 && !sub.events[event.Name] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest queued event, then enqueue this one.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
			if b.metrics != nil {
				b.metrics.IncEventsDropped(fmt.Sprintf("sub-%d", id))
			}
		}
	}
}

// StartDecay launches the periodic decay-tick goroutine, pulling every
// emotional field toward its configured baseline every interval. The
// returned function stops the goroutine; calling it more than once is
// safe.
func (b *Bus) StartDecay(ctx context.Context, interval time.Duration, clk interface{ Now() time.Time }) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				b.decayTick(ctx, clk.Now())
			}
		}
	}()
	return func() {
		b.decayOnce.Do(func() { close(done) })
	}
}

// decayTick applies one decay step toward baseline for every emotional
// field, routed through WriteDelta like any other state change so it stays
// auditable in the execution/event history.
func (b *Bus) decayTick(ctx context.Context, now time.Time) {
	current := b.state.Load()
	fields := current.EmotionalFields()
	deltas := make(map[string]float64, len(fields))
	for name, val := range fields {
		bv, ok := b.baseline[name]
		if !ok {
			continue
		}
		deltas[name] = (bv.Baseline - val) * bv.Rate
	}
	delta := types.StateDelta{
		Source:          "clock",
		Timestamp:       now,
		Reason:          "decay_tick",
		EmotionalDeltas: deltas,
	}
	if _, err := b.WriteDelta(ctx, delta); err != nil {
		b.emitter.Emit(emit.Event{Name: emit.NodeErrored, NodeID: "clock", Timestamp: now, Meta: map[string]interface{}{
			"error": err.Error(), "context": "decay_tick",
		}})
	}
}
