// Package trigger decides which registered nodes are ready to run: it
// resolves Schedule/StateThreshold/Chain/NodeRequest/Manual triggers
// against the current clock, state, and execution history, and orders the
// ready set by a single tie-break comparator. Event triggers are declared
// in types.Trigger but are not evaluated here, so a node whose only
// trigger is an Event trigger never becomes ready.
package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lumenhearth/cogkernel/emit"
	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/registry"
	"github.com/lumenhearth/cogkernel/internal/statebus"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
	"golang.org/x/time/rate"
)

// Ready describes one node the Evaluator has determined should be
// dispatched, along with enough context to order it against other ready
// nodes.
type Ready struct {
	NodeID      string
	Priority    types.Priority
	TriggerKind types.TriggerKind
	ReadySince  time.Time
	Event       string // populated for Event-triggered readiness
}

// Compare implements the shared three-way tie-break: higher priority
// first, then older ReadySince, then lexicographically smaller NodeID.
// Used by Evaluator.Tick to order the ready set, which the scheduler then
// dispatches in that order, so the rule is defined exactly once.
func Compare(a, b Ready) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ReadySince.Equal(b.ReadySince) {
		return a.ReadySince.Before(b.ReadySince)
	}
	return a.NodeID < b.NodeID
}

type scheduleState struct {
	nextFire time.Time
}

type thresholdState struct {
	program    celProgram
	lastFired  time.Time
	debounce   time.Duration
	watchedIDs []string
}

// Evaluator is the TriggerEvaluator.
type Evaluator struct {
	reg   *registry.Registry
	clk   clock.Clock
	bus   *statebus.Bus
	store store.Store

	mu         sync.Mutex
	schedules  map[string]*scheduleState
	thresholds map[string]*thresholdState
	fieldIndex map[string][]string // watched GlobalState field -> node ids

	chainLastFired map[string]time.Time
	requestedNodes map[string]bool

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // requested (target) node id -> limiter

	eventMu   sync.Mutex
	pendingEvents []Ready

	manualMu sync.Mutex
	manual   []string

	emitter emit.Emitter
}

// New constructs an Evaluator over reg's nodes, reading time from clk and
// state/events from bus. st is used to look up ExecutionRecord history for
// Chain triggers.
func New(reg *registry.Registry, clk clock.Clock, bus *statebus.Bus, st store.Store, emitter emit.Emitter) *Evaluator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	e := &Evaluator{
		reg:            reg,
		clk:            clk,
		bus:            bus,
		store:          st,
		schedules:      make(map[string]*scheduleState),
		thresholds:     make(map[string]*thresholdState),
		fieldIndex:     make(map[string][]string),
		chainLastFired: make(map[string]time.Time),
		limiters:       make(map[string]*rate.Limiter),
		emitter:        emitter,
	}
	if bus != nil {
		ch, _ := bus.Subscribe(emit.StateChanged)
		go e.watchStateChanged(ch)
	}
	return e
}

// Compile prepares per-node trigger state (CEL programs, schedule seeds)
// for every trigger on every node currently in the registry. Call once
// after all nodes are registered and whenever the registry's node set
// changes.
func (e *Evaluator) Compile() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fieldIndex = make(map[string][]string)
	for _, snap := range e.reg.List() {
		for _, trig := range snap.Node.Triggers {
			switch trig.Kind {
			case types.TriggerStateThreshold:
				prog, err := compileThreshold(trig.Expression)
				if err != nil {
					return err
				}
				ids := watchedIdentifiers(prog)
				e.thresholds[snap.Node.ID] = &thresholdState{
					program: prog, debounce: trig.DebounceDuration, watchedIDs: ids,
				}
				for _, id := range ids {
					e.fieldIndex[id] = append(e.fieldIndex[id], snap.Node.ID)
				}
			case types.TriggerSchedule:
				e.schedules[snap.Node.ID] = &scheduleState{}
			}
		}
	}
	return nil
}

// Tick evaluates Schedule, Chain, and NodeRequest triggers (the ones that
// depend on wall-clock progress or registry state rather than a specific
// incoming event) and drains any StateThreshold/Manual readiness queued
// since the last call. Returns the full ready set, sorted by Compare.
func (e *Evaluator) Tick(ctx context.Context) []Ready {
	now := e.clk.Now()
	var ready []Ready

	for _, snap := range e.reg.List() {
		if !snap.Enabled {
			continue
		}
		priority, ok := e.reg.Dispatchable(snap.Node.ID, now)
		if !ok {
			continue
		}
		for _, trig := range snap.Node.Triggers {
			switch trig.Kind {
			case types.TriggerSchedule:
				if r, fired := e.tickSchedule(snap.Node.ID, trig, priority, now); fired {
					ready = append(ready, r)
				}
			case types.TriggerChain:
				if r, fired := e.tickChain(ctx, snap.Node.ID, trig, priority, now); fired {
					ready = append(ready, r)
				}
			case types.TriggerNodeRequest:
				if r, fired := e.tickNodeRequest(snap.Node.ID, trig, priority, now); fired {
					ready = append(ready, r)
				}
			}
		}
	}

	ready = append(ready, e.drainManual(priorityLookup(e.reg, now))...)
	ready = append(ready, e.drainEvents()...)

	sort.Slice(ready, func(i, j int) bool { return Compare(ready[i], ready[j]) })
	return ready
}

func priorityLookup(reg *registry.Registry, now time.Time) func(string) types.Priority {
	return func(id string) types.Priority {
		p, _ := reg.Dispatchable(id, now)
		return p
	}
}

func (e *Evaluator) tickSchedule(nodeID string, trig types.Trigger, priority types.Priority, now time.Time) (Ready, bool) {
	e.mu.Lock()
	state, ok := e.schedules[nodeID]
	e.mu.Unlock()
	if !ok {
		return Ready{}, false
	}

	spec := clock.ScheduleSpec{CronExpr: trig.CronSpec}
	switch trig.CronSpec {
	case "morning", "midday", "afternoon", "evening", "night":
		spec = clock.ScheduleSpec{Phase: trig.CronSpec}
	}
	if trig.Timezone != "" {
		if loc, err := time.LoadLocation(trig.Timezone); err == nil {
			spec.Location = loc
		}
	}

	if state.nextFire.IsZero() {
		next, err := e.clk.NextFire(spec, now)
		if err != nil {
			return Ready{}, false
		}
		e.mu.Lock()
		state.nextFire = next
		e.mu.Unlock()
		return Ready{}, false
	}
	if now.Before(state.nextFire) {
		return Ready{}, false
	}

	e.mu.Lock()
	fired := state.nextFire
	next, err := e.clk.NextFire(spec, now)
	if err == nil {
		state.nextFire = next
	}
	e.mu.Unlock()

	return Ready{NodeID: nodeID, Priority: priority, TriggerKind: types.TriggerSchedule, ReadySince: fired}, true
}

func (e *Evaluator) tickChain(ctx context.Context, nodeID string, trig types.Trigger, priority types.Priority, now time.Time) (Ready, bool) {
	if e.store == nil || len(trig.AfterNodeIDs) == 0 {
		return Ready{}, false
	}
	e.mu.Lock()
	lastFired := e.chainLastFired[nodeID]
	e.mu.Unlock()

	var newestOK time.Time
	for _, upstream := range trig.AfterNodeIDs {
		records, err := e.store.RecentRecords(ctx, upstream, 1)
		if err != nil || len(records) == 0 {
			return Ready{}, false
		}
		var rec types.ExecutionRecord
		if err := decodeRecord(records[0].Payload, &rec); err != nil || rec.Outcome != types.OutcomeOK {
			return Ready{}, false
		}
		if !rec.End.After(lastFired) {
			return Ready{}, false
		}
		if rec.End.After(newestOK) {
			newestOK = rec.End
		}
	}
	if !newestOK.After(lastFired) {
		return Ready{}, false
	}

	e.mu.Lock()
	e.chainLastFired[nodeID] = newestOK
	e.mu.Unlock()
	return Ready{NodeID: nodeID, Priority: priority, TriggerKind: types.TriggerChain, ReadySince: newestOK}, true
}

func (e *Evaluator) tickNodeRequest(nodeID string, trig types.Trigger, priority types.Priority, now time.Time) (Ready, bool) {
	e.limiterMu.Lock()
	lim, ok := e.limiters[nodeID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute), 1)
		e.limiters[nodeID] = lim
	}
	e.limiterMu.Unlock()

	e.mu.Lock()
	requested := e.requestedNodes[nodeID]
	if requested {
		delete(e.requestedNodes, nodeID)
	}
	e.mu.Unlock()

	if !requested || !lim.AllowN(now, 1) {
		return Ready{}, false
	}
	return Ready{NodeID: nodeID, Priority: priority, TriggerKind: types.TriggerNodeRequest, ReadySince: now}, true
}

// RequestNode marks target as soft-requested. Tick honors the request only
// for a node that declares a NodeRequest trigger, and at most once per
// minute per target (a rate limiter keyed by the target id). Who made the
// request, the trigger's FromAllowlist, and whether another trigger fired
// target are not consulted.
func (e *Evaluator) RequestNode(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requestedNodes == nil {
		e.requestedNodes = make(map[string]bool)
	}
	e.requestedNodes[target] = true
}

// Dispatch is the Manual trigger: an admin-initiated direct request to run
// nodeID on the next Tick.
func (e *Evaluator) Dispatch(nodeID string) {
	e.manualMu.Lock()
	e.manual = append(e.manual, nodeID)
	e.manualMu.Unlock()
}

func (e *Evaluator) drainManual(priorityOf func(string) types.Priority) []Ready {
	e.manualMu.Lock()
	ids := e.manual
	e.manual = nil
	e.manualMu.Unlock()

	now := e.clk.Now()
	out := make([]Ready, 0, len(ids))
	for _, id := range ids {
		out = append(out, Ready{NodeID: id, Priority: priorityOf(id), TriggerKind: types.TriggerManual, ReadySince: now})
	}
	return out
}

func (e *Evaluator) drainEvents() []Ready {
	e.eventMu.Lock()
	out := e.pendingEvents
	e.pendingEvents = nil
	e.eventMu.Unlock()
	return out
}

// watchStateChanged re-evaluates, on every state.changed event, each
// StateThreshold trigger that appears in the field index (every threshold
// with at least one watched field). Which fields the event changed is not
// checked, so the set is not narrowed to the changed fields.
func (e *Evaluator) watchStateChanged(ch <-chan emit.Event) {
	for range ch {
		snapshot := e.bus.Read()
		vars := thresholdVars(snapshot)
		now := e.clk.Now()

		e.mu.Lock()
		candidates := make(map[string]bool)
		for _, ids := range e.fieldIndex {
			for _, id := range ids {
				candidates[id] = true
			}
		}
		var fired []string
		for id := range candidates {
			state, ok := e.thresholds[id]
			if !ok {
				continue
			}
			if now.Sub(state.lastFired) < state.debounce {
				continue
			}
			matched, err := state.program.Eval(vars)
			if err != nil || !matched {
				continue
			}
			state.lastFired = now
			fired = append(fired, id)
		}
		e.mu.Unlock()

		if len(fired) == 0 {
			continue
		}
		e.eventMu.Lock()
		for _, id := range fired {
			priority, ok := e.reg.Dispatchable(id, now)
			if !ok {
				continue
			}
			e.pendingEvents = append(e.pendingEvents, Ready{
				NodeID: id, Priority: priority, TriggerKind: types.TriggerStateThreshold, ReadySince: now,
			})
		}
		e.eventMu.Unlock()
	}
}
