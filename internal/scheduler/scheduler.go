// Package scheduler is the kernel's main loop: it collects the ready set
// from the TriggerEvaluator, already ordered by its tie-break comparator,
// and dispatches each ready node onto a bounded worker pool after a
// successful budget reservation, applying the resulting state delta and
// recording an ExecutionRecord for every attempt.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lumenhearth/cogkernel/emit"
	"github.com/lumenhearth/cogkernel/internal/budget"
	"github.com/lumenhearth/cogkernel/internal/kernelerrors"
	"github.com/lumenhearth/cogkernel/internal/registry"
	"github.com/lumenhearth/cogkernel/internal/statebus"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/trigger"
	"github.com/lumenhearth/cogkernel/internal/types"
	"github.com/lumenhearth/cogkernel/kernelmetrics"
)

// Config bundles the scheduler's tunables.
type Config struct {
	MaxConcurrent int
	TickInterval  time.Duration
	Timeouts      CostClassTimeouts
}

// DefaultConfig matches spec defaults: a 5-second tick and the published
// per-cost-class timeout table.
var DefaultConfig = Config{
	MaxConcurrent: 4,
	TickInterval:  5 * time.Second,
	Timeouts:      DefaultCostClassTimeouts,
}

type clockLike interface {
	Now() time.Time
}

// Scheduler is the NODESCHEDULER: the main loop described above.
type Scheduler struct {
	cfg Config

	reg   *registry.Registry
	eval  *trigger.Evaluator
	bus   *statebus.Bus
	bm    *budget.Manager
	store store.Store
	clk   clockLike

	emitter emit.Emitter
	metrics *kernelmetrics.Metrics

	execMu    sync.RWMutex
	executors map[string]Executor

	inflightMu sync.Mutex
	inflight   map[string]bool

	sem chan struct{}
}

// New constructs a Scheduler wired to the kernel's six core components.
func New(cfg Config, reg *registry.Registry, eval *trigger.Evaluator, bus *statebus.Bus, bm *budget.Manager, st store.Store, clk clockLike, emitter emit.Emitter, metrics *kernelmetrics.Metrics) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig.TickInterval
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = DefaultCostClassTimeouts
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Scheduler{
		cfg:       cfg,
		reg:       reg,
		eval:      eval,
		bus:       bus,
		bm:        bm,
		store:     st,
		clk:       clk,
		emitter:   emitter,
		metrics:   metrics,
		executors: make(map[string]Executor),
		inflight:  make(map[string]bool),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterExecutor binds key (a CognitiveNode.Executor value) to ex.
func (s *Scheduler) RegisterExecutor(key string, ex Executor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.executors[key] = ex
}

func (s *Scheduler) executorFor(key string) (Executor, bool) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	ex, ok := s.executors[key]
	return ex, ok
}

// Run drives the main loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ready := s.eval.Tick(ctx)
	if s.metrics != nil {
		s.metrics.SetReadyQueueDepth(len(ready))
	}

	for _, r := range ready {
		if !s.tryMarkInflight(r.NodeID) {
			continue
		}
		r := r
		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				defer s.clearInflight(r.NodeID)
				s.dispatch(ctx, r)
			}()
		case <-ctx.Done():
			s.clearInflight(r.NodeID)
			return
		}
	}
}

func (s *Scheduler) tryMarkInflight(nodeID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[nodeID] {
		return false
	}
	s.inflight[nodeID] = true
	return true
}

func (s *Scheduler) clearInflight(nodeID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, nodeID)
}

// Dispatch is an exported hook so the admin API's POST /nodes/{id}/dispatch
// can request immediate manual dispatch without waiting a full tick.
func (s *Scheduler) Dispatch(nodeID string) {
	s.eval.Dispatch(nodeID)
}

// dispatch runs one attempt (plus retries, per the node's RetryPolicy) of
// ready. Each attempt re-reserves budget independently: a failed attempt
// that already spent a minimum charge must not be retried for free.
func (s *Scheduler) dispatch(ctx context.Context, ready trigger.Ready) {
	snap, err := s.reg.Get(ready.NodeID)
	if err != nil {
		return
	}
	node := snap.Node

	executor, ok := s.executorFor(node.Executor)
	if !ok {
		s.emitter.Emit(emit.Event{Name: emit.NodeErrored, NodeID: node.ID, Timestamp: s.clk.Now(), Meta: map[string]interface{}{
			"error": "no executor registered for " + node.Executor,
		}})
		return
	}

	attempt := 0
	for {
		outcome, retry := s.attempt(ctx, node, executor, ready, attempt)
		if !retry {
			_ = outcome
			return
		}
		attempt++
	}
}

// attempt runs a single reserve/dispatch/settle cycle and reports whether
// the node's RetryPolicy calls for another attempt.
func (s *Scheduler) attempt(ctx context.Context, node types.CognitiveNode, executor Executor, ready trigger.Ready, attempt int) (types.Outcome, bool) {
	start := s.clk.Now()

	token, err := s.bm.Reserve(ctx, node.ID, node.Category, node.CostClass, ready.Priority)
	if err != nil {
		s.recordSkipped(ctx, node.ID, start, attempt, string(ready.TriggerKind))
		s.emitter.Emit(emit.Event{Name: emit.BudgetDenied, NodeID: node.ID, Timestamp: start})
		return types.OutcomeSkippedBudget, false
	}

	if s.metrics != nil {
		s.metrics.IncDispatched(node.ID, string(ready.TriggerKind))
	}

	recordID := s.beginRecord(ctx, node.ID, start, token, attempt, string(ready.TriggerKind))

	if node.IsSession {
		sessionID := node.ID + "-" + token
		if _, err := s.bus.WriteDelta(ctx, types.StateDelta{
			Source: node.ID, Timestamp: start, Reason: "session_start",
			ActivityFlag: types.SetValue, Activity: sessionActivity(node.Category),
			SessionIDFlag: types.SetValue, ActiveSessionID: sessionID,
			Event: emit.SessionStarted,
		}); err != nil {
			_ = s.bm.Release(token, 0)
			s.recordAttempt(ctx, recordID, node.ID, start, s.clk.Now(), types.OutcomeError, 0, 0, token, attempt, string(ready.TriggerKind))
			return types.OutcomeError, false
		}
	}

	timeout := resolveTimeout(node.Policy.Timeout, string(node.CostClass), s.cfg.Timeouts)
	result, outcome := s.runWithTimeout(ctx, executor, node, ready, token, attempt, timeout)

	end := s.clk.Now()

	if node.IsSession {
		_, _ = s.bus.WriteDelta(ctx, types.StateDelta{
			Source: node.ID, Timestamp: end, Reason: "session_end",
			SessionIDFlag: types.SetClear,
			Event:         emit.SessionEnded,
		})
	}

	switch outcome {
	case types.OutcomeOK:
		_ = s.bm.Settle(token, result.DollarsUsed)
		if s.metrics != nil {
			s.metrics.AddSettledCost(string(node.CostClass), result.DollarsUsed)
			s.metrics.ObserveDispatchLatencyMs(node.ID, "success", float64(end.Sub(start).Milliseconds()))
		}
		if result.Delta != nil {
			_, _ = s.bus.WriteDelta(ctx, *result.Delta)
		}
		for _, next := range result.ChainTo {
			s.eval.Dispatch(next)
		}
		for _, next := range result.RequestNodes {
			s.eval.RequestNode(next)
		}
		s.emitter.Emit(emit.Event{Name: emit.NodeCompleted, NodeID: node.ID, Timestamp: end, Meta: map[string]interface{}{
			"tokens_used": result.TokensUsed, "dollars_used": result.DollarsUsed,
		}})
		s.recordAttempt(ctx, recordID, node.ID, start, end, outcome, result.DollarsUsed, result.TokensUsed, token, attempt, string(ready.TriggerKind))
		return outcome, false

	case types.OutcomeCancelled:
		_ = s.bm.Release(token, result.DollarsUsed)
		if s.metrics != nil {
			s.metrics.ObserveDispatchLatencyMs(node.ID, "timeout", float64(end.Sub(start).Milliseconds()))
		}
		s.emitter.Emit(emit.Event{Name: emit.NodeTimeout, NodeID: node.ID, Timestamp: end})
		s.recordAttempt(ctx, recordID, node.ID, start, end, outcome, 0, 0, token, attempt, string(ready.TriggerKind))
		return outcome, false

	default: // OutcomeError
		_ = s.bm.Release(token, result.DollarsUsed)
		if s.metrics != nil {
			reason := "error"
			if result.Err != nil {
				reason = "executor_error"
			}
			s.metrics.ObserveDispatchLatencyMs(node.ID, "error", float64(end.Sub(start).Milliseconds()))
			s.metrics.IncRetries(node.ID, reason)
		}
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		s.emitter.Emit(emit.Event{Name: emit.NodeErrored, NodeID: node.ID, Timestamp: end, Meta: map[string]interface{}{"error": errMsg}})
		s.recordAttempt(ctx, recordID, node.ID, start, end, outcome, 0, 0, token, attempt, string(ready.TriggerKind))

		if node.Policy.Retry != nil && node.Policy.Retry.ShouldRetry(attempt, result.Err) {
			delay := types.ComputeBackoff(attempt, node.Policy.Retry.BaseDelay, node.Policy.Retry.MaxDelay, nil)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return outcome, false
				case <-time.After(delay):
				}
			}
			return outcome, true
		}
		return outcome, false
	}
}

// runWithTimeout executes the node, enforcing cost-class/per-node timeout
// with a grace period before the worker slot is force-reclaimed.
func (s *Scheduler) runWithTimeout(ctx context.Context, executor Executor, node types.CognitiveNode, ready trigger.Ready, token string, attempt int, timeout time.Duration) (types.NodeResult, types.Outcome) {
	if timeout == 0 {
		result := executor.Run(ExecutionContext{
			Ctx: ctx, NodeID: node.ID, State: s.bus.Read(), ReservationID: token, Attempt: attempt, TriggerKind: ready.TriggerKind,
		})
		return result, outcomeOf(result)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcomeMsg struct {
		result types.NodeResult
	}
	done := make(chan outcomeMsg, 1)
	go func() {
		result := executor.Run(ExecutionContext{
			Ctx: runCtx, NodeID: node.ID, State: s.bus.Read(), ReservationID: token, Attempt: attempt, TriggerKind: ready.TriggerKind,
		})
		done <- outcomeMsg{result: result}
	}()

	select {
	case msg := <-done:
		return msg.result, outcomeOf(msg.result)
	case <-runCtx.Done():
		select {
		case msg := <-done:
			return msg.result, outcomeOf(msg.result)
		case <-time.After(gracePeriod(timeout)):
			return types.NodeResult{Err: kernelerrors.New(kernelerrors.KindTimeout, "node exceeded timeout").WithNode(node.ID)}, types.OutcomeCancelled
		}
	}
}

func outcomeOf(result types.NodeResult) types.Outcome {
	if result.Err != nil {
		return types.OutcomeError
	}
	return types.OutcomeOK
}

func sessionActivity(category types.Category) types.Activity {
	switch category {
	case types.CategoryResearch:
		return types.ActivityResearch
	case types.CategoryReflection:
		return types.ActivityReflection
	case types.CategoryDream:
		return types.ActivityDreaming
	case types.CategoryJournal:
		return types.ActivityJournal
	case types.CategoryChat:
		return types.ActivityChat
	default:
		return types.ActivityOther
	}
}

// recordSkipped persists a complete (already-ended) record for a dispatch
// that never started, e.g. a denied budget reservation.
func (s *Scheduler) recordSkipped(ctx context.Context, nodeID string, at time.Time, attempt int, triggerEvent string) {
	if s.store == nil {
		return
	}
	rec := types.ExecutionRecord{
		NodeID: nodeID, Start: at, End: at, Outcome: types.OutcomeSkippedBudget,
		TriggeringEvent: triggerEvent, Attempt: attempt,
	}
	payload, err := marshalRecord(rec)
	if err != nil {
		return
	}
	_, _ = s.store.AppendRecord(ctx, store.RecordRow{NodeID: nodeID, Ended: true, Payload: payload})
}

// beginRecord persists a not-yet-ended ExecutionRecord the moment a
// reservation is granted, so a crash mid-dispatch leaves a row the startup
// Reconcile pass can find and close out. Returns 0 (a no-op id) if no store
// is configured.
func (s *Scheduler) beginRecord(ctx context.Context, nodeID string, start time.Time, reservationID string, attempt int, triggerEvent string) int64 {
	if s.store == nil {
		return 0
	}
	rec := types.ExecutionRecord{
		NodeID: nodeID, Start: start, Outcome: "", TriggeringEvent: triggerEvent,
		Attempt: attempt, ReservationID: reservationID,
	}
	payload, err := marshalRecord(rec)
	if err != nil {
		return 0
	}
	id, err := s.store.AppendRecord(ctx, store.RecordRow{NodeID: nodeID, Ended: false, Payload: payload})
	if err != nil {
		return 0
	}
	return id
}

// recordAttempt finalizes the ExecutionRecord started by beginRecord. A
// zero recordID (no store configured, or beginRecord failed) is a no-op.
func (s *Scheduler) recordAttempt(ctx context.Context, recordID int64, nodeID string, start, end time.Time, outcome types.Outcome, dollars float64, tokens int64, reservationID string, attempt int, triggerEvent string) {
	if s.store == nil || recordID == 0 {
		return
	}
	rec := types.ExecutionRecord{
		NodeID: nodeID, Start: start, End: end, Outcome: outcome,
		DollarsUsed: dollars, TokensUsed: tokens, TriggeringEvent: triggerEvent,
		Attempt: attempt, ReservationID: reservationID,
	}
	payload, err := marshalRecord(rec)
	if err != nil {
		return
	}
	_ = s.store.UpdateRecord(ctx, store.RecordRow{ID: recordID, NodeID: nodeID, Ended: true, Payload: payload})
}
