// Package budget tracks token and dollar spend against daily and
// per-category caps, issuing reservations before a node dispatch and
// settling them with the actual cost once it completes.
//
// Lock ordering (to prevent deadlock when a call needs more than one):
//  1. mu — guards ledgers (the per-day-epoch BudgetLedger map)
//  2. reservationsMu — guards the live reservation-token map
//  3. limiterMu — guards the optional per-category rate.Limiter map
//
// Never acquire a lower-numbered lock while holding a higher-numbered one.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lumenhearth/cogkernel/emit"
	"github.com/lumenhearth/cogkernel/internal/kernelerrors"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
	"github.com/lumenhearth/cogkernel/kernelmetrics"
)

// CostModel gives the default heuristic dollar cost of one dispatch, by
// cost class, before the executor reports an actual cost.
type CostModel map[types.CostClass]float64

// DefaultCostModel matches the kernel's built-in cost-class heuristics.
var DefaultCostModel = CostModel{
	types.CostFree:     0,
	types.CostLight:     0.03,
	types.CostSession:   0.15,
	types.CostResearch:  0.30,
	types.CostDream:     0.20,
}

// CategoryAllocation is one category's share of the daily budget, as a
// fraction of daily_budget_usd (0 < Fraction <= 1); fractions across all
// categories plus ReserveFraction must sum to <= 1.
type CategoryAllocation struct {
	Category types.Category
	Fraction float64
}

// Config is the static configuration the Manager is built from.
type Config struct {
	DailyBudgetUSD  float64
	Allocations     []CategoryAllocation
	ReserveFraction float64 // fraction of DailyBudgetUSD held as the reserve pool
	CostModel       CostModel

	// RateLimitPerCategory, if non-nil, caps reservation *frequency*
	// (not dollar spend) per category. Nil disables rate limiting.
	RateLimitPerCategory map[types.Category]rate.Limit
}

// categoryLedger tracks one category's allocation, live reservations, and
// settled spend for the current day_epoch.
type categoryLedger struct {
	Allocated float64
	Reserved  float64
	Spent     float64
}

// Ledger is one day_epoch's BudgetLedger, matching the structure named in
// the data model: per-category allocated/reserved/spent plus the global
// daily figures and the reserve pool.
type Ledger struct {
	DayEpoch     int                                `json:"day_epoch"`
	Categories   map[types.Category]*categoryLedger `json:"categories"`
	DailyBudget  float64                            `json:"daily_budget"`
	DailySpent   float64                            `json:"daily_spent"`
	ReservePool  float64                            `json:"reserve_pool"`
	ReserveDrawn float64                            `json:"reserve_drawn"`
}

type reservation struct {
	Token     string
	NodeID    string
	Category  types.Category
	CostClass types.CostClass
	EstCost   float64
	DayEpoch  int
	DrawnFromReserve bool
}

// Denied explains why Reserve refused a request.
type Denied struct {
	Reason string
}

func (d *Denied) Error() string { return d.Reason }

// Manager is the BudgetManager: Reserve/Settle/Release/Remaining plus day
// rollover and the optional reserve-pool draw for high-priority nodes.
type Manager struct {
	cfg Config

	mu      sync.Mutex // lock order 1
	ledgers map[int]*Ledger
	current int // current day_epoch

	reservationsMu sync.Mutex // lock order 2
	reservations   map[string]*reservation

	limiterMu sync.Mutex // lock order 3
	limiters  map[types.Category]*rate.Limiter

	store   store.Store
	emitter emit.Emitter
	metrics *kernelmetrics.Metrics
}

// New constructs a Manager starting at dayEpoch with a fresh ledger built
// from cfg. emitter/metrics may be nil (NullEmitter/no-op metrics used).
// Callers that want the prior day_epoch's persisted ledger and in-flight
// reservations back (a restart, not a fresh start) must call Restore
// afterward, mirroring statebus.Bus.Restore and registry.Registry's
// RestoreOverrides.
func New(cfg Config, dayEpoch int, st store.Store, emitter emit.Emitter, metrics *kernelmetrics.Metrics) *Manager {
	if cfg.CostModel == nil {
		cfg.CostModel = DefaultCostModel
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	m := &Manager{
		cfg:          cfg,
		ledgers:      make(map[int]*Ledger),
		current:      dayEpoch,
		reservations: make(map[string]*reservation),
		limiters:     make(map[types.Category]*rate.Limiter),
		store:        st,
		emitter:      emitter,
		metrics:      metrics,
	}
	for cat, limit := range cfg.RateLimitPerCategory {
		m.limiters[cat] = rate.NewLimiter(limit, 1)
	}
	m.ledgers[dayEpoch] = freshLedger(cfg, dayEpoch)
	return m
}

// Restore loads the current day_epoch's persisted BudgetLedger (replacing
// the fresh one New built) and every live reservation token still on
// record, so a dispatch that was in flight when the process last stopped
// resolves against its real reserved cost during Scheduler.Reconcile
// rather than an unknown token. A ledger or reservation set that was never
// persisted (first run, or memory-only store) is not an error.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	row, err := m.store.LoadLedger(ctx, m.current)
	switch {
	case err == nil:
		ledger, uerr := unmarshalLedger(row.Payload)
		if uerr != nil {
			return kernelerrors.Wrap(kernelerrors.KindPersistence, "restore: unmarshal ledger", uerr)
		}
		m.mu.Lock()
		m.ledgers[m.current] = ledger
		m.mu.Unlock()
	case err == store.ErrNotFound:
		// no ledger persisted yet for this epoch; the fresh one stands.
	default:
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "restore: load ledger", err)
	}

	rows, err := m.store.LoadReservations(ctx)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "restore: load reservations", err)
	}
	m.reservationsMu.Lock()
	for _, row := range rows {
		var res reservation
		if uerr := json.Unmarshal(row.Payload, &res); uerr != nil {
			continue
		}
		m.reservations[res.Token] = &res
	}
	m.reservationsMu.Unlock()
	return nil
}

func freshLedger(cfg Config, epoch int) *Ledger {
	l := &Ledger{
		DayEpoch:    epoch,
		Categories:  make(map[types.Category]*categoryLedger),
		DailyBudget: cfg.DailyBudgetUSD,
		ReservePool: cfg.ReserveFraction * cfg.DailyBudgetUSD,
	}
	for _, a := range cfg.Allocations {
		l.Categories[a.Category] = &categoryLedger{Allocated: a.Fraction * cfg.DailyBudgetUSD}
	}
	return l
}

// Reserve checks the category's headroom for a dispatch of nodeID and
// either returns a reservation token or a *Denied. priority >= high may
// draw from the reserve pool if the category is exhausted. There is no
// separate check against the global daily remaining (DailyBudget minus
// DailySpent).
func (m *Manager) Reserve(ctx context.Context, nodeID string, category types.Category, costClass types.CostClass, priority types.Priority) (string, error) {
	if limiter := m.getLimiter(category); limiter != nil && !limiter.Allow() {
		m.recordDenied(category, costClass, "rate_limited")
		return "", &Denied{Reason: "rate_limited"}
	}

	estCost := m.cfg.CostModel[costClass]

	m.mu.Lock()
	ledger := m.ledgers[m.current]
	cat, ok := ledger.Categories[category]
	if !ok {
		cat = &categoryLedger{}
		ledger.Categories[category] = cat
	}

	drawnFromReserve := false
	headroom := cat.Allocated - cat.Reserved - cat.Spent
	if headroom < estCost {
		if !priority.AtLeastHigh() {
			m.mu.Unlock()
			m.recordDenied(category, costClass, "category_exhausted")
			return "", &Denied{Reason: "category_exhausted"}
		}
		reserveHeadroom := ledger.ReservePool - ledger.ReserveDrawn
		if reserveHeadroom < estCost {
			m.mu.Unlock()
			m.recordDenied(category, costClass, "reserve_exhausted")
			return "", &Denied{Reason: "reserve_exhausted"}
		}
		ledger.ReserveDrawn += estCost
		drawnFromReserve = true
	} else {
		cat.Reserved += estCost
	}
	ledger.DailySpent += 0 // spend recorded only on Settle
	epoch := ledger.DayEpoch
	m.mu.Unlock()

	token := uuid.NewString()
	res := &reservation{
		Token: token, NodeID: nodeID, Category: category, CostClass: costClass,
		EstCost: estCost, DayEpoch: epoch, DrawnFromReserve: drawnFromReserve,
	}

	if m.store != nil {
		payload, merr := json.Marshal(res)
		if merr != nil {
			m.undoLedgerReserve(epoch, category, estCost, drawnFromReserve)
			return "", kernelerrors.Wrap(kernelerrors.KindPersistence, "reserve: marshal reservation", merr)
		}
		if serr := m.store.SaveReservation(ctx, store.ReservationRow{Token: token, Payload: payload}); serr != nil {
			m.undoLedgerReserve(epoch, category, estCost, drawnFromReserve)
			return "", kernelerrors.Wrap(kernelerrors.KindPersistence, "reserve: persist reservation", serr)
		}
	}

	m.reservationsMu.Lock()
	m.reservations[token] = res
	m.reservationsMu.Unlock()

	if m.metrics != nil {
		m.metrics.IncReservation(string(costClass), "granted")
	}
	m.emitter.Emit(emit.Event{Name: emit.BudgetReserved, NodeID: nodeID, Timestamp: time.Now(), Meta: map[string]interface{}{
		"reservation_id": token, "category": string(category), "est_cost": estCost, "reserve_draw": drawnFromReserve,
	}})
	return token, nil
}

// undoLedgerReserve reverses the headroom deduction Reserve made before a
// persistence failure, so a reservation that never durably existed never
// holds budget hostage either.
func (m *Manager) undoLedgerReserve(epoch int, category types.Category, estCost float64, drawnFromReserve bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[epoch]
	if !ok {
		return
	}
	if drawnFromReserve {
		ledger.ReserveDrawn -= estCost
		return
	}
	if cat, ok := ledger.Categories[category]; ok {
		cat.Reserved -= estCost
	}
}

func (m *Manager) recordDenied(category types.Category, costClass types.CostClass, reason string) {
	if m.metrics != nil {
		m.metrics.IncReservation(string(costClass), "denied")
	}
	m.emitter.Emit(emit.Event{Name: emit.BudgetDenied, Timestamp: time.Now(), Meta: map[string]interface{}{
		"category": string(category), "reason": reason,
	}})
}

func (m *Manager) getLimiter(category types.Category) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	return m.limiters[category]
}

// Settle releases the reservation identified by token and records
// actualCost as spend under its category.
func (m *Manager) Settle(token string, actualCost float64) error {
	res, err := m.popReservation(token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ledger, ok := m.ledgers[res.DayEpoch]
	if !ok {
		m.mu.Unlock()
		return kernelerrors.New(kernelerrors.KindInvariantViolation, "settle: ledger for reservation epoch missing").WithReservation(token)
	}
	if res.DrawnFromReserve {
		// The estimate held against the reserve is replaced by the actual
		// cost, so ReserveDrawn keeps the day's running total drawn.
		ledger.ReserveDrawn += actualCost - res.EstCost
	} else if cat, ok := ledger.Categories[res.Category]; ok {
		cat.Reserved -= res.EstCost
	}
	if cat, ok := ledger.Categories[res.Category]; ok {
		cat.Spent += actualCost
	}
	ledger.DailySpent += actualCost
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AddSettledCost(string(res.CostClass), actualCost)
	}
	m.emitter.Emit(emit.Event{Name: emit.BudgetSettled, NodeID: res.NodeID, Timestamp: time.Now(), Meta: map[string]interface{}{
		"reservation_id": token, "actual_cost": actualCost,
	}})
	return nil
}

// Release cancels the reservation identified by token without recording
// spend, except for minimalCharge (e.g. a partial LLM call made before an
// error), which is settled as real spend.
func (m *Manager) Release(token string, minimalCharge float64) error {
	return m.Settle(token, minimalCharge)
}

func (m *Manager) popReservation(token string) (*reservation, error) {
	m.reservationsMu.Lock()
	res, ok := m.reservations[token]
	if !ok {
		m.reservationsMu.Unlock()
		return nil, kernelerrors.New(kernelerrors.KindInvariantViolation, "unknown reservation token").WithReservation(token)
	}
	delete(m.reservations, token)
	m.reservationsMu.Unlock()

	if m.store != nil {
		// Settle/Release take no context (pre-dating ctx threading in this
		// package); deleting the now-settled reservation row is best-effort
		// bookkeeping that must not undo a settlement already applied
		// in-memory, so a failure here is reported, not fatal to the caller.
		if err := m.store.DeleteReservation(context.Background(), token); err != nil {
			m.emitter.Emit(emit.Event{Name: emit.NodeErrored, NodeID: res.NodeID, Timestamp: time.Now(), Meta: map[string]interface{}{
				"reservation_id": token, "error": err.Error(), "stage": "settle_delete_reservation_row",
			}})
		}
	}
	return res, nil
}

// Remaining returns the remaining headroom for category in the current
// ledger. An empty category returns the global daily remaining instead.
func (m *Manager) Remaining(category types.Category) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.ledgers[m.current]
	if category == "" {
		return ledger.DailyBudget - ledger.DailySpent
	}
	cat, ok := ledger.Categories[category]
	if !ok {
		return 0
	}
	return cat.Allocated - cat.Reserved - cat.Spent
}

// RollDay closes the ledger for the prior epoch, persists it, and starts a
// fresh ledger for newEpoch. Unsettled reservations are not moved: they
// stay charged against their original epoch's ledger and are settled or
// released there, while Remaining and Reserve operate against the new
// epoch only, so the fresh ledger starts with nothing reserved.
func (m *Manager) RollDay(ctx context.Context, newEpoch int) error {
	m.mu.Lock()
	prior := m.ledgers[m.current]
	m.mu.Unlock()

	if m.store != nil && prior != nil {
		payload, err := marshalLedger(prior)
		if err != nil {
			return err
		}
		if err := m.store.SaveLedger(ctx, store.LedgerRow{DayEpoch: prior.DayEpoch, Payload: payload}); err != nil {
			return kernelerrors.Wrap(kernelerrors.KindPersistence, "roll day: save prior ledger", err)
		}
	}

	m.mu.Lock()
	m.ledgers[newEpoch] = freshLedger(m.cfg, newEpoch)
	m.current = newEpoch
	m.mu.Unlock()

	m.emitter.Emit(emit.Event{Name: emit.DayRolled, Timestamp: time.Now(), Meta: map[string]interface{}{
		"day_epoch": newEpoch,
	}})
	return nil
}

// UpdateConfig replaces the manager's allocation config, re-deriving the
// current ledger's per-category Allocated figures from the new fractions
// while preserving already-reserved/spent amounts. Live reservation tokens
// are unaffected. Used by the admin API's PUT /budget/config.
func (m *Manager) UpdateConfig(cfg Config) {
	if cfg.CostModel == nil {
		cfg.CostModel = DefaultCostModel
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	ledger := m.ledgers[m.current]
	ledger.DailyBudget = cfg.DailyBudgetUSD
	ledger.ReservePool = cfg.ReserveFraction * cfg.DailyBudgetUSD
	for _, a := range cfg.Allocations {
		cat, ok := ledger.Categories[a.Category]
		if !ok {
			cat = &categoryLedger{}
			ledger.Categories[a.Category] = cat
		}
		cat.Allocated = a.Fraction * cfg.DailyBudgetUSD
	}
}

// CurrentLedger returns a copy of the active day's ledger, for the admin
// API's GET /budget.
func (m *Manager) CurrentLedger() Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger := m.ledgers[m.current]
	cp := Ledger{
		DayEpoch: ledger.DayEpoch, DailyBudget: ledger.DailyBudget, DailySpent: ledger.DailySpent,
		ReservePool: ledger.ReservePool, ReserveDrawn: ledger.ReserveDrawn,
		Categories: make(map[types.Category]*categoryLedger, len(ledger.Categories)),
	}
	for k, v := range ledger.Categories {
		vv := *v
		cp.Categories[k] = &vv
	}
	return cp
}

// ledgerWire is the JSON-on-the-wire shape of a Ledger, with Categories
// flattened to value (not pointer) entries so marshal/unmarshal round-trip
// cleanly through encoding/json.
type ledgerWire struct {
	DayEpoch     int                                `json:"day_epoch"`
	Categories   map[types.Category]categoryLedger `json:"categories"`
	DailyBudget  float64                            `json:"daily_budget"`
	DailySpent   float64                            `json:"daily_spent"`
	ReservePool  float64                            `json:"reserve_pool"`
	ReserveDrawn float64                            `json:"reserve_drawn"`
}

func marshalLedger(l *Ledger) ([]byte, error) {
	w := ledgerWire{DayEpoch: l.DayEpoch, DailyBudget: l.DailyBudget, DailySpent: l.DailySpent,
		ReservePool: l.ReservePool, ReserveDrawn: l.ReserveDrawn,
		Categories: make(map[types.Category]categoryLedger, len(l.Categories))}
	for k, v := range l.Categories {
		w.Categories[k] = *v
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("budget: marshal ledger: %w", err)
	}
	return data, nil
}

// unmarshalLedger is marshalLedger's inverse, used to restore a ledger
// persisted by a prior process.
func unmarshalLedger(data []byte) (*Ledger, error) {
	var w ledgerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("budget: unmarshal ledger: %w", err)
	}
	l := &Ledger{
		DayEpoch: w.DayEpoch, DailyBudget: w.DailyBudget, DailySpent: w.DailySpent,
		ReservePool: w.ReservePool, ReserveDrawn: w.ReserveDrawn,
		Categories: make(map[types.Category]*categoryLedger, len(w.Categories)),
	}
	for k, v := range w.Categories {
		vv := v
		l.Categories[k] = &vv
	}
	return l, nil
}
