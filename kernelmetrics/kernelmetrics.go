// Package kernelmetrics provides Prometheus-compatible metrics for the
// kernel's scheduler, budget manager, and state bus. All metrics are
// namespaced "cogkernel_".
package kernelmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter, gauge, and histogram the kernel records.
//
// Metrics exposed:
//
//  1. ready_queue_depth (gauge): nodes currently waiting in the scheduler's
//     ready queue.
//  2. inflight_nodes (gauge): nodes currently executing.
//  3. dispatch_latency_ms (histogram): time from dispatch to completion per
//     node, labeled by node_id and status (success/error/timeout).
//  4. retries_total (counter): retry attempts, labeled by node_id and reason.
//  5. budget_reservations_total (counter): Reserve outcomes, labeled by
//     cost_class and outcome (granted/denied).
//  6. budget_settled_cost_total (counter): actual cost settled, labeled by
//     cost_class.
//  7. bus_events_dropped_total (counter): state bus events dropped because a
//     subscriber's channel was full.
//  8. nodes_dispatched_total (counter): node dispatches, labeled by node_id
//     and trigger_kind.
type Metrics struct {
	readyQueueDepth prometheus.Gauge
	inflightNodes   prometheus.Gauge

	dispatchLatency *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	reservations    *prometheus.CounterVec
	settledCost     *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	dispatched      *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers all kernel metrics with the given registry. A
// nil registry registers with prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.readyQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "cogkernel",
		Name:      "ready_queue_depth",
		Help:      "Number of nodes currently waiting in the scheduler ready queue",
	})

	m.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "cogkernel",
		Name:      "inflight_nodes",
		Help:      "Number of nodes currently executing",
	})

	m.dispatchLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cogkernel",
		Name:      "dispatch_latency_ms",
		Help:      "Time from node dispatch to completion, in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
	}, []string{"node_id", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cogkernel",
		Name:      "retries_total",
		Help:      "Cumulative node retry attempts",
	}, []string{"node_id", "reason"})

	m.reservations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cogkernel",
		Name:      "budget_reservations_total",
		Help:      "Budget reservation attempts by cost class and outcome",
	}, []string{"cost_class", "outcome"})

	m.settledCost = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cogkernel",
		Name:      "budget_settled_cost_total",
		Help:      "Actual cost settled against reservations, by cost class",
	}, []string{"cost_class"})

	m.eventsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cogkernel",
		Name:      "bus_events_dropped_total",
		Help:      "State bus events dropped because a subscriber channel was full",
	}, []string{"subscriber"})

	m.dispatched = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cogkernel",
		Name:      "nodes_dispatched_total",
		Help:      "Node dispatches, by node id and trigger kind",
	}, []string{"node_id", "trigger_kind"})

	return m
}

func (m *Metrics) SetReadyQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.readyQueueDepth.Set(float64(depth))
}

func (m *Metrics) SetInflightNodes(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightNodes.Set(float64(count))
}

func (m *Metrics) ObserveDispatchLatencyMs(nodeID, status string, ms float64) {
	if !m.isEnabled() {
		return
	}
	m.dispatchLatency.WithLabelValues(nodeID, status).Observe(ms)
}

func (m *Metrics) IncRetries(nodeID, reason string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(nodeID, reason).Inc()
}

func (m *Metrics) IncReservation(costClass, outcome string) {
	if !m.isEnabled() {
		return
	}
	m.reservations.WithLabelValues(costClass, outcome).Inc()
}

func (m *Metrics) AddSettledCost(costClass string, cost float64) {
	if !m.isEnabled() {
		return
	}
	m.settledCost.WithLabelValues(costClass).Add(cost)
}

func (m *Metrics) IncEventsDropped(subscriber string) {
	if !m.isEnabled() {
		return
	}
	m.eventsDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncDispatched(nodeID, triggerKind string) {
	if !m.isEnabled() {
		return
	}
	m.dispatched.WithLabelValues(nodeID, triggerKind).Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops metric recording without unregistering collectors. Useful
// in tests that construct a kernel but don't want metric side effects.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
