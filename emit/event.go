// Package emit provides the kernel's single event pipe. Every subsystem —
// the bus, the budget manager, the scheduler — emits through an Emitter
// rather than logging directly, so observability backends (stdout, OTel
// spans, Prometheus, an in-memory query buffer) can be swapped without
// touching business logic.
package emit

import "time"

// Event is a single observability event emitted by the kernel. Name is one
// of the canonical event names (state.changed, node.completed, ...);
// Meta carries event-specific structured data (e.g. "tokens_used",
// "reservation_id", "reason").
type Event struct {
	// Name is the canonical event name, e.g. "node.completed".
	Name string

	// NodeID identifies the node this event concerns. Empty for bus- or
	// scheduler-level events with no single owning node.
	NodeID string

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Meta carries additional structured data specific to this event.
	Meta map[string]interface{}
}

// Canonical event names from the admin/event surface.
const (
	StateChanged    = "state.changed"
	ActivityChanged = "activity.changed"
	PhaseChanged    = "phase.changed"
	SessionStarted  = "session.started"
	SessionEnded    = "session.ended"
	NodeReady       = "node.ready"
	NodeStarted     = "node.started"
	NodeCompleted   = "node.completed"
	NodeErrored     = "node.errored"
	NodeTimeout     = "node.timeout"
	BudgetReserved  = "budget.reserved"
	BudgetDenied    = "budget.denied"
	BudgetSettled   = "budget.settled"
	DayRolled       = "day.rolled"
)
