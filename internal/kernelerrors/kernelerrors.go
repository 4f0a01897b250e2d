// Package kernelerrors defines the error kinds the kernel surfaces through
// logs, events, and the admin API. Every error that crosses a component
// boundary is one of these kinds; nothing is swallowed silently.
package kernelerrors

import "fmt"

// Kind identifies the category of a kernel error. Kind strings are stable
// and appear verbatim in admin API responses and CLI exit diagnostics.
type Kind string

const (
	// KindConfig is an invalid allocation or schedule at startup. Fatal.
	KindConfig Kind = "ConfigError"
	// KindInvalidDelta is a schema error in a submitted StateDelta. The
	// delta is rejected and the originating node is marked errored; the
	// scheduler continues.
	KindInvalidDelta Kind = "InvalidDelta"
	// KindBudgetDenied is an expected, non-error admission refusal.
	KindBudgetDenied Kind = "BudgetDenied"
	// KindExecutorError is a domain error returned by an executor.
	KindExecutorError Kind = "ExecutorError"
	// KindTimeout is a forced cancellation due to exceeding a deadline.
	KindTimeout Kind = "Timeout"
	// KindPersistence is a failure to read or write durable storage.
	// Transient occurrences are retried with backoff by the caller; a
	// durable failure after the configured attempts is fatal.
	KindPersistence Kind = "PersistenceError"
	// KindInvariantViolation indicates the bus detected a post-merge
	// invariant break that clamping should have prevented. Always a
	// programming error; always fatal.
	KindInvariantViolation Kind = "InvariantViolation"
)

// KernelError is the structured error shape the admin API and CLI surface.
// NodeID and ReservationID are populated when the error originates from a
// specific dispatch or budget reservation.
type KernelError struct {
	Kind          Kind
	Message       string
	NodeID        string
	ReservationID string
	Cause         error
}

func (e *KernelError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node=%s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Cause }

// Is reports whether target is a *KernelError with the same Kind, so
// callers can use errors.Is(err, kernelerrors.New(KindBudgetDenied, ""))
// style checks as well as the more common errors.As.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a KernelError of the given kind.
func New(kind Kind, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message}
}

// Wrap builds a KernelError of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *KernelError {
	return &KernelError{Kind: kind, Message: message, Cause: cause}
}

// WithNode returns a copy of e annotated with the originating node id.
func (e *KernelError) WithNode(nodeID string) *KernelError {
	c := *e
	c.NodeID = nodeID
	return &c
}

// WithReservation returns a copy of e annotated with the reservation id.
func (e *KernelError) WithReservation(reservationID string) *KernelError {
	c := *e
	c.ReservationID = reservationID
	return &c
}

// Fatal reports whether a kind always terminates the process when it
// surfaces at the top level.
func (k Kind) Fatal() bool {
	switch k {
	case KindConfig, KindInvariantViolation:
		return true
	default:
		return false
	}
}

// ExitCode maps a fatal kind to the process exit code cmd/cogkerneld
// returns. Returns 0 for non-fatal kinds.
func (k Kind) ExitCode() int {
	switch k {
	case KindInvariantViolation:
		return 3
	case KindConfig:
		return 2
	case KindPersistence:
		return 2
	default:
		return 0
	}
}
