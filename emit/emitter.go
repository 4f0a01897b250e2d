package emit

import "context"

// Emitter receives and processes observability events.
//
// Implementations must be non-blocking and safe for concurrent use — the
// scheduler calls Emit from worker goroutines and must never stall waiting
// on a slow backend.
type Emitter interface {
	// Emit sends a single event. Must not block or panic.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	// Returns an error only on catastrophic, configuration-level failure;
	// per-event delivery problems should be logged internally, not
	// returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are delivered, or ctx expires.
	Flush(ctx context.Context) error
}

// Fanout broadcasts every call to all of its emitters. A nil or empty
// Fanout behaves like NullEmitter.
type Fanout []Emitter

func (f Fanout) Emit(event Event) {
	for _, e := range f {
		e.Emit(event)
	}
}

func (f Fanout) EmitBatch(ctx context.Context, events []Event) error {
	var firstErr error
	for _, e := range f {
		if err := e.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) Flush(ctx context.Context) error {
	var firstErr error
	for _, e := range f {
		if err := e.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
