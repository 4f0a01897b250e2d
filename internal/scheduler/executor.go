package scheduler

import (
	"context"

	"github.com/lumenhearth/cogkernel/internal/types"
)

// ExecutionContext is what the scheduler hands an Executor on dispatch: a
// read-only state snapshot, the admission reservation token, and a
// cancellation-aware context the executor must check at awaitable
// boundaries.
type ExecutionContext struct {
	Ctx           context.Context
	NodeID        string
	State         *types.GlobalState
	ReservationID string
	Attempt       int
	TriggerKind   types.TriggerKind
}

// Executor runs one dispatch of a CognitiveNode and returns its result.
// Implementations must respect ctx cancellation; a result returned after
// the reservation token has been invalidated by a timeout is discarded.
type Executor interface {
	Run(ec ExecutionContext) types.NodeResult
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ec ExecutionContext) types.NodeResult

func (f ExecutorFunc) Run(ec ExecutionContext) types.NodeResult { return f(ec) }
