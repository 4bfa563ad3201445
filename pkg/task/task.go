// Package task defines the contract embedders implement to register work
// with Cloacina. A task is a capability — execute, requires-handle, plus
// metadata — rather than a class hierarchy; composition (wrapping a retry
// policy around a plain execute function) is the expected extension point.
package task

import (
	"context"
	"time"

	"github.com/cloacina/cloacina/internal/graph"
)

// Handle is passed to a task's Execute method when its RequiresHandle
// reports true. It lets a task cooperatively release its dispatcher permit
// while polling an external condition.
type Handle interface {
	// DeferUntil releases the calling task's permit, polls predicate every
	// interval until it returns true (or ctx is cancelled), then
	// re-acquires a permit before returning. Implementations must leave
	// sub_status = Active by the time DeferUntil returns.
	DeferUntil(ctx context.Context, interval time.Duration, predicate func(context.Context) (bool, error)) error
}

// Task is the unit of work an embedder registers with a workflow. Execute
// receives the merged predecessor context and must return the context this
// task contributes to its successors. Implementations must be safe to
// restart from the beginning: recovery resets an orphaned Running task to
// Ready and it is dispatched again under the same attempt number.
type Task interface {
	Execute(ctx context.Context, input []byte, handle Handle) ([]byte, error)
	RequiresHandle() bool
	Metadata() graph.Metadata
}
