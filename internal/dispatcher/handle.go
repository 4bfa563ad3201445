package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloacina/cloacina/internal/store"
)

// taskHandle implements task.Handle. It owns the SlotToken for the
// lifetime of the task body so DeferUntil can release and later re-acquire
// it without the task body knowing about the pool.
type taskHandle struct {
	pool            *Pool
	store           store.Store
	taskExecutionID uuid.UUID
	token           *SlotToken
}

// Release returns the handle's current permit to the pool. Callers must
// release through the handle rather than holding onto the original token,
// since DeferUntil swaps h.token for a newly-acquired one mid-run.
func (h *taskHandle) Release() {
	h.token.Release()
}

// DeferUntil writes sub_status = Deferred, releases the permit, polls
// predicate at the given interval, re-acquires a permit, and writes
// sub_status = Active before returning. Crash-mid-defer is handled by the
// recovery manager, which always resets a recovered task to plain
// Running/Active rather than attempting to resume mid-poll.
func (h *taskHandle) DeferUntil(ctx context.Context, interval time.Duration, predicate func(context.Context) (bool, error)) error {
	if err := h.store.SetTaskSubStatus(ctx, h.taskExecutionID, store.SubStatusDeferred); err != nil {
		return fmt.Errorf("dispatcher: defer until: set deferred: %w", err)
	}
	h.token.Release()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := predicate(ctx)
		if err != nil {
			return fmt.Errorf("dispatcher: defer until: predicate: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	token, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	h.token = token

	if err := h.store.SetTaskSubStatus(ctx, h.taskExecutionID, store.SubStatusActive); err != nil {
		return fmt.Errorf("dispatcher: defer until: set active: %w", err)
	}
	return nil
}
