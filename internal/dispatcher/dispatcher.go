// Package dispatcher consumes outbox rows, enforces a bounded concurrency
// ceiling via a permit semaphore, and runs task bodies with retry, timeout,
// and cooperative-defer semantics.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/cloaerr"
	"github.com/cloacina/cloacina/internal/store"
)

// Config holds the dispatcher's tunables.
type Config struct {
	WorkerID   string
	PollIdle   time.Duration // how long to sleep when the outbox is empty
}

func DefaultConfig(workerID string) Config {
	return Config{WorkerID: workerID, PollIdle: 50 * time.Millisecond}
}

// Dispatcher owns the outbox consumer loop. It is the pluggable component
// described by the routing table: it resolves each claimed task to an
// executor key via Router and runs it on the matching Executor.
type Dispatcher struct {
	store     store.Store
	registry  *TaskRegistry
	router    *Router
	executors map[string]Executor
	cfg       Config
	log       *zap.Logger
}

func New(st store.Store, registry *TaskRegistry, router *Router, executors map[string]Executor, cfg Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, registry: registry, router: router, executors: executors, cfg: cfg, log: log}
}

// Run loops claiming outbox rows until ctx is cancelled. Each claimed task
// is dispatched to its executor on its own goroutine so that a slow or
// deferred task never blocks the claim loop; the executor's own permit
// acquisition is what bounds concurrency.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t, err := d.store.ClaimOutboxTask(ctx, d.cfg.WorkerID)
		if err != nil {
			d.log.Warn("outbox claim failed, retrying", zap.Error(err))
			if !sleepOrDone(ctx, d.cfg.PollIdle) {
				return nil
			}
			continue
		}
		if t == nil {
			if !sleepOrDone(ctx, d.cfg.PollIdle) {
				return nil
			}
			continue
		}

		go d.dispatch(ctx, *t)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, t store.TaskExecution) {
	if err := d.runOne(ctx, t); err != nil {
		d.log.Error("task dispatch failed", zap.String("task_execution_id", t.ID.String()),
			zap.String("task_name", t.TaskName), zap.Error(err))
	}
}

func (d *Dispatcher) runOne(ctx context.Context, t store.TaskExecution) error {
	impl, ok := d.registry.Lookup(t.TaskName)
	if !ok {
		return fmt.Errorf("%w: no task implementation registered for %q", cloaerr.ErrValidation, t.TaskName)
	}

	key, err := d.router.Resolve(t.TaskName)
	if err != nil {
		return fmt.Errorf("dispatcher: resolve route: %w", err)
	}
	exec, ok := d.executors[key]
	if !ok {
		return fmt.Errorf("%w: no executor registered for key %q", cloaerr.ErrValidation, key)
	}

	if err := d.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: t.PipelineExecutionID,
		TaskExecutionID:     &t.ID,
		EventType:           store.EventTaskRunning,
		WorkerID:            d.cfg.WorkerID,
	}); err != nil {
		return fmt.Errorf("dispatcher: append running event: %w", err)
	}

	return exec.Run(ctx, t, impl)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
