package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cloacina/cloacina/internal/graph"
	"github.com/cloacina/cloacina/internal/metrics"
	"github.com/cloacina/cloacina/internal/store"
	"github.com/cloacina/cloacina/pkg/task"
)

// Executor runs one claimed task execution to completion (including its
// own retry bookkeeping against the store) and returns once the task body
// has either succeeded, failed terminally, or been scheduled for retry.
// The default deployment registers a single ThreadExecutor under key
// "thread"; remote executors (containers, queues) are additional
// implementations registered under other keys.
type Executor interface {
	Run(ctx context.Context, t store.TaskExecution, impl task.Task) error
}

// Callbacks are optional user-supplied hooks invoked after the
// corresponding state transition commits. A panic in a callback is
// recovered and discarded without being logged; callbacks never mutate
// pipeline state.
type Callbacks struct {
	OnSuccess func(taskName string, outputContext []byte)
	OnFailure func(taskName string, err error, inputContext []byte)
}

// ThreadExecutor runs task bodies on goroutines bounded by a Pool,
// enforcing per-attempt timeouts and the configured retry/backoff policy.
type ThreadExecutor struct {
	pool      *Pool
	store     store.Store
	callbacks Callbacks
	metrics   *metrics.Metrics
}

func NewThreadExecutor(pool *Pool, st store.Store, callbacks Callbacks) *ThreadExecutor {
	return &ThreadExecutor{pool: pool, store: st, callbacks: callbacks}
}

// SetMetrics wires per-attempt success/failure counters. Nil is safe.
func (e *ThreadExecutor) SetMetrics(m *metrics.Metrics) { e.metrics = m }

func (e *ThreadExecutor) Run(ctx context.Context, t store.TaskExecution, impl task.Task) error {
	md := impl.Metadata()

	runCtx := ctx
	var cancel context.CancelFunc
	if md.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, md.Timeout)
		defer cancel()
	}

	token, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: acquire permit for %s: %w", t.TaskName, err)
	}

	var handle *taskHandle
	if impl.RequiresHandle() {
		handle = &taskHandle{pool: e.pool, store: e.store, taskExecutionID: t.ID, token: token}
		// Release through the handle: DeferUntil may have swapped in a
		// freshly-reacquired token by the time the body returns.
		defer handle.Release()
	} else {
		defer token.Release()
	}

	outputCtx, execErr := e.runBody(runCtx, impl, t.InputContext, handle)

	if execErr == nil {
		return e.reportSuccess(ctx, t, outputCtx)
	}
	return e.reportFailure(ctx, t, md.MaxAttempts, md.RetryPolicy, execErr)
}

func (e *ThreadExecutor) runBody(ctx context.Context, impl task.Task, input []byte, handle *taskHandle) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher: task body panicked: %v", r)
		}
	}()
	var h task.Handle
	if handle != nil {
		h = handle
	}
	out, err = impl.Execute(ctx, input, h)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("dispatcher: task timed out: %w", ctx.Err())
	}
	return out, err
}

func (e *ThreadExecutor) reportSuccess(ctx context.Context, t store.TaskExecution, outputCtx []byte) error {
	if err := e.store.CompleteTask(ctx, t.ID, outputCtx); err != nil {
		return fmt.Errorf("dispatcher: complete task: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveTaskSuccess()
	}
	if err := e.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: t.PipelineExecutionID,
		TaskExecutionID:     &t.ID,
		EventType:           store.EventTaskCompleted,
	}); err != nil {
		return fmt.Errorf("dispatcher: append completed event: %w", err)
	}
	if e.callbacks.OnSuccess != nil {
		safeCall(func() { e.callbacks.OnSuccess(t.TaskName, outputCtx) })
	}
	return nil
}

func (e *ThreadExecutor) reportFailure(ctx context.Context, t store.TaskExecution, maxAttempts int, policy graph.RetryPolicy, execErr error) error {
	// t.Attempt already reflects this attempt (ClaimOutboxTask increments it
	// before Run is called), so this matches the scheduler's own retry gate
	// (t.Attempt >= t.MaxAttempts) rather than double-counting the attempt.
	terminal := t.Attempt >= maxAttempts
	var retryAt *time.Time
	if !terminal {
		next := time.Now().Add(policy.Backoff(t.Attempt))
		retryAt = &next
	}

	if err := e.store.FailTask(ctx, t.ID, execErr.Error(), retryAt, terminal); err != nil {
		return fmt.Errorf("dispatcher: fail task: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveTaskFailure(terminal)
	}
	if err := e.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: t.PipelineExecutionID,
		TaskExecutionID:     &t.ID,
		EventType:           store.EventTaskFailed,
		EventData:           []byte(fmt.Sprintf(`{"terminal":%v,"error":%q}`, terminal, execErr.Error())),
	}); err != nil {
		return fmt.Errorf("dispatcher: append failed event: %w", err)
	}
	if terminal && e.callbacks.OnFailure != nil {
		safeCall(func() { e.callbacks.OnFailure(t.TaskName, execErr, t.InputContext) })
	}
	return nil
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
