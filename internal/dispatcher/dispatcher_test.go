package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/graph"
	"github.com/cloacina/cloacina/internal/store"
	"github.com/cloacina/cloacina/internal/store/memstore"
	"github.com/cloacina/cloacina/pkg/task"
)

type fakeTask struct {
	name           string
	requiresHandle bool
	maxAttempts    int
	exec           func(ctx context.Context, input []byte, h task.Handle) ([]byte, error)
}

func (f *fakeTask) Execute(ctx context.Context, input []byte, h task.Handle) ([]byte, error) {
	return f.exec(ctx, input, h)
}
func (f *fakeTask) RequiresHandle() bool { return f.requiresHandle }
func (f *fakeTask) Metadata() graph.Metadata {
	max := f.maxAttempts
	if max == 0 {
		max = 1
	}
	return graph.Metadata{Name: f.name, MaxAttempts: max, RetryPolicy: graph.RetryPolicy{Kind: graph.RetryFixed, Delay: time.Millisecond}}
}

func seedReadyTask(t *testing.T, st store.Store, taskName string) (uuid.UUID, uuid.UUID) {
	pipelineID := uuid.New()
	taskID := uuid.New()
	require.NoError(t, st.CreatePipeline(context.Background(), store.PipelineExecution{
		ID: pipelineID, WorkflowName: "wf", WorkflowVersion: "v1", Status: store.PipelineRunning, StartedAt: time.Now(),
	}, []store.TaskExecution{{ID: taskID, PipelineExecutionID: pipelineID, TaskName: taskName, Status: store.TaskNotStarted, MaxAttempts: 3}}))
	require.NoError(t, st.MarkTaskReady(context.Background(), taskID, []byte(`{"n":1}`)))
	return pipelineID, taskID
}

func TestThreadExecutor_SuccessWritesContextAndEvent(t *testing.T) {
	st := memstore.New()
	pipelineID, taskID := seedReadyTask(t, st, "fetch")

	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, taskID, claimed.ID)

	pool := NewPool(2)
	exec := NewThreadExecutor(pool, st, Callbacks{})
	impl := &fakeTask{name: "fetch", maxAttempts: 3, exec: func(ctx context.Context, input []byte, h task.Handle) ([]byte, error) {
		return []byte(`{"n":2}`), nil
	}}

	require.NoError(t, exec.Run(context.Background(), *claimed, impl))

	updated, err := st.GetTaskExecutions(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, updated[0].Status)

	out, ok, err := st.GetPredecessorContext(context.Background(), pipelineID, "fetch")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"n":2}`, string(out))
}

func TestThreadExecutor_FailureSchedulesRetryWhenAttemptsRemain(t *testing.T) {
	st := memstore.New()
	_, taskID := seedReadyTask(t, st, "flaky")

	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)

	pool := NewPool(2)
	exec := NewThreadExecutor(pool, st, Callbacks{})
	impl := &fakeTask{name: "flaky", maxAttempts: 2, exec: func(ctx context.Context, input []byte, h task.Handle) ([]byte, error) {
		return nil, errors.New("boom")
	}}

	require.NoError(t, exec.Run(context.Background(), *claimed, impl))

	tasks, err := st.GetTaskExecutions(context.Background(), claimed.PipelineExecutionID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, tasks[0].Status)
	require.NotNil(t, tasks[0].RetryAt)
	require.Equal(t, taskID, tasks[0].ID)
}

func TestThreadExecutor_FinalAttemptFailureIsTerminalAndInvokesCallback(t *testing.T) {
	st := memstore.New()
	seedReadyTask(t, st, "always-fails")
	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)

	var called int32
	pool := NewPool(1)
	exec := NewThreadExecutor(pool, st, Callbacks{OnFailure: func(name string, err error, in []byte) {
		atomic.AddInt32(&called, 1)
	}})
	impl := &fakeTask{name: "always-fails", maxAttempts: 1, exec: func(ctx context.Context, input []byte, h task.Handle) ([]byte, error) {
		return nil, errors.New("nope")
	}}

	require.NoError(t, exec.Run(context.Background(), *claimed, impl))

	tasks, err := st.GetTaskExecutions(context.Background(), claimed.PipelineExecutionID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, tasks[0].Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&called))
}

func TestDeferUntil_ReleasesAndReacquiresPermit(t *testing.T) {
	st := memstore.New()
	_, taskID := seedReadyTask(t, st, "waiter")
	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)

	pool := NewPool(1)
	exec := NewThreadExecutor(pool, st, Callbacks{})

	var signaled int32
	impl := &fakeTask{name: "waiter", requiresHandle: true, maxAttempts: 1, exec: func(ctx context.Context, input []byte, h task.Handle) ([]byte, error) {
		err := h.DeferUntil(ctx, time.Millisecond, func(ctx context.Context) (bool, error) {
			return atomic.LoadInt32(&signaled) == 1, nil
		})
		return []byte(`{}`), err
	}}

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background(), *claimed, impl) }()

	// While deferred, the permit must be free for another acquirer.
	require.Eventually(t, func() bool {
		token, ok := pool.TryAcquire()
		if ok {
			token.Release()
		}
		return ok
	}, time.Second, time.Millisecond)

	atomic.StoreInt32(&signaled, 1)
	require.NoError(t, <-done)

	tasks, err := st.GetTaskExecutions(context.Background(), claimed.PipelineExecutionID)
	require.NoError(t, err)
	require.Equal(t, taskID, tasks[0].ID)
	require.Equal(t, store.TaskCompleted, tasks[0].Status)

	// The permit reacquired after the defer must be released too, not just
	// the one the pool handed out before the task body ran.
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Drain(drainCtx))
}

func TestRouter_FirstMatchWinsWithFallback(t *testing.T) {
	r := NewRouter("thread", Route{Pattern: "remote::*", Key: "remote"})
	key, err := r.Resolve("remote::fetch")
	require.NoError(t, err)
	require.Equal(t, "remote", key)

	key, err = r.Resolve("local::fetch")
	require.NoError(t, err)
	require.Equal(t, "thread", key)
}

func TestPool_DrainWaitsForOutstandingPermits(t *testing.T) {
	pool := NewPool(1)
	token, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Drain(ctx)
	require.Error(t, err)

	token.Release()
	require.NoError(t, pool.Drain(context.Background()))
}

func TestZapLoggerConstructable(t *testing.T) {
	_, err := zap.NewDevelopment()
	require.NoError(t, err)
}
