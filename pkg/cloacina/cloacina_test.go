package cloacina

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/graph"
	"github.com/cloacina/cloacina/internal/runner"
	"github.com/cloacina/cloacina/internal/store/memstore"
	"github.com/cloacina/cloacina/pkg/task"
)

type noopTask struct{ name string }

func (n *noopTask) Execute(_ context.Context, input []byte, _ task.Handle) ([]byte, error) {
	return input, nil
}
func (n *noopTask) RequiresHandle() bool { return false }
func (n *noopTask) Metadata() graph.Metadata {
	return graph.Metadata{Name: n.name, MaxAttempts: 1, Trigger: graph.Always()}
}

func testGraph(t *testing.T) *graph.Graph {
	g, err := graph.NewGraph([]graph.Metadata{
		{Name: "billing::charge", MaxAttempts: 1, Trigger: graph.Always()},
		{Name: "billing::notify", Dependencies: []string{"billing::charge"}, MaxAttempts: 1, Trigger: graph.OnSuccess("billing::charge")},
	})
	require.NoError(t, err)
	return g
}

func TestEngine_RegisterRejectsMissingTaskImplementation(t *testing.T) {
	e := New(memstore.New(), runner.DefaultRunnerConfig(), zap.NewNop())
	err := e.Register(testGraph(t), map[string]task.Task{
		"billing::charge": &noopTask{name: "billing::charge"},
	})
	require.Error(t, err)
}

func TestEngine_RegisterRejectsFingerprintChange(t *testing.T) {
	e := New(memstore.New(), runner.DefaultRunnerConfig(), zap.NewNop())
	g := testGraph(t)
	tasks := map[string]task.Task{
		"billing::charge": &noopTask{name: "billing::charge"},
		"billing::notify": &noopTask{name: "billing::notify"},
	}
	require.NoError(t, e.Register(g, tasks))

	other, err := graph.NewGraph([]graph.Metadata{
		{Name: "billing::charge", MaxAttempts: 3, Trigger: graph.Always()},
	})
	require.NoError(t, err)
	err = e.Register(other, map[string]task.Task{"billing::charge": &noopTask{name: "billing::charge"}})
	require.Error(t, err)
}

func TestEngine_SubmitCreatesPendingPipelineWithPlannedTasks(t *testing.T) {
	st := memstore.New()
	e := New(st, runner.DefaultRunnerConfig(), zap.NewNop())
	g := testGraph(t)
	require.NoError(t, e.Register(g, map[string]task.Task{
		"billing::charge": &noopTask{name: "billing::charge"},
		"billing::notify": &noopTask{name: "billing::notify"},
	}))

	pipelineID, err := e.Submit(context.Background(), "billing", map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	status, err := e.Status(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	tasks, err := st.GetTaskExecutions(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestEngine_DescribeReturnsPerTaskStatus(t *testing.T) {
	st := memstore.New()
	e := New(st, runner.DefaultRunnerConfig(), zap.NewNop())
	g := testGraph(t)
	require.NoError(t, e.Register(g, map[string]task.Task{
		"billing::charge": &noopTask{name: "billing::charge"},
		"billing::notify": &noopTask{name: "billing::notify"},
	}))

	pipelineID, err := e.Submit(context.Background(), "billing", map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	detail, err := e.Describe(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, detail.Status)
	require.Equal(t, pipelineID, detail.PipelineID)
	require.Len(t, detail.Tasks, 2)

	byName := make(map[string]TaskSummary, len(detail.Tasks))
	for _, ts := range detail.Tasks {
		byName[ts.TaskName] = ts
	}
	require.Equal(t, TaskNotStarted, byName["billing::charge"].Status)
	require.Equal(t, TaskNotStarted, byName["billing::notify"].Status)
}

func TestEngine_SubmitUnknownWorkflowFails(t *testing.T) {
	e := New(memstore.New(), runner.DefaultRunnerConfig(), zap.NewNop())
	_, err := e.Submit(context.Background(), "does-not-exist", nil)
	require.Error(t, err)
}

func TestEngine_CancelTransitionsPipeline(t *testing.T) {
	st := memstore.New()
	e := New(st, runner.DefaultRunnerConfig(), zap.NewNop())
	g := testGraph(t)
	require.NoError(t, e.Register(g, map[string]task.Task{
		"billing::charge": &noopTask{name: "billing::charge"},
		"billing::notify": &noopTask{name: "billing::notify"},
	}))
	pipelineID, err := e.Submit(context.Background(), "billing", nil)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), pipelineID))
	status, err := e.Status(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, status)
}

func TestPackageLevelAPI_PanicsWithoutInit(t *testing.T) {
	defaultMu.Lock()
	prior := defaultEngine
	defaultEngine = nil
	defaultMu.Unlock()
	defer func() {
		defaultMu.Lock()
		defaultEngine = prior
		defaultMu.Unlock()
	}()

	require.Panics(t, func() {
		_, _ = Submit(context.Background(), "x", nil)
	})
}

func TestPackageLevelAPI_DelegatesToInitializedDefault(t *testing.T) {
	st := memstore.New()
	e := New(st, runner.DefaultRunnerConfig(), zap.NewNop())
	g := testGraph(t)
	require.NoError(t, e.Register(g, map[string]task.Task{
		"billing::charge": &noopTask{name: "billing::charge"},
		"billing::notify": &noopTask{name: "billing::notify"},
	}))
	Init(e)

	pipelineID, err := Submit(context.Background(), "billing", map[string]any{"k": "v"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := Status(context.Background(), pipelineID)
		return err == nil && status == StatusPending
	}, time.Second, 10*time.Millisecond)
}
