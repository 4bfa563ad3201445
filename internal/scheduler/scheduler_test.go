package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/graph"
	"github.com/cloacina/cloacina/internal/store"
	"github.com/cloacina/cloacina/internal/store/memstore"
)

type staticRegistry struct {
	g *graph.Graph
}

func (r staticRegistry) Lookup(name string) (*graph.Graph, bool) {
	if name != "wf" {
		return nil, false
	}
	return r.g, true
}

func newSched(t *testing.T, g *graph.Graph) (*Scheduler, store.Store) {
	st := memstore.New()
	log := zap.NewNop()
	cfg := DefaultConfig("sched-1")
	cfg.StaleAfter = 0
	return New(st, staticRegistry{g: g}, cfg, log), st
}

func seedPipeline(t *testing.T, st store.Store, g *graph.Graph) uuid.UUID {
	pipelineID := uuid.New()
	var tasks []store.TaskExecution
	for _, n := range g.Nodes() {
		tasks = append(tasks, store.TaskExecution{
			ID:                  uuid.New(),
			PipelineExecutionID: pipelineID,
			TaskName:            n.Metadata.Name,
			Status:              store.TaskNotStarted,
			MaxAttempts:         n.Metadata.MaxAttempts,
		})
	}
	require.NoError(t, st.CreatePipeline(context.Background(), store.PipelineExecution{
		ID: pipelineID, WorkflowName: "wf", WorkflowVersion: string(g.Hash()), Status: store.PipelinePending, StartedAt: time.Now(),
	}, tasks))
	return pipelineID
}

func taskByName(t *testing.T, st store.Store, pipelineID uuid.UUID, name string) store.TaskExecution {
	tasks, err := st.GetTaskExecutions(context.Background(), pipelineID)
	require.NoError(t, err)
	for _, te := range tasks {
		if te.TaskName == name {
			return te
		}
	}
	t.Fatalf("task %q not found", name)
	return store.TaskExecution{}
}

func TestScheduler_LinearPipelineAdvancesToReady(t *testing.T) {
	g, err := graph.NewGraph([]graph.Metadata{
		{Name: "a", MaxAttempts: 1, Trigger: graph.Always()},
		{Name: "b", Dependencies: []string{"a"}, MaxAttempts: 1, Trigger: graph.Always()},
	})
	require.NoError(t, err)

	sched, st := newSched(t, g)
	pipelineID := seedPipeline(t, st, g)

	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a := taskByName(t, st, pipelineID, "a")
	require.Equal(t, store.TaskReady, a.Status)
	b := taskByName(t, st, pipelineID, "b")
	require.Equal(t, store.TaskNotStarted, b.Status)
}

func TestScheduler_DiamondWithFalseTriggerSkips(t *testing.T) {
	g, err := graph.NewGraph([]graph.Metadata{
		{Name: "a", MaxAttempts: 1, Trigger: graph.Always()},
		{Name: "b", Dependencies: []string{"a"}, MaxAttempts: 1,
			Trigger: graph.ContextValueRule("proceed", graph.OpEq, true)},
	})
	require.NoError(t, err)

	sched, st := newSched(t, g)
	pipelineID := seedPipeline(t, st, g)

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, "a", claimed.TaskName)
	require.NoError(t, st.CompleteTask(context.Background(), claimed.ID, []byte(`{"proceed":false}`)))

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	b := taskByName(t, st, pipelineID, "b")
	require.Equal(t, store.TaskSkipped, b.Status)

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)
	p, err := st.GetPipeline(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Equal(t, store.PipelineCompleted, p.Status)
}

func TestScheduler_RetryRequeuedAfterBackoffWindow(t *testing.T) {
	g, err := graph.NewGraph([]graph.Metadata{
		{Name: "flaky", MaxAttempts: 3, Trigger: graph.Always()},
	})
	require.NoError(t, err)

	sched, st := newSched(t, g)
	pipelineID := seedPipeline(t, st, g)

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)
	past := time.Now().Add(-time.Millisecond)
	require.NoError(t, st.FailTask(context.Background(), claimed.ID, "boom", &past, false))

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	flaky := taskByName(t, st, pipelineID, "flaky")
	require.Equal(t, store.TaskReady, flaky.Status)
}

func TestScheduler_ExhaustedRetryFailsPipeline(t *testing.T) {
	g, err := graph.NewGraph([]graph.Metadata{
		{Name: "doomed", MaxAttempts: 1, Trigger: graph.Always()},
	})
	require.NoError(t, err)

	sched, st := newSched(t, g)
	pipelineID := seedPipeline(t, st, g)

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)
	require.NoError(t, st.FailTask(context.Background(), claimed.ID, "fatal", nil, true))

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	p, err := st.GetPipeline(context.Background(), pipelineID)
	require.NoError(t, err)
	require.Equal(t, store.PipelineFailed, p.Status)
}

func TestScheduler_OnFailureRuleRunsCleanupAfterSiblingFailure(t *testing.T) {
	g, err := graph.NewGraph([]graph.Metadata{
		{Name: "risky", MaxAttempts: 1, Trigger: graph.Always()},
		{Name: "cleanup", Dependencies: []string{"risky"}, MaxAttempts: 1, Trigger: graph.OnFailure("risky")},
	})
	require.NoError(t, err)

	sched, st := newSched(t, g)
	pipelineID := seedPipeline(t, st, g)

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	claimed, err := st.ClaimOutboxTask(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, "risky", claimed.TaskName)
	require.NoError(t, st.FailTask(context.Background(), claimed.ID, "fatal", nil, true))

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	cleanup := taskByName(t, st, pipelineID, "cleanup")
	require.Equal(t, store.TaskReady, cleanup.Status)
}
