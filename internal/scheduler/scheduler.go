// Package scheduler drives pipeline executions through their state machine:
// it claims pipelines under multi-instance contention, evaluates task
// readiness against the workflow graph and trigger rules, and advances
// pipelines toward a terminal status.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/cloaerr"
	"github.com/cloacina/cloacina/internal/contextstore"
	"github.com/cloacina/cloacina/internal/graph"
	"github.com/cloacina/cloacina/internal/store"
)

// Registry resolves a workflow name to its validated graph. It is a
// process-local, read-mostly collaborator populated by Register calls on
// the public facade.
type Registry interface {
	Lookup(workflowName string) (*graph.Graph, bool)
}

// Config holds the scheduler's tunables. The runner builds it with a fixed
// StaleAfter of 1s and ClaimLimit of 50; only SchedulerID comes from its
// configuration.
type Config struct {
	SchedulerID string
	StaleAfter  time.Duration
	ClaimLimit  int
}

func DefaultConfig(schedulerID string) Config {
	return Config{
		SchedulerID: schedulerID,
		StaleAfter:  1 * time.Second,
		ClaimLimit:  50,
	}
}

type Scheduler struct {
	store    store.Store
	registry Registry
	cfg      Config
	log      *zap.Logger
}

func New(st store.Store, reg Registry, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{store: st, registry: reg, cfg: cfg, log: log}
}

// RunOnce claims a batch of due pipelines and ticks each one. It returns the
// number of pipelines processed. Transient store errors abort the
// offending pipeline's tick only; the pipeline remains claimed-stale and is
// retried on the next call once staleness elapses.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	claimed, err := s.store.ClaimPipelines(ctx, s.cfg.SchedulerID, s.cfg.StaleAfter, s.cfg.ClaimLimit)
	if err != nil {
		return 0, fmt.Errorf("scheduler: claim pipelines: %w", err)
	}
	for _, p := range claimed {
		if err := s.tick(ctx, p); err != nil {
			s.log.Warn("pipeline tick failed, will retry after staleness window",
				zap.String("pipeline_id", p.ID.String()), zap.Error(err))
		}
	}
	return len(claimed), nil
}

func (s *Scheduler) tick(ctx context.Context, p store.PipelineExecution) error {
	g, ok := s.registry.Lookup(p.WorkflowName)
	if !ok {
		return fmt.Errorf("%w: workflow %q not registered", cloaerr.ErrValidation, p.WorkflowName)
	}

	tasks, err := s.store.GetTaskExecutions(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("scheduler: load tasks: %w", err)
	}
	byName := make(map[string]store.TaskExecution, len(tasks))
	for _, t := range tasks {
		byName[t.TaskName] = t
	}

	now := time.Now()
	for _, name := range g.TopologicalOrder() {
		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: task %q missing execution row for pipeline %s", cloaerr.ErrInconsistent, name, p.ID)
		}

		switch t.Status {
		case store.TaskNotStarted:
			if err := s.evaluateReadiness(ctx, g, p, t, byName); err != nil {
				return err
			}
		case store.TaskFailed:
			// Failed->Ready is I1's only retry edge: a Failed task with
			// attempts remaining becomes Ready once its backoff window
			// elapses, not NotStarted.
			if t.Attempt >= t.MaxAttempts {
				continue
			}
			if t.RetryAt == nil || t.RetryAt.After(now) {
				continue
			}
			if err := s.retryFailedTask(ctx, p, t); err != nil {
				return err
			}
		}
	}

	return s.finalize(ctx, p, g, byName)
}

// retryFailedTask re-readies a Failed task for its next attempt, reusing the
// input context from its prior attempt: its dependencies were already
// satisfied and its trigger rule already evaluated true the first time it
// became Ready, so a retry doesn't re-run either check.
func (s *Scheduler) retryFailedTask(ctx context.Context, p store.PipelineExecution, t store.TaskExecution) error {
	if err := s.store.MarkTaskReady(ctx, t.ID, t.InputContext); err != nil {
		return fmt.Errorf("scheduler: mark ready for retry: %w", err)
	}
	return s.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: p.ID,
		TaskExecutionID:     &t.ID,
		EventType:           store.EventTaskReady,
		EventData:           []byte(fmt.Sprintf(`{"attempt":%d,"retry":true}`, t.Attempt+1)),
	})
}

// evaluateReadiness implements I3: once every dependency is terminal
// (Completed, Skipped, or Failed with no attempts remaining), a NotStarted
// task becomes Ready if its trigger rule evaluates true against the
// dependency outcomes and the merged predecessor context, and Skipped if it
// evaluates false.
func (s *Scheduler) evaluateReadiness(ctx context.Context, g *graph.Graph, p store.PipelineExecution, t store.TaskExecution, byName map[string]store.TaskExecution) error {
	deps := g.Dependencies(t.TaskName)
	outcomes := make(map[string]graph.DepOutcome, len(deps))
	for _, dep := range deps {
		dt, ok := byName[dep]
		if !ok {
			return fmt.Errorf("%w: unknown predecessor %q for task %q", cloaerr.ErrInconsistent, dep, t.TaskName)
		}
		switch dt.Status {
		case store.TaskCompleted:
			outcomes[dep] = graph.DepCompleted
		case store.TaskSkipped:
			outcomes[dep] = graph.DepSkipped
		case store.TaskFailed:
			if dt.Attempt < dt.MaxAttempts {
				return nil // retries remain: not yet terminal
			}
			outcomes[dep] = graph.DepFailed
		default:
			return nil // dependency not yet terminal
		}
	}

	mergedCtx, err := s.mergePredecessorContext(ctx, g, p.ID, deps)
	if err != nil {
		return err
	}

	node, ok := g.Node(t.TaskName)
	if !ok {
		return fmt.Errorf("%w: task %q not found in graph", cloaerr.ErrInconsistent, t.TaskName)
	}

	if !graph.Evaluate(node.Metadata.Trigger, outcomes, mergedCtx) {
		if err := s.store.MarkTaskSkipped(ctx, t.ID, "trigger rule evaluated false"); err != nil {
			return fmt.Errorf("scheduler: mark skipped: %w", err)
		}
		return s.store.AppendEvent(ctx, store.ExecutionEvent{
			PipelineExecutionID: p.ID,
			TaskExecutionID:     &t.ID,
			EventType:           store.EventTaskSkipped,
			EventData:           []byte(`{"reason":"trigger_rule_false"}`),
		})
	}

	if err := s.store.MarkTaskReady(ctx, t.ID, mergedCtx); err != nil {
		return fmt.Errorf("scheduler: mark ready: %w", err)
	}
	return s.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: p.ID,
		TaskExecutionID:     &t.ID,
		EventType:           store.EventTaskReady,
		EventData:           []byte(fmt.Sprintf(`{"attempt":%d}`, t.Attempt+1)),
	})
}

// mergePredecessorContext merges dependency outputs in fixed topological
// order of the dependency names (by graph depth, ties broken
// lexicographically), per the "later predecessor wins" rule.
func (s *Scheduler) mergePredecessorContext(ctx context.Context, g *graph.Graph, pipelineID uuid.UUID, deps []string) ([]byte, error) {
	ordered := append([]string(nil), deps...)
	sort.Slice(ordered, func(i, j int) bool {
		di, _ := g.Depth(ordered[i])
		dj, _ := g.Depth(ordered[j])
		if di != dj {
			return di < dj
		}
		return ordered[i] < ordered[j]
	})

	contexts := make([][]byte, 0, len(ordered))
	for _, dep := range ordered {
		c, ok, err := s.store.GetPredecessorContext(ctx, pipelineID, dep)
		if err != nil {
			return nil, fmt.Errorf("scheduler: get predecessor context: %w", err)
		}
		if ok {
			contexts = append(contexts, c)
		}
	}
	merged, err := contextstore.Merge(contexts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: merge context: %w", err)
	}
	return merged, nil
}

// finalize implements I5: Completed iff every task is Completed or Skipped;
// Failed iff at least one task is Failed with exhausted retries and no
// sibling can still proceed; otherwise the pipeline stays Running/Pending.
func (s *Scheduler) finalize(ctx context.Context, p store.PipelineExecution, g *graph.Graph, byName map[string]store.TaskExecution) error {
	allDone := true
	anyFailedExhausted := false
	anyPending := false

	for _, name := range g.TopologicalOrder() {
		t := byName[name]
		switch t.Status {
		case store.TaskCompleted, store.TaskSkipped:
		case store.TaskFailed:
			if t.Attempt >= t.MaxAttempts {
				anyFailedExhausted = true
			} else {
				anyPending = true
			}
			allDone = false
		default:
			allDone = false
			anyPending = true
		}
	}

	var newStatus store.PipelineStatus
	switch {
	case allDone:
		newStatus = store.PipelineCompleted
	case anyFailedExhausted && !anyPending:
		newStatus = store.PipelineFailed
	default:
		newStatus = store.PipelineRunning
	}

	if newStatus == p.Status {
		return nil
	}

	var completedAt *time.Time
	if newStatus == store.PipelineCompleted || newStatus == store.PipelineFailed {
		now := time.Now()
		completedAt = &now
	}
	if err := s.store.UpdatePipelineStatus(ctx, p.ID, newStatus, completedAt); err != nil {
		return fmt.Errorf("scheduler: finalize: %w", err)
	}
	if completedAt != nil {
		return s.store.AppendEvent(ctx, store.ExecutionEvent{
			PipelineExecutionID: p.ID,
			EventType:           store.EventPipelineDone,
			EventData:           []byte(fmt.Sprintf(`{"status":%q}`, newStatus)),
		})
	}
	return nil
}
