// Package cloacina is the public embedding surface: applications call
// Init once at startup, Register their workflows and task implementations,
// then drive pipelines through Submit/Status/Context/Cancel. Run starts the
// scheduler/dispatcher/recovery loops in the current goroutine.
package cloacina

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/cloaerr"
	"github.com/cloacina/cloacina/internal/contextstore"
	"github.com/cloacina/cloacina/internal/dispatcher"
	"github.com/cloacina/cloacina/internal/graph"
	"github.com/cloacina/cloacina/internal/runner"
	"github.com/cloacina/cloacina/internal/store"
	"github.com/cloacina/cloacina/pkg/task"
)

// PipelineStatus mirrors store.PipelineStatus at the public boundary so
// embedders never need to import internal/store.
type PipelineStatus string

const (
	StatusPending   PipelineStatus = PipelineStatus(store.PipelinePending)
	StatusRunning   PipelineStatus = PipelineStatus(store.PipelineRunning)
	StatusCompleted PipelineStatus = PipelineStatus(store.PipelineCompleted)
	StatusFailed    PipelineStatus = PipelineStatus(store.PipelineFailed)
	StatusCancelled PipelineStatus = PipelineStatus(store.PipelineCancelled)
)

// TaskSummary is one task's status within a pipeline, as returned by
// Describe.
type TaskSummary struct {
	TaskName    string
	Status      TaskStatus
	Attempt     int
	MaxAttempts int
	LastError   string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskStatus mirrors store.TaskStatus at the public boundary.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = TaskStatus(store.TaskNotStarted)
	TaskReady      TaskStatus = TaskStatus(store.TaskReady)
	TaskRunning    TaskStatus = TaskStatus(store.TaskRunning)
	TaskCompleted  TaskStatus = TaskStatus(store.TaskCompleted)
	TaskFailed     TaskStatus = TaskStatus(store.TaskFailed)
	TaskSkipped    TaskStatus = TaskStatus(store.TaskSkipped)
)

// PipelineDetail is the full query result the embedding application sees:
// the pipeline's own status plus every task's status, last error, and
// timestamps.
type PipelineDetail struct {
	PipelineID  uuid.UUID
	Status      PipelineStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Tasks       []TaskSummary
}

// Engine is the embeddable entry point. Construct one with New and keep it
// for the process lifetime; Init/the package-level functions operate
// against a process-wide default Engine for callers who only ever run one.
type Engine struct {
	store store.Store
	log   *zap.Logger

	mu        sync.RWMutex
	workflows map[string]*graph.Graph

	tasks  *dispatcher.TaskRegistry
	runner *runner.Runner
}

// New constructs an Engine against st, wiring its runner harness but not
// starting it — call Run to start the scheduler/dispatcher/recovery loops.
func New(st store.Store, cfg runner.RunnerConfig, log *zap.Logger) *Engine {
	e := &Engine{
		store:     st,
		log:       log,
		workflows: make(map[string]*graph.Graph),
		tasks:     dispatcher.NewTaskRegistry(),
	}
	e.runner = runner.New(cfg, st, e, e.tasks, log)
	return e
}

// Lookup implements scheduler.Registry so the Engine itself can be handed
// to the runner as its workflow source of truth.
func (e *Engine) Lookup(workflowName string) (*graph.Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.workflows[workflowName]
	return g, ok
}

// Run blocks until ctx is cancelled, draining in-flight task bodies on the
// way out. See internal/runner.Runner.Run for the graceful-shutdown contract.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Register binds a validated workflow graph and registers the task
// implementations it references. The workflow name is the shared
// "namespace" prefix of every task's fully-qualified "namespace::task"
// name (§3 of the original spec); every node in g must share one.
// Re-registering a name already bound to a different graph fingerprint is
// rejected: in-flight pipelines pinned to the prior WorkflowVersion must
// keep resolving against it.
func (e *Engine) Register(g *graph.Graph, tasks map[string]task.Task) error {
	name, err := workflowNamespace(g)
	if err != nil {
		return err
	}
	for _, n := range g.Nodes() {
		if _, ok := tasks[n.Metadata.Name]; !ok {
			return fmt.Errorf("%w: no task implementation supplied for %q", cloaerr.ErrValidation, n.Metadata.Name)
		}
	}

	e.mu.Lock()
	if existing, ok := e.workflows[name]; ok && existing.Hash() != g.Hash() {
		e.mu.Unlock()
		return fmt.Errorf("%w: workflow %q already registered with a different fingerprint", cloaerr.ErrValidation, name)
	}
	e.workflows[name] = g
	e.mu.Unlock()

	for _, impl := range tasks {
		e.tasks.Register(impl)
	}
	return nil
}

// workflowNamespace extracts the common "namespace" prefix every task
// name in g must share, e.g. "orders" for "orders::validate".
func workflowNamespace(g *graph.Graph) (string, error) {
	nodes := g.Nodes()
	if len(nodes) == 0 {
		return "", fmt.Errorf("%w: workflow graph has no tasks", cloaerr.ErrValidation)
	}
	namespace := ""
	for _, n := range nodes {
		ns, _, ok := splitTaskName(n.Metadata.Name)
		if !ok {
			return "", fmt.Errorf("%w: task name %q is not namespace::task qualified", cloaerr.ErrValidation, n.Metadata.Name)
		}
		if namespace == "" {
			namespace = ns
			continue
		}
		if ns != namespace {
			return "", fmt.Errorf("%w: task %q does not share workflow namespace %q", cloaerr.ErrValidation, n.Metadata.Name, namespace)
		}
	}
	return namespace, nil
}

func splitTaskName(name string) (namespace, task string, ok bool) {
	idx := strings.Index(name, "::")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}

// Submit creates a new pipeline execution for workflowName with input as
// its root context, plans one task execution row per graph node, and
// leaves every task NotStarted for the scheduler to pick up on its next
// tick.
func (e *Engine) Submit(ctx context.Context, workflowName string, input map[string]any) (uuid.UUID, error) {
	g, ok := e.Lookup(workflowName)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: workflow %q not registered", cloaerr.ErrValidation, workflowName)
	}

	inputCtx, err := contextstore.Encode(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("cloacina: encode input context: %w", err)
	}

	pipelineID := uuid.New()
	nodes := g.Nodes()
	taskRows := make([]store.TaskExecution, 0, len(nodes))
	for _, n := range nodes {
		taskRows = append(taskRows, store.TaskExecution{
			ID:                  uuid.New(),
			PipelineExecutionID: pipelineID,
			TaskName:            n.Metadata.Name,
			Status:              store.TaskNotStarted,
			MaxAttempts:         n.Metadata.MaxAttempts,
		})
	}

	p := store.PipelineExecution{
		ID:              pipelineID,
		WorkflowName:    workflowName,
		WorkflowVersion: string(g.Hash()),
		Status:          store.PipelinePending,
		InputContext:    inputCtx,
		StartedAt:       time.Now(),
	}

	if err := e.store.CreatePipeline(ctx, p, taskRows); err != nil {
		return uuid.Nil, fmt.Errorf("cloacina: create pipeline: %w", err)
	}
	return pipelineID, nil
}

// Status returns the current lifecycle status of a pipeline execution.
func (e *Engine) Status(ctx context.Context, pipelineID uuid.UUID) (PipelineStatus, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return "", fmt.Errorf("cloacina: get pipeline: %w", err)
	}
	return PipelineStatus(p.Status), nil
}

// Describe returns the pipeline's status together with every task's
// status, last error, and timestamps.
func (e *Engine) Describe(ctx context.Context, pipelineID uuid.UUID) (PipelineDetail, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return PipelineDetail{}, fmt.Errorf("cloacina: get pipeline: %w", err)
	}
	tasks, err := e.store.GetTaskExecutions(ctx, pipelineID)
	if err != nil {
		return PipelineDetail{}, fmt.Errorf("cloacina: get task executions: %w", err)
	}

	summaries := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, TaskSummary{
			TaskName:    t.TaskName,
			Status:      TaskStatus(t.Status),
			Attempt:     t.Attempt,
			MaxAttempts: t.MaxAttempts,
			LastError:   t.LastError,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
		})
	}

	return PipelineDetail{
		PipelineID:  pipelineID,
		Status:      PipelineStatus(p.Status),
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		Tasks:       summaries,
	}, nil
}

// Context returns the output context a named task within pipelineID
// produced. ok is false if that task has not completed.
func (e *Engine) Context(ctx context.Context, pipelineID uuid.UUID, taskName string) (map[string]any, bool, error) {
	raw, ok, err := e.store.GetPredecessorContext(ctx, pipelineID, taskName)
	if err != nil {
		return nil, false, fmt.Errorf("cloacina: get task context: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	decoded, err := contextstore.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("cloacina: decode task context: %w", err)
	}
	return decoded, true, nil
}

// Cancel transitions a pipeline to Cancelled and marks its NotStarted and
// Ready tasks Skipped. Already-Running task bodies are not signalled or
// interrupted and run until they return; the pipeline's terminal status is
// Cancelled regardless of how they return.
func (e *Engine) Cancel(ctx context.Context, pipelineID uuid.UUID) error {
	if err := e.store.CancelPipeline(ctx, pipelineID); err != nil {
		return fmt.Errorf("cloacina: cancel pipeline: %w", err)
	}
	return nil
}

// --- process-wide default, for embedders that only ever run one Engine ---

var (
	defaultMu     sync.RWMutex
	defaultEngine *Engine
)

// Init installs e as the process-wide default Engine used by the
// package-level Submit/Status/Context/Cancel/Register functions.
func Init(e *Engine) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultEngine = e
}

func mustDefault() *Engine {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultEngine == nil {
		panic("cloacina: Init must be called before using the package-level API")
	}
	return defaultEngine
}

func Submit(ctx context.Context, workflowName string, input map[string]any) (uuid.UUID, error) {
	return mustDefault().Submit(ctx, workflowName, input)
}

func Status(ctx context.Context, pipelineID uuid.UUID) (PipelineStatus, error) {
	return mustDefault().Status(ctx, pipelineID)
}

func Describe(ctx context.Context, pipelineID uuid.UUID) (PipelineDetail, error) {
	return mustDefault().Describe(ctx, pipelineID)
}

func Context(ctx context.Context, pipelineID uuid.UUID, taskName string) (map[string]any, bool, error) {
	return mustDefault().Context(ctx, pipelineID, taskName)
}

func Cancel(ctx context.Context, pipelineID uuid.UUID) error {
	return mustDefault().Cancel(ctx, pipelineID)
}

// Register binds a workflow graph and its task implementations against the
// process-wide default Engine.
func Register(g *graph.Graph, tasks map[string]task.Task) error {
	return mustDefault().Register(g, tasks)
}
