package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the backend-neutral persistence contract shared by the scheduler,
// dispatcher, and recovery manager. Every mutating method is expected to be
// implemented as a single transaction so that a crash between the read and
// the write never leaves a task execution in an inconsistent state.
//
// Claim methods (ClaimPipelines, ClaimOutboxTask) must use SELECT ... FOR
// UPDATE SKIP LOCKED semantics in SQL-backed implementations so that
// multiple scheduler or dispatcher processes can run concurrently against
// the same table without an external coordinator.
type Store interface {
	CreatePipeline(ctx context.Context, p PipelineExecution, tasks []TaskExecution) error
	GetPipeline(ctx context.Context, id uuid.UUID) (PipelineExecution, error)
	GetTaskExecutions(ctx context.Context, pipelineID uuid.UUID) ([]TaskExecution, error)

	// ClaimPipelines locks up to limit pipelines that are Pending or Running
	// and have not been scheduled within staleAfter, stamping them with
	// schedulerID and the current time so other schedulers skip them.
	ClaimPipelines(ctx context.Context, schedulerID string, staleAfter time.Duration, limit int) ([]PipelineExecution, error)
	UpdatePipelineStatus(ctx context.Context, id uuid.UUID, status PipelineStatus, completedAt *time.Time) error
	CancelPipeline(ctx context.Context, id uuid.UUID) error

	// MarkTaskReady transitions a task to Ready, attaches its merged input
	// context, and inserts the matching outbox row in the same transaction.
	MarkTaskReady(ctx context.Context, taskExecutionID uuid.UUID, inputContext []byte) error
	MarkTaskSkipped(ctx context.Context, taskExecutionID uuid.UUID, reason string) error

	// ClaimOutboxTask locks and deletes the oldest outbox row no worker has
	// claimed, returning the task execution it refers to with Status set to
	// Running and SubStatus set to Active. Returns (nil, nil) when the
	// outbox is empty.
	ClaimOutboxTask(ctx context.Context, workerID string) (*TaskExecution, error)
	SetTaskSubStatus(ctx context.Context, taskExecutionID uuid.UUID, subStatus SubStatus) error
	CompleteTask(ctx context.Context, taskExecutionID uuid.UUID, outputContext []byte) error
	FailTask(ctx context.Context, taskExecutionID uuid.UUID, errMsg string, retryAt *time.Time, terminal bool) error

	// GetPredecessorContext returns the output context a named predecessor
	// task produced within the given pipeline. ok is false if that
	// predecessor has not completed (e.g. it was skipped).
	GetPredecessorContext(ctx context.Context, pipelineID uuid.UUID, taskName string) ([]byte, bool, error)

	FindOrphanTasks(ctx context.Context, olderThan time.Time, limit int) ([]TaskExecution, error)
	ResetOrphanTask(ctx context.Context, taskExecutionID uuid.UUID) error
	AbandonTask(ctx context.Context, taskExecutionID uuid.UUID, reason string) error
	FindStuckPipelines(ctx context.Context, olderThan time.Time, limit int) ([]PipelineExecution, error)
	RecordRecoveryEvent(ctx context.Context, ev RecoveryEvent) error

	AppendEvent(ctx context.Context, ev ExecutionEvent) error
	ListEvents(ctx context.Context, pipelineID uuid.UUID) ([]ExecutionEvent, error)
}
