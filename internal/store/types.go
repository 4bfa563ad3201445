// Package store defines the backend-neutral persistence contract for
// Cloacina's six entities: pipeline executions, task executions, contexts,
// task execution metadata, the task outbox, and the execution/recovery
// event logs. The scheduler, dispatcher, and recovery manager are written
// entirely against the Store interface; internal/store/pgstore and
// internal/store/memstore are the two implementations.
package store

import (
	"time"

	"github.com/google/uuid"
)

// PipelineStatus is the lifecycle status of a pipeline execution.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "Pending"
	PipelineRunning   PipelineStatus = "Running"
	PipelineCompleted PipelineStatus = "Completed"
	PipelineFailed    PipelineStatus = "Failed"
	PipelineCancelled PipelineStatus = "Cancelled"
)

// TaskStatus is the lifecycle status of a task execution.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "NotStarted"
	TaskReady      TaskStatus = "Ready"
	TaskRunning    TaskStatus = "Running"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
	TaskSkipped    TaskStatus = "Skipped"
)

// SubStatus is only meaningful when the owning task's status is Running.
type SubStatus string

const (
	SubStatusNone     SubStatus = ""
	SubStatusActive   SubStatus = "Active"
	SubStatusDeferred SubStatus = "Deferred"
)

// PipelineExecution is one row per workflow invocation.
type PipelineExecution struct {
	ID               uuid.UUID
	WorkflowName     string
	WorkflowVersion  string
	Status           PipelineStatus
	InputContext     []byte
	StartedAt        time.Time
	CompletedAt      *time.Time
	RecoveryAttempts int
	LastRecoveryAt   *time.Time
	LastScheduledAt  *time.Time
	LastScheduledBy  string
}

// TaskExecution is one row per (pipeline, task) planned.
type TaskExecution struct {
	ID                   uuid.UUID
	PipelineExecutionID  uuid.UUID
	TaskName             string
	Status               TaskStatus
	SubStatus            SubStatus
	Attempt              int
	MaxAttempts          int
	// InputContext is the merged predecessor context written when the task
	// most recently transitioned to Ready; the dispatcher reads it back when
	// it claims the task from the outbox.
	InputContext         []byte
	StartedAt            *time.Time
	CompletedAt          *time.Time
	RetryAt              *time.Time
	LastError            string
	RecoveryAttempts     int
	LastRecoveryAt       *time.Time
	UpdatedAt            time.Time
}

// Context is an immutable JSON payload produced by a completed task.
type Context struct {
	ID        uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

// TaskExecutionMetadata links a task execution to the context it produced.
type TaskExecutionMetadata struct {
	PipelineExecutionID uuid.UUID
	TaskName            string
	TaskExecutionID     uuid.UUID
	ContextID           uuid.UUID
}

// OutboxRow is a transient work-queue entry coupling a Ready transition to
// dispatcher pickup.
type OutboxRow struct {
	ID              uuid.UUID
	TaskExecutionID uuid.UUID
	CreatedAt       time.Time
}

// EventType enumerates the kinds of execution events appended to the
// append-only audit log.
type EventType string

const (
	EventTaskReady     EventType = "TaskReady"
	EventTaskSkipped   EventType = "TaskSkipped"
	EventTaskRunning   EventType = "TaskRunning"
	EventTaskCompleted EventType = "TaskCompleted"
	EventTaskFailed    EventType = "TaskFailed"
	EventPipelineDone  EventType = "PipelineTerminal"
)

// ExecutionEvent is an append-only audit row.
type ExecutionEvent struct {
	Sequence            int64
	PipelineExecutionID uuid.UUID
	TaskExecutionID     *uuid.UUID
	EventType           EventType
	EventData           []byte
	WorkerID            string
	CreatedAt           time.Time
}

// RecoveryType enumerates recovery audit actions.
type RecoveryType string

const (
	RecoveryTaskReset     RecoveryType = "task_reset"
	RecoveryTaskAbandoned RecoveryType = "task_abandoned"
	RecoveryPipelineFixed RecoveryType = "pipeline_recovered"
	RecoveryPipelineFailed RecoveryType = "pipeline_failed"
)

// RecoveryEvent is an audit row describing one recovery action.
type RecoveryEvent struct {
	ID                  uuid.UUID
	PipelineExecutionID uuid.UUID
	TaskExecutionID     *uuid.UUID
	RecoveryType        RecoveryType
	Details             string
	RecoveredAt         time.Time
}
