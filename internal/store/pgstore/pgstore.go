// Package pgstore is the PostgreSQL-backed store.Store. It uses
// database/sql with the pgx/v5 stdlib driver so it composes with
// go-sqlmock in tests, and relies on SELECT ... FOR UPDATE SKIP LOCKED to
// let multiple scheduler or dispatcher processes claim work from the same
// tables without an external coordinator.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cloacina/cloacina/internal/cloaerr"
	"github.com/cloacina/cloacina/internal/store"
)

type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL via the pgx stdlib driver. dsn is a standard
// "postgres://" connection string.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, used by tests that inject a
// go-sqlmock connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreatePipeline(ctx context.Context, p store.PipelineExecution, tasks []store.TaskExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_executions
			(id, workflow_name, workflow_version, status, input_context, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.WorkflowName, p.WorkflowVersion, p.Status, p.InputContext, p.StartedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert pipeline: %w", err)
	}

	for _, t := range tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_executions
				(id, pipeline_execution_id, task_name, status, sub_status, attempt, max_attempts, input_context, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, t.ID, t.PipelineExecutionID, t.TaskName, t.Status, t.SubStatus, t.Attempt, t.MaxAttempts, []byte(`{}`), time.Now())
		if err != nil {
			return fmt.Errorf("pgstore: insert task %s: %w", t.TaskName, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetPipeline(ctx context.Context, id uuid.UUID) (store.PipelineExecution, error) {
	var p store.PipelineExecution
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, workflow_version, status, input_context, started_at,
		       completed_at, recovery_attempts, last_recovery_at, last_scheduled_at, last_scheduled_by
		FROM pipeline_executions WHERE id = $1
	`, id).Scan(&p.ID, &p.WorkflowName, &p.WorkflowVersion, &p.Status, &p.InputContext, &p.StartedAt,
		&p.CompletedAt, &p.RecoveryAttempts, &p.LastRecoveryAt, &p.LastScheduledAt, &p.LastScheduledBy)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PipelineExecution{}, fmt.Errorf("%w: pipeline %s not found", cloaerr.ErrValidation, id)
	}
	if err != nil {
		return store.PipelineExecution{}, fmt.Errorf("pgstore: get pipeline: %w", err)
	}
	return p, nil
}

func (s *Store) GetTaskExecutions(ctx context.Context, pipelineID uuid.UUID) ([]store.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_execution_id, task_name, status, sub_status, attempt, max_attempts, input_context,
		       started_at, completed_at, retry_at, last_error, recovery_attempts, last_recovery_at, updated_at
		FROM task_executions WHERE pipeline_execution_id = $1 ORDER BY task_name
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list tasks: %w", err)
	}
	defer rows.Close()

	var out []store.TaskExecution
	for rows.Next() {
		var t store.TaskExecution
		if err := rows.Scan(&t.ID, &t.PipelineExecutionID, &t.TaskName, &t.Status, &t.SubStatus,
			&t.Attempt, &t.MaxAttempts, &t.InputContext, &t.StartedAt, &t.CompletedAt, &t.RetryAt, &t.LastError,
			&t.RecoveryAttempts, &t.LastRecoveryAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimPipelines locks up to limit due pipelines with FOR UPDATE SKIP LOCKED
// so concurrent scheduler instances never pick up the same pipeline.
func (s *Store) ClaimPipelines(ctx context.Context, schedulerID string, staleAfter time.Duration, limit int) ([]store.PipelineExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, workflow_name, workflow_version, status, input_context, started_at,
		       completed_at, recovery_attempts, last_recovery_at, last_scheduled_at, last_scheduled_by
		FROM pipeline_executions
		WHERE status IN ('Pending', 'Running')
		  AND (last_scheduled_at IS NULL OR last_scheduled_at < NOW() - $1::interval)
		ORDER BY started_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, staleAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim select: %w", err)
	}

	var claimed []store.PipelineExecution
	for rows.Next() {
		var p store.PipelineExecution
		if err := rows.Scan(&p.ID, &p.WorkflowName, &p.WorkflowVersion, &p.Status, &p.InputContext, &p.StartedAt,
			&p.CompletedAt, &p.RecoveryAttempts, &p.LastRecoveryAt, &p.LastScheduledAt, &p.LastScheduledBy); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgstore: claim scan: %w", err)
		}
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now()
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions SET last_scheduled_at = $2, last_scheduled_by = $3 WHERE id = $1
		`, claimed[i].ID, now, schedulerID); err != nil {
			return nil, fmt.Errorf("pgstore: claim stamp: %w", err)
		}
		claimed[i].LastScheduledAt = &now
		claimed[i].LastScheduledBy = schedulerID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgstore: claim commit: %w", err)
	}
	return claimed, nil
}

func (s *Store) UpdatePipelineStatus(ctx context.Context, id uuid.UUID, status store.PipelineStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_executions SET status = $2, completed_at = COALESCE($3, completed_at) WHERE id = $1
	`, id, status, completedAt)
	if err != nil {
		return fmt.Errorf("pgstore: update pipeline status: %w", err)
	}
	return nil
}

func (s *Store) CancelPipeline(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE pipeline_executions SET status = 'Cancelled', completed_at = $2 WHERE id = $1
	`, id, now); err != nil {
		return fmt.Errorf("pgstore: cancel pipeline: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_executions SET status = 'Skipped', updated_at = $2
		WHERE pipeline_execution_id = $1 AND status IN ('NotStarted', 'Ready')
	`, id, now); err != nil {
		return fmt.Errorf("pgstore: cancel tasks: %w", err)
	}
	return tx.Commit()
}

func (s *Store) MarkTaskReady(ctx context.Context, taskExecutionID uuid.UUID, inputContext []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_executions SET status = 'Ready', sub_status = '', input_context = $2, updated_at = $3 WHERE id = $1
	`, taskExecutionID, inputContext, time.Now()); err != nil {
		return fmt.Errorf("pgstore: mark ready: %w", err)
	}

	outboxID := uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES ($1, $2, $3)
	`, outboxID, taskExecutionID, time.Now()); err != nil {
		return fmt.Errorf("pgstore: insert outbox: %w", err)
	}

	return tx.Commit()
}

func (s *Store) MarkTaskSkipped(ctx context.Context, taskExecutionID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = 'Skipped', last_error = $2, updated_at = $3 WHERE id = $1
	`, taskExecutionID, reason, time.Now())
	if err != nil {
		return fmt.Errorf("pgstore: mark skipped: %w", err)
	}
	return nil
}

// ClaimOutboxTask pops the oldest unclaimed outbox row with SKIP LOCKED and
// transitions the referenced task execution to Running/Active in the same
// transaction.
func (s *Store) ClaimOutboxTask(ctx context.Context, workerID string) (*store.TaskExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	var outboxID, taskID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		DELETE FROM task_outbox
		WHERE id = (
			SELECT id FROM task_outbox ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_execution_id
	`).Scan(&outboxID, &taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim outbox: %w", err)
	}

	now := time.Now()
	var t store.TaskExecution
	err = tx.QueryRowContext(ctx, `
		UPDATE task_executions
		SET status = 'Running', sub_status = 'Active', attempt = attempt + 1, started_at = $2, updated_at = $2
		WHERE id = $1
		RETURNING id, pipeline_execution_id, task_name, status, sub_status, attempt, max_attempts, input_context,
		          started_at, completed_at, retry_at, last_error, recovery_attempts, last_recovery_at, updated_at
	`, taskID, now).Scan(&t.ID, &t.PipelineExecutionID, &t.TaskName, &t.Status, &t.SubStatus,
		&t.Attempt, &t.MaxAttempts, &t.InputContext, &t.StartedAt, &t.CompletedAt, &t.RetryAt, &t.LastError,
		&t.RecoveryAttempts, &t.LastRecoveryAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: outbox referenced missing task %s: %v", cloaerr.ErrInconsistent, taskID, err)
	}
	_ = workerID // worker identity is recorded by the dispatcher on the task_running event, not here

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgstore: claim commit: %w", err)
	}
	return &t, nil
}

func (s *Store) SetTaskSubStatus(ctx context.Context, taskExecutionID uuid.UUID, subStatus store.SubStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET sub_status = $2, updated_at = $3 WHERE id = $1
	`, taskExecutionID, subStatus, time.Now())
	if err != nil {
		return fmt.Errorf("pgstore: set sub status: %w", err)
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskExecutionID uuid.UUID, outputContext []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_executions SET status = 'Completed', sub_status = '', completed_at = $2, updated_at = $2 WHERE id = $1
	`, taskExecutionID, now); err != nil {
		return fmt.Errorf("pgstore: complete task: %w", err)
	}

	ctxID := uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contexts (id, payload, created_at) VALUES ($1, $2, $3)
	`, ctxID, outputContext, now); err != nil {
		return fmt.Errorf("pgstore: insert output context: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_execution_metadata (pipeline_execution_id, task_name, task_execution_id, context_id)
		SELECT pipeline_execution_id, task_name, $1, $2 FROM task_executions WHERE id = $1
	`, taskExecutionID, ctxID); err != nil {
		return fmt.Errorf("pgstore: link task metadata: %w", err)
	}

	return tx.Commit()
}

func (s *Store) FailTask(ctx context.Context, taskExecutionID uuid.UUID, errMsg string, retryAt *time.Time, terminal bool) error {
	now := time.Now()
	if terminal {
		_, err := s.db.ExecContext(ctx, `
			UPDATE task_executions
			SET status = 'Failed', sub_status = '', last_error = $2, retry_at = NULL, updated_at = $3
			WHERE id = $1
		`, taskExecutionID, errMsg, now)
		if err != nil {
			return fmt.Errorf("pgstore: fail task terminal: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status = 'Failed', sub_status = '', last_error = $2, retry_at = $3, updated_at = $4
		WHERE id = $1
	`, taskExecutionID, errMsg, retryAt, now)
	if err != nil {
		return fmt.Errorf("pgstore: fail task retry: %w", err)
	}
	return nil
}

func (s *Store) GetPredecessorContext(ctx context.Context, pipelineID uuid.UUID, taskName string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT c.payload
		FROM task_execution_metadata m
		JOIN contexts c ON c.id = m.context_id
		WHERE m.pipeline_execution_id = $1 AND m.task_name = $2
	`, pipelineID, taskName).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgstore: get predecessor context: %w", err)
	}
	return payload, true, nil
}

func (s *Store) FindOrphanTasks(ctx context.Context, olderThan time.Time, limit int) ([]store.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_execution_id, task_name, status, sub_status, attempt, max_attempts,
		       started_at, completed_at, retry_at, last_error, recovery_attempts, last_recovery_at, updated_at
		FROM task_executions
		WHERE status = 'Running' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find orphans: %w", err)
	}
	defer rows.Close()

	var out []store.TaskExecution
	for rows.Next() {
		var t store.TaskExecution
		if err := rows.Scan(&t.ID, &t.PipelineExecutionID, &t.TaskName, &t.Status, &t.SubStatus,
			&t.Attempt, &t.MaxAttempts, &t.StartedAt, &t.CompletedAt, &t.RetryAt, &t.LastError,
			&t.RecoveryAttempts, &t.LastRecoveryAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan orphan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResetOrphanTask implements I1's Running->Ready recovery edge: it reinstates
// the task as Ready and re-inserts its outbox row in one transaction, without
// incrementing Attempt (a recovery reset is not a retry).
func (s *Store) ResetOrphanTask(ctx context.Context, taskExecutionID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: reset orphan: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_executions
		SET status = 'Ready', sub_status = '', recovery_attempts = recovery_attempts + 1,
		    last_recovery_at = $2, updated_at = $2
		WHERE id = $1
	`, taskExecutionID, now); err != nil {
		return fmt.Errorf("pgstore: reset orphan: update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES ($1, $2, $3)
	`, uuid.New(), taskExecutionID, now); err != nil {
		return fmt.Errorf("pgstore: reset orphan: enqueue outbox: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AbandonTask(ctx context.Context, taskExecutionID uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = 'Failed', sub_status = '', last_error = $2, updated_at = $3 WHERE id = $1
	`, taskExecutionID, reason, time.Now())
	if err != nil {
		return fmt.Errorf("pgstore: abandon task: %w", err)
	}
	return nil
}

func (s *Store) FindStuckPipelines(ctx context.Context, olderThan time.Time, limit int) ([]store.PipelineExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_name, workflow_version, status, input_context, started_at,
		       completed_at, recovery_attempts, last_recovery_at, last_scheduled_at, last_scheduled_by
		FROM pipeline_executions
		WHERE status = 'Running' AND last_scheduled_at IS NOT NULL AND last_scheduled_at < $1
		ORDER BY last_scheduled_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find stuck pipelines: %w", err)
	}
	defer rows.Close()

	var out []store.PipelineExecution
	for rows.Next() {
		var p store.PipelineExecution
		if err := rows.Scan(&p.ID, &p.WorkflowName, &p.WorkflowVersion, &p.Status, &p.InputContext, &p.StartedAt,
			&p.CompletedAt, &p.RecoveryAttempts, &p.LastRecoveryAt, &p.LastScheduledAt, &p.LastScheduledBy); err != nil {
			return nil, fmt.Errorf("pgstore: scan stuck pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) RecordRecoveryEvent(ctx context.Context, ev store.RecoveryEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.RecoveredAt.IsZero() {
		ev.RecoveredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_events (id, pipeline_execution_id, task_execution_id, recovery_type, details, recovered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.PipelineExecutionID, ev.TaskExecutionID, ev.RecoveryType, ev.Details, ev.RecoveredAt)
	if err != nil {
		return fmt.Errorf("pgstore: record recovery event: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev store.ExecutionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_events (pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.PipelineExecutionID, ev.TaskExecutionID, ev.EventType, ev.EventData, ev.WorkerID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, pipelineID uuid.UUID) ([]store.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at
		FROM execution_events WHERE pipeline_execution_id = $1 ORDER BY sequence ASC
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list events: %w", err)
	}
	defer rows.Close()

	var out []store.ExecutionEvent
	for rows.Next() {
		var ev store.ExecutionEvent
		if err := rows.Scan(&ev.Sequence, &ev.PipelineExecutionID, &ev.TaskExecutionID, &ev.EventType,
			&ev.EventData, &ev.WorkerID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
