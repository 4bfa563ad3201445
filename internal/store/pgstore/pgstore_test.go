package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestClaimOutboxTask_EmptyOutboxReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM task_outbox`).WillReturnRows(sqlmock.NewRows([]string{"id", "task_execution_id"}))
	mock.ExpectRollback()

	s := New(db)
	task, err := s.ClaimOutboxTask(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Nil(t, task)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOutboxTask_ClaimsAndTransitionsTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outboxID := uuid.New()
	taskID := uuid.New()
	pipelineID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM task_outbox`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_execution_id"}).AddRow(outboxID.String(), taskID.String()))
	mock.ExpectQuery(`UPDATE task_executions`).
		WithArgs(taskID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "pipeline_execution_id", "task_name", "status", "sub_status", "attempt", "max_attempts", "input_context",
			"started_at", "completed_at", "retry_at", "last_error", "recovery_attempts", "last_recovery_at", "updated_at",
		}).AddRow(taskID.String(), pipelineID.String(), "fetch", "Running", "Active", 1, 3, []byte(`{}`),
			time.Now(), nil, nil, "", 0, nil, time.Now()))
	mock.ExpectCommit()

	s := New(db)
	task, err := s.ClaimOutboxTask(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, taskID, task.ID)
	require.Equal(t, "fetch", task.TaskName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPipelines_UsesForUpdateSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	pipelineID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(30*time.Second, 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_name", "workflow_version", "status", "input_context", "started_at",
			"completed_at", "recovery_attempts", "last_recovery_at", "last_scheduled_at", "last_scheduled_by",
		}).AddRow(pipelineID.String(), "ingest", "v1", "Running", []byte(`{}`), time.Now(),
			nil, 0, nil, nil, ""))
	mock.ExpectExec(`UPDATE pipeline_executions SET last_scheduled_at`).
		WithArgs(pipelineID, sqlmock.AnyArg(), "scheduler-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := New(db)
	claimed, err := s.ClaimPipelines(context.Background(), "scheduler-1", 30*time.Second, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "scheduler-1", claimed[0].LastScheduledBy)
	require.NoError(t, mock.ExpectationsWereMet())
}
