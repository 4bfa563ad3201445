// Package recovery periodically scans for orphaned Running tasks and stuck
// pipelines, resets them under the bounded max-recovery policy, and records
// a recovery audit trail. It implements I1's Running->Ready recovery edge
// and P8 (a task never passes through more than MaxRecovery recoveries
// before abandonment).
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/metrics"
	"github.com/cloacina/cloacina/internal/store"
)

// Config holds the recovery manager's tunables.
type Config struct {
	// OrphanAfter is T_orphan: how long a Running task may go without a
	// status change before it is considered orphaned.
	OrphanAfter time.Duration
	// MaxRecovery bounds the number of times a single task may be reset
	// before it is abandoned (marked terminally Failed).
	MaxRecovery int
	// ScanLimit caps the number of orphans/stuck pipelines processed per
	// Scan call so one pass never holds the store under heavy skew.
	ScanLimit int
}

func DefaultConfig() Config {
	return Config{
		OrphanAfter: 60 * time.Second,
		MaxRecovery: 3,
		ScanLimit:   100,
	}
}

// Manager is the orphan-recovery component. It holds no in-memory state of
// its own; every decision is made from what Scan reads from the store, so
// multiple Manager instances across processes can run the same Scan safely
// (UPDATE-based resets are idempotent under re-application).
type Manager struct {
	store   store.Store
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(st store.Store, cfg Config, log *zap.Logger) *Manager {
	return &Manager{store: st, cfg: cfg, log: log}
}

// SetMetrics wires the recovery-events counter. Nil is safe.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

func (m *Manager) observeRecovery(recoveryType store.RecoveryType) {
	if m.metrics != nil {
		m.metrics.ObserveRecovery(string(recoveryType))
	}
}

// Scan runs one orphan-task pass followed by one stuck-pipeline pass. It
// returns the number of tasks recovered or abandoned and the number of
// pipelines corrected.
func (m *Manager) Scan(ctx context.Context) (tasksHandled int, pipelinesHandled int, err error) {
	tasksHandled, err = m.scanOrphanTasks(ctx)
	if err != nil {
		return tasksHandled, 0, err
	}
	pipelinesHandled, err = m.scanStuckPipelines(ctx)
	return tasksHandled, pipelinesHandled, err
}

// Run loops Scan on T_recover until ctx is cancelled, running one eager
// scan immediately on start per the spec's trigger rule.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if _, _, err := m.Scan(ctx); err != nil {
		m.log.Warn("eager recovery scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := m.Scan(ctx); err != nil {
				m.log.Warn("recovery scan failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) scanOrphanTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.OrphanAfter)
	orphans, err := m.store.FindOrphanTasks(ctx, cutoff, m.cfg.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("recovery: find orphan tasks: %w", err)
	}

	for _, t := range orphans {
		if err := m.recoverTask(ctx, t); err != nil {
			m.log.Warn("task recovery failed, will retry next scan",
				zap.String("task_execution_id", t.ID.String()), zap.Error(err))
		}
	}
	return len(orphans), nil
}

func (m *Manager) recoverTask(ctx context.Context, t store.TaskExecution) error {
	if t.RecoveryAttempts >= m.cfg.MaxRecovery {
		return m.abandonTask(ctx, t)
	}
	return m.resetTask(ctx, t)
}

func (m *Manager) resetTask(ctx context.Context, t store.TaskExecution) error {
	if err := m.store.ResetOrphanTask(ctx, t.ID); err != nil {
		return fmt.Errorf("recovery: reset orphan task: %w", err)
	}
	m.log.Info("reset orphaned task", zap.String("task_execution_id", t.ID.String()),
		zap.String("task_name", t.TaskName), zap.Int("recovery_attempts", t.RecoveryAttempts+1))

	if err := m.store.RecordRecoveryEvent(ctx, store.RecoveryEvent{
		ID:                  uuid.New(),
		PipelineExecutionID: t.PipelineExecutionID,
		TaskExecutionID:     &t.ID,
		RecoveryType:        store.RecoveryTaskReset,
		Details:             fmt.Sprintf("orphaned running task reset to ready, attempt #%d", t.RecoveryAttempts+1),
		RecoveredAt:         time.Now(),
	}); err != nil {
		return fmt.Errorf("recovery: record reset event: %w", err)
	}
	m.observeRecovery(store.RecoveryTaskReset)
	return m.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: t.PipelineExecutionID,
		TaskExecutionID:     &t.ID,
		EventType:           store.EventTaskReady,
		EventData:           []byte(`{"recovery":true}`),
	})
}

func (m *Manager) abandonTask(ctx context.Context, t store.TaskExecution) error {
	reason := fmt.Sprintf("abandoned after %d recovery attempts (max %d)", t.RecoveryAttempts, m.cfg.MaxRecovery)
	if err := m.store.AbandonTask(ctx, t.ID, reason); err != nil {
		return fmt.Errorf("recovery: abandon task: %w", err)
	}
	m.log.Warn("abandoned task after exhausting recovery attempts",
		zap.String("task_execution_id", t.ID.String()), zap.String("task_name", t.TaskName))

	if err := m.store.RecordRecoveryEvent(ctx, store.RecoveryEvent{
		ID:                  uuid.New(),
		PipelineExecutionID: t.PipelineExecutionID,
		TaskExecutionID:     &t.ID,
		RecoveryType:        store.RecoveryTaskAbandoned,
		Details:             reason,
		RecoveredAt:         time.Now(),
	}); err != nil {
		return fmt.Errorf("recovery: record abandon event: %w", err)
	}
	m.observeRecovery(store.RecoveryTaskAbandoned)
	return m.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: t.PipelineExecutionID,
		TaskExecutionID:     &t.ID,
		EventType:           store.EventTaskFailed,
		EventData:           []byte(fmt.Sprintf(`{"terminal":true,"error":%q}`, reason)),
	})
}

// scanStuckPipelines handles Running pipelines with no recent scheduler
// movement. If any task is still outstanding, the pipeline is left for the
// next scheduler tick to finalize. If every task is already terminal, the
// pipeline is finalized here: Failed (recorded as pipeline_failed) when any
// task is Failed, otherwise Completed (recorded as pipeline_recovered).
func (m *Manager) scanStuckPipelines(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.OrphanAfter)
	stuck, err := m.store.FindStuckPipelines(ctx, cutoff, m.cfg.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("recovery: find stuck pipelines: %w", err)
	}

	for _, p := range stuck {
		if err := m.recoverPipeline(ctx, p); err != nil {
			m.log.Warn("pipeline recovery failed, will retry next scan",
				zap.String("pipeline_id", p.ID.String()), zap.Error(err))
		}
	}
	return len(stuck), nil
}

func (m *Manager) recoverPipeline(ctx context.Context, p store.PipelineExecution) error {
	tasks, err := m.store.GetTaskExecutions(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("recovery: load tasks: %w", err)
	}

	allTerminal := true
	for _, t := range tasks {
		switch t.Status {
		case store.TaskCompleted, store.TaskSkipped, store.TaskFailed:
		default:
			allTerminal = false
		}
	}

	if !allTerminal {
		// Tasks remain outstanding; re-assert Running and leave the
		// pipeline's staleness stamp as it is, so a scheduler claims and
		// ticks it again once that stamp is stale.
		return m.store.UpdatePipelineStatus(ctx, p.ID, store.PipelineRunning, nil)
	}

	anyFailed := false
	for _, t := range tasks {
		if t.Status == store.TaskFailed {
			anyFailed = true
		}
	}
	newStatus := store.PipelineCompleted
	recoveryType := store.RecoveryPipelineFixed
	if anyFailed {
		newStatus = store.PipelineFailed
		recoveryType = store.RecoveryPipelineFailed
	}

	now := time.Now()
	if err := m.store.UpdatePipelineStatus(ctx, p.ID, newStatus, &now); err != nil {
		return fmt.Errorf("recovery: finalize stuck pipeline: %w", err)
	}
	m.log.Info("recovered stuck pipeline to terminal status",
		zap.String("pipeline_id", p.ID.String()), zap.String("status", string(newStatus)))

	if err := m.store.RecordRecoveryEvent(ctx, store.RecoveryEvent{
		ID:                  uuid.New(),
		PipelineExecutionID: p.ID,
		RecoveryType:        recoveryType,
		Details:             fmt.Sprintf("stuck pipeline driven to %s", newStatus),
		RecoveredAt:         now,
	}); err != nil {
		return fmt.Errorf("recovery: record pipeline recovery event: %w", err)
	}
	m.observeRecovery(recoveryType)
	return m.store.AppendEvent(ctx, store.ExecutionEvent{
		PipelineExecutionID: p.ID,
		EventType:           store.EventPipelineDone,
		EventData:           []byte(fmt.Sprintf(`{"status":%q,"recovered":true}`, newStatus)),
	})
}
