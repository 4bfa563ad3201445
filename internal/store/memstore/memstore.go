// Package memstore is an in-memory store.Store used by scheduler,
// dispatcher, and recovery unit tests. It serializes every operation behind
// a single mutex; it makes no attempt to be fast, only to faithfully
// reproduce the claim semantics of internal/store/pgstore.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloacina/cloacina/internal/cloaerr"
	"github.com/cloacina/cloacina/internal/store"
)

type Store struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]*store.PipelineExecution
	tasks     map[uuid.UUID]*store.TaskExecution
	// contexts holds the output context of completed task executions, keyed
	// by (pipelineID, taskName), mirroring task_execution_metadata joined to
	// contexts in the SQL schema.
	contexts map[string][]byte
	outbox        []uuid.UUID
	events        []store.ExecutionEvent
	recoveries    []store.RecoveryEvent
	seq           int64
}

func New() *Store {
	return &Store{
		pipelines:     make(map[uuid.UUID]*store.PipelineExecution),
		tasks:         make(map[uuid.UUID]*store.TaskExecution),
		contexts:      make(map[string][]byte),
	}
}

func contextKey(pipelineID uuid.UUID, taskName string) string {
	return pipelineID.String() + "/" + taskName
}

func (s *Store) CreatePipeline(_ context.Context, p store.PipelineExecution, tasks []store.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[p.ID]; exists {
		return fmt.Errorf("%w: pipeline %s already exists", cloaerr.ErrValidation, p.ID)
	}
	cp := p
	s.pipelines[p.ID] = &cp
	for _, t := range tasks {
		ct := t
		s.tasks[t.ID] = &ct
	}
	return nil
}

func (s *Store) GetPipeline(_ context.Context, id uuid.UUID) (store.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return store.PipelineExecution{}, fmt.Errorf("%w: pipeline %s not found", cloaerr.ErrValidation, id)
	}
	return *p, nil
}

func (s *Store) GetTaskExecutions(_ context.Context, pipelineID uuid.UUID) ([]store.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TaskExecution
	for _, t := range s.tasks {
		if t.PipelineExecutionID == pipelineID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskName < out[j].TaskName })
	return out, nil
}

func (s *Store) ClaimPipelines(_ context.Context, schedulerID string, staleAfter time.Duration, limit int) ([]store.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var ids []uuid.UUID
	for id, p := range s.pipelines {
		if p.Status != store.PipelinePending && p.Status != store.PipelineRunning {
			continue
		}
		if p.LastScheduledAt != nil && now.Sub(*p.LastScheduledAt) < staleAfter {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	var out []store.PipelineExecution
	for _, id := range ids {
		p := s.pipelines[id]
		p.LastScheduledAt = &now
		p.LastScheduledBy = schedulerID
		out = append(out, *p)
	}
	return out, nil
}

func (s *Store) UpdatePipelineStatus(_ context.Context, id uuid.UUID, status store.PipelineStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return fmt.Errorf("%w: pipeline %s not found", cloaerr.ErrValidation, id)
	}
	p.Status = status
	if completedAt != nil {
		p.CompletedAt = completedAt
	}
	return nil
}

func (s *Store) CancelPipeline(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	if err := s.UpdatePipelineStatus(ctx, id, store.PipelineCancelled, &now); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.PipelineExecutionID != id {
			continue
		}
		if t.Status == store.TaskNotStarted || t.Status == store.TaskReady {
			t.Status = store.TaskSkipped
			t.UpdatedAt = now
		}
	}
	return nil
}

func (s *Store) MarkTaskReady(_ context.Context, taskExecutionID uuid.UUID, inputContext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskExecutionID]
	if !ok {
		return fmt.Errorf("%w: task %s not found", cloaerr.ErrValidation, taskExecutionID)
	}
	t.Status = store.TaskReady
	t.SubStatus = store.SubStatusNone
	t.InputContext = inputContext
	t.UpdatedAt = time.Now()
	s.outbox = append(s.outbox, taskExecutionID)
	return nil
}

func (s *Store) MarkTaskSkipped(_ context.Context, taskExecutionID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskExecutionID]
	if !ok {
		return fmt.Errorf("%w: task %s not found", cloaerr.ErrValidation, taskExecutionID)
	}
	t.Status = store.TaskSkipped
	t.LastError = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ClaimOutboxTask(_ context.Context, _ string) (*store.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) == 0 {
		return nil, nil
	}
	id := s.outbox[0]
	s.outbox = s.outbox[1:]
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: outbox referenced missing task %s", cloaerr.ErrInconsistent, id)
	}
	t.Status = store.TaskRunning
	t.SubStatus = store.SubStatusActive
	t.Attempt++
	now := time.Now()
	t.StartedAt = &now
	t.UpdatedAt = now
	out := *t
	return &out, nil
}

func (s *Store) SetTaskSubStatus(_ context.Context, taskExecutionID uuid.UUID, subStatus store.SubStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskExecutionID]
	if !ok {
		return fmt.Errorf("%w: task %s not found", cloaerr.ErrValidation, taskExecutionID)
	}
	t.SubStatus = subStatus
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CompleteTask(_ context.Context, taskExecutionID uuid.UUID, outputContext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskExecutionID]
	if !ok {
		return fmt.Errorf("%w: task %s not found", cloaerr.ErrValidation, taskExecutionID)
	}
	t.Status = store.TaskCompleted
	t.SubStatus = store.SubStatusNone
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
	s.contexts[contextKey(t.PipelineExecutionID, t.TaskName)] = outputContext
	return nil
}

func (s *Store) FailTask(_ context.Context, taskExecutionID uuid.UUID, errMsg string, retryAt *time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskExecutionID]
	if !ok {
		return fmt.Errorf("%w: task %s not found", cloaerr.ErrValidation, taskExecutionID)
	}
	t.LastError = errMsg
	t.UpdatedAt = time.Now()
	t.Status = store.TaskFailed
	t.SubStatus = store.SubStatusNone
	if terminal {
		t.RetryAt = nil
		return nil
	}
	t.RetryAt = retryAt
	return nil
}

func (s *Store) GetPredecessorContext(_ context.Context, pipelineID uuid.UUID, taskName string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextKey(pipelineID, taskName)]
	return c, ok, nil
}

func (s *Store) FindOrphanTasks(_ context.Context, olderThan time.Time, limit int) ([]store.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TaskExecution
	for _, t := range s.tasks {
		if t.Status != store.TaskRunning {
			continue
		}
		if t.UpdatedAt.After(olderThan) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResetOrphanTask implements I1's Running->Ready recovery edge: the task is
// reinstated as Ready with its existing input context and re-enters the
// outbox, without incrementing Attempt (a recovery reset is not a retry).
func (s *Store) ResetOrphanTask(_ context.Context, taskExecutionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskExecutionID]
	if !ok {
		return fmt.Errorf("%w: task %s not found", cloaerr.ErrValidation, taskExecutionID)
	}
	t.Status = store.TaskReady
	t.SubStatus = store.SubStatusNone
	t.RecoveryAttempts++
	now := time.Now()
	t.LastRecoveryAt = &now
	t.UpdatedAt = now
	s.outbox = append(s.outbox, taskExecutionID)
	return nil
}

func (s *Store) AbandonTask(_ context.Context, taskExecutionID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskExecutionID]
	if !ok {
		return fmt.Errorf("%w: task %s not found", cloaerr.ErrValidation, taskExecutionID)
	}
	t.Status = store.TaskFailed
	t.SubStatus = store.SubStatusNone
	t.LastError = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) FindStuckPipelines(_ context.Context, olderThan time.Time, limit int) ([]store.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PipelineExecution
	for _, p := range s.pipelines {
		if p.Status != store.PipelineRunning {
			continue
		}
		if p.LastScheduledAt == nil || p.LastScheduledAt.After(olderThan) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordRecoveryEvent(_ context.Context, ev store.RecoveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveries = append(s.recoveries, ev)
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev store.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.Sequence = s.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *Store) ListEvents(_ context.Context, pipelineID uuid.UUID) ([]store.ExecutionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ExecutionEvent
	for _, ev := range s.events {
		if ev.PipelineExecutionID == pipelineID {
			out = append(out, ev)
		}
	}
	return out, nil
}
