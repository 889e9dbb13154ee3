package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/pkg/ids"
)

// MemoryStorage implements TaskStorage in memory. It is the reference
// backend for tests and for hosts that accept losing state on restart.
type MemoryStorage struct {
	mu     sync.RWMutex
	tasks  map[uuid.UUID]*QueuedTask
	byKey  map[string]uuid.UUID
	status map[uuid.UUID][]*StatusAudit
	runs   map[uuid.UUID][]*RunsAudit
	logs   map[uuid.UUID][]*ExecutionLog
	gen    ids.Generator
}

// NewMemoryStorage creates a new in-memory backend.
func NewMemoryStorage(gen ids.Generator) *MemoryStorage {
	if gen == nil {
		gen = ids.NewV7Generator()
	}
	return &MemoryStorage{
		tasks:  make(map[uuid.UUID]*QueuedTask),
		byKey:  make(map[string]uuid.UUID),
		status: make(map[uuid.UUID][]*StatusAudit),
		runs:   make(map[uuid.UUID][]*RunsAudit),
		logs:   make(map[uuid.UUID][]*ExecutionLog),
		gen:    gen,
	}
}

// MemoryFactory returns a Factory producing in-memory backends.
func MemoryFactory(gen ids.Generator) Factory {
	return func(ctx context.Context) (TaskStorage, error) {
		return NewMemoryStorage(gen), nil
	}
}

// Persist inserts a new task row.
func (s *MemoryStorage) Persist(ctx context.Context, task *QueuedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := task.Clone()
	s.tasks[stored.ID] = stored
	if stored.TaskKey != "" {
		s.byKey[stored.TaskKey] = stored.ID
	}
	if stored.AuditLevel.auditsStatus(stored.Status, stored.Exception != "") {
		s.auditStatusLocked(stored, stored.Status, stored.Exception)
	}
	return nil
}

// Update rewrites an existing row in place.
func (s *MemoryStorage) Update(ctx context.Context, task *QueuedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if existing.TaskKey != "" && existing.TaskKey != task.TaskKey {
		delete(s.byKey, existing.TaskKey)
	}
	stored := task.Clone()
	s.tasks[stored.ID] = stored
	if stored.TaskKey != "" {
		s.byKey[stored.TaskKey] = stored.ID
	}
	return nil
}

// GetByTaskKey returns the task registered under the key.
func (s *MemoryStorage) GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return task.Clone(), nil
}

// Get returns every task matching the predicate.
func (s *MemoryStorage) Get(ctx context.Context, predicate func(*QueuedTask) bool) ([]*QueuedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*QueuedTask
	for _, t := range s.tasks {
		if predicate == nil || predicate(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// GetAll returns every task.
func (s *MemoryStorage) GetAll(ctx context.Context) ([]*QueuedTask, error) {
	return s.Get(ctx, nil)
}

// GetByID returns a single task.
func (s *MemoryStorage) GetByID(ctx context.Context, id uuid.UUID) (*QueuedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Remove deletes a task with its audit and log rows.
func (s *MemoryStorage) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.TaskKey != "" {
		delete(s.byKey, task.TaskKey)
	}
	delete(s.tasks, id)
	delete(s.status, id)
	delete(s.runs, id)
	delete(s.logs, id)
	return nil
}

// RetrievePending pages unfinished work by (createdAt, id) keyset.
func (s *MemoryStorage) RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]*QueuedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []*QueuedTask
	for _, t := range s.tasks {
		if !t.Status.Recoverable() || !withinRunBounds(t, now) {
			continue
		}
		if lastCreatedAt != nil {
			if t.CreatedAt.Before(*lastCreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(*lastCreatedAt) && lastID != nil && ids.Compare(t.ID, *lastID) <= 0 {
				continue
			}
		}
		out = append(out, t.Clone())
	}
	sortTasks(out)
	if take > 0 && len(out) > take {
		out = out[:take]
	}
	return out, nil
}

// SetStatus transitions a task, recording audit per the given level.
func (s *MemoryStorage) SetStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string, level AuditLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, status, exception, &level)
}

// SetCancelledByUser marks a user-requested cancellation.
func (s *MemoryStorage) SetCancelledByUser(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, StatusCancelled, "", nil)
}

// SetCancelledByService marks an engine-side cancellation.
func (s *MemoryStorage) SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, StatusCancelled, exception, nil)
}

// SetQueued transitions to Queued.
func (s *MemoryStorage) SetQueued(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, StatusQueued, "", nil)
}

// SetInProgress transitions to InProgress.
func (s *MemoryStorage) SetInProgress(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, StatusInProgress, "", nil)
}

// SetCompleted transitions to Completed.
func (s *MemoryStorage) SetCompleted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, StatusCompleted, "", nil)
}

// setStatusLocked applies a transition. A nil level uses the audit
// level stored on the row.
func (s *MemoryStorage) setStatusLocked(id uuid.UUID, status TaskStatus, exception string, level *AuditLevel) error {
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	if exception != "" {
		task.Exception = exception
	}
	if status.Terminal() && !task.IsRecurring {
		task.NextRunAt = nil
	}
	effective := task.AuditLevel
	if level != nil {
		effective = *level
	}
	if effective.auditsStatus(status, exception != "") {
		s.auditStatusLocked(task, status, exception)
	}
	return nil
}

func (s *MemoryStorage) auditStatusLocked(task *QueuedTask, status TaskStatus, exception string) {
	s.status[task.ID] = append(s.status[task.ID], &StatusAudit{
		ID:           s.gen.NewID(),
		QueuedTaskID: task.ID,
		UpdatedAt:    time.Now().UTC(),
		NewStatus:    status,
		Exception:    exception,
	})
}

// UpdateCurrentRun increments the run counter and stores the next
// occurrence; a nil next run ends the cadence.
func (s *MemoryStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	now := time.Now().UTC()
	task.CurrentRunCount++
	task.LastExecutionAt = &now
	task.NextRunAt = copyTime(nextRun)
	return nil
}

// GetCurrentRunCount reads the run counter.
func (s *MemoryStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	return task.CurrentRunCount, nil
}

// AppendRunsAudit records one execution outcome.
func (s *MemoryStorage) AppendRunsAudit(ctx context.Context, audit *RunsAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[audit.QueuedTaskID]; !ok {
		return ErrTaskNotFound
	}
	stored := *audit
	if stored.ID == uuid.Nil {
		stored.ID = s.gen.NewID()
	}
	s.runs[audit.QueuedTaskID] = append(s.runs[audit.QueuedTaskID], &stored)
	return nil
}

// GetStatusAudits returns the status history of a task.
func (s *MemoryStorage) GetStatusAudits(ctx context.Context, id uuid.UUID) ([]*StatusAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	audits := s.status[id]
	out := make([]*StatusAudit, len(audits))
	for i, a := range audits {
		c := *a
		out[i] = &c
	}
	return out, nil
}

// GetRunsAudits returns the execution history of a task.
func (s *MemoryStorage) GetRunsAudits(ctx context.Context, id uuid.UUID) ([]*RunsAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	audits := s.runs[id]
	out := make([]*RunsAudit, len(audits))
	for i, a := range audits {
		c := *a
		out[i] = &c
	}
	return out, nil
}

// SaveExecutionLogs appends a batch of captured log entries.
func (s *MemoryStorage) SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range logs {
		stored := *entry
		if stored.ID == uuid.Nil {
			stored.ID = s.gen.NewID()
		}
		s.logs[taskID] = append(s.logs[taskID], &stored)
	}
	return nil
}

// GetExecutionLogs pages captured entries in sequence order.
func (s *MemoryStorage) GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, minLevel *LogLevel) ([]*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionLog
	for _, entry := range s.logs[taskID] {
		if minLevel != nil && !entry.Level.AtLeast(*minLevel) {
			continue
		}
		c := *entry
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	if skip > 0 {
		if skip >= len(out) {
			return nil, nil
		}
		out = out[skip:]
	}
	if take > 0 && len(out) > take {
		out = out[:take]
	}
	return out, nil
}

// Close releases nothing for the in-memory backend.
func (s *MemoryStorage) Close(ctx context.Context) error {
	return nil
}

func sortTasks(tasks []*QueuedTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return ids.Compare(tasks[i].ID, tasks[j].ID) < 0
	})
}
