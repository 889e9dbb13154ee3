package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/tasklane/pkg/ids"
)

func newTask(gen ids.Generator, status TaskStatus, level AuditLevel) *QueuedTask {
	return &QueuedTask{
		ID:          gen.NewID(),
		Status:      status,
		CreatedAt:   time.Now().UTC(),
		RequestType: "example.PingRequest",
		HandlerType: "example.PingHandler",
		Request:     `{"name":"ping"}`,
		QueueName:   "default",
		AuditLevel:  level,
	}
}

func TestMemoryPersistAndGetByID(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusWaitingQueue, AuditFull)
	require.NoError(t, store.Persist(ctx, task))

	loaded, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, loaded.ID)
	assert.Equal(t, StatusWaitingQueue, loaded.Status)

	// stored state is isolated from caller mutation
	loaded.Status = StatusFailed
	again, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingQueue, again.Status)
}

func TestMemoryGetByTaskKey(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusQueued, AuditFull)
	task.TaskKey = "dedupe-key"
	require.NoError(t, store.Persist(ctx, task))

	found, err := store.GetByTaskKey(ctx, "dedupe-key")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, task.ID, found.ID)

	missing, err := store.GetByTaskKey(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStatusTransitionsAndAudit(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusWaitingQueue, AuditFull)
	require.NoError(t, store.Persist(ctx, task))
	require.NoError(t, store.SetQueued(ctx, task.ID))
	require.NoError(t, store.SetInProgress(ctx, task.ID))
	require.NoError(t, store.SetCompleted(ctx, task.ID))

	loaded, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)

	audits, err := store.GetStatusAudits(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, audits, 4)
	assert.Equal(t, StatusWaitingQueue, audits[0].NewStatus)
	assert.Equal(t, StatusQueued, audits[1].NewStatus)
	assert.Equal(t, StatusInProgress, audits[2].NewStatus)
	assert.Equal(t, StatusCompleted, audits[3].NewStatus)
}

func TestMemoryMinimalAuditOnlyRecordsErrors(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusWaitingQueue, AuditMinimal)
	require.NoError(t, store.Persist(ctx, task))
	require.NoError(t, store.SetQueued(ctx, task.ID))
	require.NoError(t, store.SetInProgress(ctx, task.ID))
	require.NoError(t, store.SetStatus(ctx, task.ID, StatusFailed, "boom", AuditMinimal))

	audits, err := store.GetStatusAudits(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, StatusFailed, audits[0].NewStatus)
	assert.Equal(t, "boom", audits[0].Exception)
}

func TestMemoryNoneAuditRecordsNothing(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusWaitingQueue, AuditNone)
	require.NoError(t, store.Persist(ctx, task))
	require.NoError(t, store.SetStatus(ctx, task.ID, StatusFailed, "boom", AuditNone))

	audits, err := store.GetStatusAudits(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestMemoryTerminalStatusClearsNextRunForOneShot(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	task := newTask(gen, StatusPending, AuditFull)
	task.NextRunAt = &next
	require.NoError(t, store.Persist(ctx, task))
	require.NoError(t, store.SetCompleted(ctx, task.ID))

	loaded, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.NextRunAt)
}

func TestMemoryUpdateCurrentRun(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusInProgress, AuditFull)
	task.IsRecurring = true
	require.NoError(t, store.Persist(ctx, task))

	next := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.UpdateCurrentRun(ctx, task.ID, &next))
	require.NoError(t, store.UpdateCurrentRun(ctx, task.ID, &next))

	count, err := store.GetCurrentRunCount(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	loaded, err := store.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.NextRunAt)
	assert.NotNil(t, loaded.LastExecutionAt)
}

func TestMemoryRetrievePendingKeysetIsMonotone(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	const total = 10
	created := make(map[uuid.UUID]bool, total)
	for i := 0; i < total; i++ {
		task := newTask(gen, StatusQueued, AuditFull)
		task.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.Persist(ctx, task))
		created[task.ID] = true
	}
	// terminal and out-of-bounds rows never appear
	done := newTask(gen, StatusCompleted, AuditFull)
	require.NoError(t, store.Persist(ctx, done))
	expired := newTask(gen, StatusQueued, AuditFull)
	past := time.Now().UTC().Add(-time.Hour)
	expired.RunUntil = &past
	require.NoError(t, store.Persist(ctx, expired))

	seen := make(map[uuid.UUID]int)
	var lastCreatedAt *time.Time
	var lastID *uuid.UUID
	for {
		batch, err := store.RetrievePending(ctx, lastCreatedAt, lastID, 3)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, task := range batch {
			seen[task.ID]++
		}
		tail := batch[len(batch)-1]
		createdAt := tail.CreatedAt
		id := tail.ID
		lastCreatedAt = &createdAt
		lastID = &id
	}

	assert.Len(t, seen, total)
	for id, visits := range seen {
		assert.True(t, created[id], "unexpected task %s", id)
		assert.Equal(t, 1, visits, "task %s visited more than once", id)
	}
}

func TestMemoryExecutionLogs(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusInProgress, AuditFull)
	require.NoError(t, store.Persist(ctx, task))

	logs := []*ExecutionLog{
		{TaskID: task.ID, Timestamp: time.Now().UTC(), Level: LevelDebug, Message: "zero", SequenceNumber: 0},
		{TaskID: task.ID, Timestamp: time.Now().UTC(), Level: LevelInfo, Message: "one", SequenceNumber: 1},
		{TaskID: task.ID, Timestamp: time.Now().UTC(), Level: LevelError, Message: "two", SequenceNumber: 2},
	}
	require.NoError(t, store.SaveExecutionLogs(ctx, task.ID, logs))

	all, err := store.GetExecutionLogs(ctx, task.ID, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "zero", all[0].Message)
	assert.Equal(t, "two", all[2].Message)

	warnLevel := LevelWarn
	filtered, err := store.GetExecutionLogs(ctx, task.ID, 0, 10, &warnLevel)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "two", filtered[0].Message)

	paged, err := store.GetExecutionLogs(ctx, task.ID, 1, 1, nil)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "one", paged[0].Message)
}

func TestMemoryRunsAudit(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusInProgress, AuditFull)
	require.NoError(t, store.Persist(ctx, task))

	require.NoError(t, store.AppendRunsAudit(ctx, &RunsAudit{
		QueuedTaskID:    task.ID,
		ExecutedAt:      time.Now().UTC(),
		Status:          StatusCompleted,
		ExecutionTimeMs: 12,
	}))

	runs, err := store.GetRunsAudits(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusCompleted, runs[0].Status)
	assert.NotEqual(t, uuid.Nil, runs[0].ID)
}

func TestMemoryRemoveCascades(t *testing.T) {
	gen := ids.NewV7Generator()
	store := NewMemoryStorage(gen)
	ctx := context.Background()

	task := newTask(gen, StatusCompleted, AuditFull)
	task.TaskKey = "gone"
	require.NoError(t, store.Persist(ctx, task))
	require.NoError(t, store.SaveExecutionLogs(ctx, task.ID, []*ExecutionLog{
		{TaskID: task.ID, Level: LevelInfo, Message: "x", Timestamp: time.Now().UTC()},
	}))

	require.NoError(t, store.Remove(ctx, task.ID))

	_, err := store.GetByID(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	byKey, err := store.GetByTaskKey(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, byKey)
	logs, err := store.GetExecutionLogs(ctx, task.ID, 0, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestAuditLevelPolicies(t *testing.T) {
	assert.True(t, AuditFull.AuditsRun(false))
	assert.True(t, AuditMinimal.AuditsRun(false))
	assert.False(t, AuditErrorsOnly.AuditsRun(false))
	assert.True(t, AuditErrorsOnly.AuditsRun(true))
	assert.False(t, AuditNone.AuditsRun(true))
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusServiceStopped} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []TaskStatus{StatusWaitingQueue, StatusQueued, StatusPending, StatusInProgress} {
		assert.False(t, s.Terminal(), string(s))
	}
}
