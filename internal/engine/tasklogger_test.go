package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/pkg/ids"
)

func TestCaptureLoggerSequenceNumbers(t *testing.T) {
	tl := newCaptureLogger(logger.NewNop(), uuid.New(), 10, storage.LevelDebug)

	tl.Debug("zero")
	tl.Info("one")
	tl.Warn("two")

	entries := tl.drain()
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i, entry.SequenceNumber)
	}
	assert.Equal(t, storage.LevelDebug, entries[0].Level)
	assert.Equal(t, "two", entries[2].Message)
}

func TestCaptureLoggerDropsOverflow(t *testing.T) {
	tl := newCaptureLogger(logger.NewNop(), uuid.New(), 2, storage.LevelDebug)

	tl.Info("kept-0")
	tl.Info("kept-1")
	tl.Info("dropped")

	entries := tl.drain()
	require.Len(t, entries, 2)
	assert.Equal(t, "kept-0", entries[0].Message)
	assert.Equal(t, "kept-1", entries[1].Message)
}

func TestCaptureLoggerFiltersByLevel(t *testing.T) {
	tl := newCaptureLogger(logger.NewNop(), uuid.New(), 10, storage.LevelWarn)

	tl.Debug("hidden")
	tl.Info("hidden")
	tl.Warn("shown")
	tl.Error("shown too", errors.New("boom"))

	entries := tl.drain()
	require.Len(t, entries, 2)
	assert.Equal(t, "shown", entries[0].Message)
	assert.Contains(t, entries[1].ExceptionDetails, "boom")
}

func TestCaptureLoggerFlushPersistsBatch(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	ctx := context.Background()
	taskID := ids.NewV7Generator().NewID()
	require.NoError(t, store.Persist(ctx, &storage.QueuedTask{
		ID: taskID, Status: storage.StatusInProgress, AuditLevel: storage.AuditFull,
	}))

	tl := newCaptureLogger(logger.NewNop(), taskID, 10, storage.LevelDebug)
	tl.Info("first")
	tl.Info("second")

	require.NoError(t, tl.flush(ctx, store))

	saved, err := store.GetExecutionLogs(ctx, taskID, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, 0, saved[0].SequenceNumber)
	assert.Equal(t, 1, saved[1].SequenceNumber)

	// the buffer is reset after the flush
	require.NoError(t, tl.flush(ctx, store))
	saved, err = store.GetExecutionLogs(ctx, taskID, 0, 10, nil)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestTaskLoggerFromContextFallsBackToNop(t *testing.T) {
	tl := TaskLoggerFrom(context.Background())
	tl.Info("goes nowhere")

	attached := newCaptureLogger(logger.NewNop(), uuid.New(), 10, storage.LevelDebug)
	ctx := WithTaskLogger(context.Background(), attached)
	TaskLoggerFrom(ctx).Info("captured")
	assert.Len(t, attached.drain(), 1)
}
