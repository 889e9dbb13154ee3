package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/storage"
)

// TaskLogger is the logging facade handed to handlers. Entries fan out
// to the host logger and, when capture is enabled, to a bounded
// in-memory buffer flushed to storage after the run.
type TaskLogger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

type taskLoggerKey struct{}

// WithTaskLogger attaches a TaskLogger to the context handed to
// Handle.
func WithTaskLogger(ctx context.Context, tl TaskLogger) context.Context {
	return context.WithValue(ctx, taskLoggerKey{}, tl)
}

// TaskLoggerFrom extracts the TaskLogger from a handler context. A
// no-op logger is returned when none is attached, so handler code never
// has to nil-check.
func TaskLoggerFrom(ctx context.Context) TaskLogger {
	if tl, ok := ctx.Value(taskLoggerKey{}).(TaskLogger); ok {
		return tl
	}
	return nopTaskLogger{}
}

type nopTaskLogger struct{}

func (nopTaskLogger) Debug(string)        {}
func (nopTaskLogger) Info(string)         {}
func (nopTaskLogger) Warn(string)         {}
func (nopTaskLogger) Error(string, error) {}

// captureLogger buffers up to maxEntries entries at or above minLevel.
// Overflow beyond the cap is dropped silently; the host logger still
// sees every entry. Safe for concurrent calls from handler sub-tasks.
type captureLogger struct {
	mu         sync.Mutex
	host       logger.Logger
	taskID     uuid.UUID
	maxEntries int
	minLevel   storage.LogLevel
	entries    []*storage.ExecutionLog
	seq        int
}

func newCaptureLogger(host logger.Logger, taskID uuid.UUID, maxEntries int, minLevel storage.LogLevel) *captureLogger {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &captureLogger{
		host:       host.WithFields(map[string]interface{}{"task_id": taskID.String()}),
		taskID:     taskID,
		maxEntries: maxEntries,
		minLevel:   minLevel,
	}
}

// Debug logs a debug entry.
func (l *captureLogger) Debug(msg string) {
	l.host.Debug(msg)
	l.capture(storage.LevelDebug, msg, "")
}

// Info logs an info entry.
func (l *captureLogger) Info(msg string) {
	l.host.Info(msg)
	l.capture(storage.LevelInfo, msg, "")
}

// Warn logs a warning entry.
func (l *captureLogger) Warn(msg string) {
	l.host.Warn(msg)
	l.capture(storage.LevelWarn, msg, "")
}

// Error logs an error entry with its rendered detail.
func (l *captureLogger) Error(msg string, err error) {
	l.host.Error(msg, "error", err)
	l.capture(storage.LevelError, msg, renderError(err))
}

func (l *captureLogger) capture(level storage.LogLevel, msg, detail string) {
	if !level.AtLeast(l.minLevel) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxEntries {
		return
	}
	l.entries = append(l.entries, &storage.ExecutionLog{
		TaskID:           l.taskID,
		Timestamp:        time.Now().UTC(),
		Level:            level,
		Message:          msg,
		ExceptionDetails: detail,
		SequenceNumber:   l.seq,
	})
	l.seq++
}

// flush writes the buffered entries to storage in one batch and resets
// the buffer.
func (l *captureLogger) flush(ctx context.Context, store storage.TaskStorage) error {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	if len(entries) == 0 || store == nil {
		return nil
	}
	return store.SaveExecutionLogs(ctx, l.taskID, entries)
}

// drain returns the buffered entries without persisting, for event
// payloads.
func (l *captureLogger) drain() []*storage.ExecutionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*storage.ExecutionLog, len(l.entries))
	copy(out, l.entries)
	return out
}
