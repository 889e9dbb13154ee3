// Package storage defines the persistence contract the engine consumes
// and the backends that satisfy it.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when an operation targets an id that has
// no persisted row.
var ErrTaskNotFound = errors.New("task not found")

// TaskStatus is the durable lifecycle state of a task.
type TaskStatus string

// Task statuses
const (
	StatusWaitingQueue   TaskStatus = "WaitingQueue"
	StatusQueued         TaskStatus = "Queued"
	StatusPending        TaskStatus = "Pending"
	StatusInProgress     TaskStatus = "InProgress"
	StatusCompleted      TaskStatus = "Completed"
	StatusFailed         TaskStatus = "Failed"
	StatusCancelled      TaskStatus = "Cancelled"
	StatusServiceStopped TaskStatus = "ServiceStopped"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusServiceStopped:
		return true
	}
	return false
}

// recoverableStatuses are the states the recovery loop replays.
var recoverableStatuses = map[TaskStatus]bool{
	StatusQueued:         true,
	StatusPending:        true,
	StatusServiceStopped: true,
	StatusInProgress:     true,
}

// Recoverable reports whether a task in this status is replayed on
// startup.
func (s TaskStatus) Recoverable() bool {
	return recoverableStatuses[s]
}

// AuditLevel controls how much historical detail is persisted per task.
type AuditLevel string

// Audit levels
const (
	AuditFull       AuditLevel = "Full"
	AuditMinimal    AuditLevel = "Minimal"
	AuditErrorsOnly AuditLevel = "ErrorsOnly"
	AuditNone       AuditLevel = "None"
)

// ParseAuditLevel maps a config string to an AuditLevel, defaulting to
// Full for unknown values.
func ParseAuditLevel(s string) AuditLevel {
	switch s {
	case "minimal", "Minimal":
		return AuditMinimal
	case "errors_only", "errorsonly", "ErrorsOnly":
		return AuditErrorsOnly
	case "none", "None":
		return AuditNone
	}
	return AuditFull
}

// auditsStatus reports whether a status change under this level creates
// a StatusAudit row.
func (l AuditLevel) auditsStatus(status TaskStatus, hasError bool) bool {
	switch l {
	case AuditFull:
		return true
	case AuditMinimal, AuditErrorsOnly:
		return hasError || status == StatusFailed
	}
	return false
}

// AuditsRun reports whether a run under this level creates a RunsAudit
// row. Exported because the executor gates run audit writes.
func (l AuditLevel) AuditsRun(failed bool) bool {
	switch l {
	case AuditFull, AuditMinimal:
		return true
	case AuditErrorsOnly:
		return failed
	}
	return false
}

// LogLevel is the severity of a captured execution log entry.
type LogLevel string

// Log levels
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var logLevelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// AtLeast reports whether the level is at or above the minimum.
func (l LogLevel) AtLeast(min LogLevel) bool {
	return logLevelRank[l] >= logLevelRank[min]
}

// levelsAtLeast returns every level at or above the minimum, as strings
// for SQL IN clauses.
func levelsAtLeast(min LogLevel) []string {
	var out []string
	for _, l := range []LogLevel{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if l.AtLeast(min) {
			out = append(out, string(l))
		}
	}
	return out
}

// ParseLogLevel maps a config string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// QueuedTask is the persisted form of a dispatched task.
type QueuedTask struct {
	ID                   uuid.UUID
	Status               TaskStatus
	CreatedAt            time.Time
	LastExecutionAt      *time.Time
	ScheduledExecutionAt *time.Time
	NextRunAt            *time.Time
	RequestType          string
	HandlerType          string
	Request              string
	Exception            string
	IsRecurring          bool
	RecurringTask        string
	RecurringInfo        string
	CurrentRunCount      int
	MaxRuns              *int
	RunUntil             *time.Time
	TaskKey              string
	QueueName            string
	AuditLevel           AuditLevel
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (t *QueuedTask) Clone() *QueuedTask {
	cp := *t
	cp.LastExecutionAt = copyTime(t.LastExecutionAt)
	cp.ScheduledExecutionAt = copyTime(t.ScheduledExecutionAt)
	cp.NextRunAt = copyTime(t.NextRunAt)
	cp.RunUntil = copyTime(t.RunUntil)
	if t.MaxRuns != nil {
		m := *t.MaxRuns
		cp.MaxRuns = &m
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// StatusAudit records one status transition of a task.
type StatusAudit struct {
	ID           uuid.UUID
	QueuedTaskID uuid.UUID
	UpdatedAt    time.Time
	NewStatus    TaskStatus
	Exception    string
}

// RunsAudit records one execution of a task.
type RunsAudit struct {
	ID              uuid.UUID
	QueuedTaskID    uuid.UUID
	ExecutedAt      time.Time
	Status          TaskStatus
	Exception       string
	ExecutionTimeMs int64
}

// ExecutionLog is one captured log entry from a handler execution.
// Sequence numbers are contiguous per task starting at 0.
type ExecutionLog struct {
	ID               uuid.UUID
	TaskID           uuid.UUID
	Timestamp        time.Time
	Level            LogLevel
	Message          string
	ExceptionDetails string
	SequenceNumber   int
}

// TaskStorage is the contract every backend satisfies. Every write is
// durable before return; implementations must be safe for concurrent
// callers, each operation using its own scoped connection or context.
type TaskStorage interface {
	// Persist inserts a new task row.
	Persist(ctx context.Context, task *QueuedTask) error

	// Update rewrites an existing row in place (taskKey update path).
	Update(ctx context.Context, task *QueuedTask) error

	// GetByTaskKey returns the task registered under the key, or
	// (nil, nil) when the key is unknown.
	GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error)

	// Get returns every task matching the predicate.
	Get(ctx context.Context, predicate func(*QueuedTask) bool) ([]*QueuedTask, error)

	// GetAll returns every task.
	GetAll(ctx context.Context) ([]*QueuedTask, error)

	// GetByID returns a single task.
	GetByID(ctx context.Context, id uuid.UUID) (*QueuedTask, error)

	// Remove deletes a task and, by cascade, its audit and log rows.
	Remove(ctx context.Context, id uuid.UUID) error

	// RetrievePending pages through unfinished work ordered by
	// (createdAt, id) using a keyset cursor. Rows already past their
	// run bounds are excluded.
	RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]*QueuedTask, error)

	// SetStatus transitions a task, recording audit per the level.
	SetStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string, level AuditLevel) error

	// SetCancelledByUser marks a user-requested cancellation.
	SetCancelledByUser(ctx context.Context, id uuid.UUID) error

	// SetCancelledByService marks an engine-side cancellation with the
	// captured failure detail.
	SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error

	// SetQueued, SetInProgress and SetCompleted transition the task
	// using the audit level stored on its row.
	SetQueued(ctx context.Context, id uuid.UUID) error
	SetInProgress(ctx context.Context, id uuid.UUID) error
	SetCompleted(ctx context.Context, id uuid.UUID) error

	// UpdateCurrentRun increments the run counter, stamps the last
	// execution and stores the next occurrence (nil ends the cadence).
	UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error

	// GetCurrentRunCount reads the run counter.
	GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error)

	// AppendRunsAudit records one execution outcome.
	AppendRunsAudit(ctx context.Context, audit *RunsAudit) error

	// GetStatusAudits returns the status history of a task.
	GetStatusAudits(ctx context.Context, id uuid.UUID) ([]*StatusAudit, error)

	// GetRunsAudits returns the execution history of a task.
	GetRunsAudits(ctx context.Context, id uuid.UUID) ([]*RunsAudit, error)

	// SaveExecutionLogs appends a batch of captured log entries.
	SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error

	// GetExecutionLogs pages the captured entries of a task in
	// sequence order, optionally filtered by minimum level.
	GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, minLevel *LogLevel) ([]*ExecutionLog, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// Factory builds a TaskStorage; the host supplies its own to plug in a
// custom backend.
type Factory func(ctx context.Context) (TaskStorage, error)

// withinRunBounds mirrors the recovery filter: a row whose bounds are
// exhausted is not pending work.
func withinRunBounds(t *QueuedTask, now time.Time) bool {
	if t.MaxRuns != nil && t.CurrentRunCount > *t.MaxRuns {
		return false
	}
	if t.RunUntil != nil && t.RunUntil.Before(now) {
		return false
	}
	return true
}
