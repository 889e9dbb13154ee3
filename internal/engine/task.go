// Package engine implements the background task engine: dispatch,
// persistence handoff, scheduling, bounded worker pools, retries,
// timeouts, cancellation and audit.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/internal/recurring"
	"github.com/tasklane/tasklane/internal/storage"
)

// TaskHandler processes one request type. The request passed to Handle
// is the same value given to Dispatch, or a freshly deserialised one
// when the task was recovered or resolved lazily.
type TaskHandler interface {
	Handle(ctx context.Context, request any) error
}

// Optional handler capabilities. The engine probes for these at
// materialisation time; absent interfaces fall back to defaults.

// QueueNameProvider routes the handler's tasks to a named queue.
type QueueNameProvider interface {
	QueueName() string
}

// RetryPolicyProvider overrides the baseline retry policy.
type RetryPolicyProvider interface {
	RetryPolicy() RetryPolicy
}

// TimeoutProvider bounds each attempt of the handler.
type TimeoutProvider interface {
	Timeout() time.Duration
}

// CPUBoundProvider hints the router that the handler is CPU-bound and
// prefers a CPU-pool backed queue.
type CPUBoundProvider interface {
	CPUBoundOperation() bool
}

// LogCaptureProvider opts the handler into execution log persistence.
type LogCaptureProvider interface {
	CaptureLogs() bool
}

// LifecycleHooks receives the lifecycle callbacks of the handler's own
// tasks. All methods are optional via the split interfaces below.
type LifecycleHooks interface {
	OnStarted(taskID uuid.UUID)
	OnCompleted(taskID uuid.UUID)
	OnError(taskID uuid.UUID, err error, message string)
	OnRetry(taskID uuid.UUID, attempt int, err error, delay time.Duration)
}

// Disposable is released after the last lifecycle callback of an
// execution has run.
type Disposable interface {
	Dispose(ctx context.Context) error
}

// Callbacks is the executor's record of optional lifecycle functions.
// The dispatcher fills it from the handler's interfaces and from
// per-dispatch options; nil members are skipped.
type Callbacks struct {
	Started   func(taskID uuid.UUID)
	Completed func(taskID uuid.UUID)
	Error     func(taskID uuid.UUID, err error, message string)
	Retry     func(taskID uuid.UUID, attempt int, err error, delay time.Duration)
	Dispose   func(ctx context.Context) error
}

// merge overlays non-nil members of other onto a copy of c.
func (c Callbacks) merge(other Callbacks) Callbacks {
	if other.Started != nil {
		c.Started = other.Started
	}
	if other.Completed != nil {
		c.Completed = other.Completed
	}
	if other.Error != nil {
		c.Error = other.Error
	}
	if other.Retry != nil {
		c.Retry = other.Retry
	}
	if other.Dispose != nil {
		c.Dispose = other.Dispose
	}
	return c
}

// HandlerExecutor carries one unit of work from dispatch through
// scheduling and execution. It is transient: the persisted form is the
// storage.QueuedTask row sharing its id.
type HandlerExecutor struct {
	PersistenceID uuid.UUID
	Request       any
	RequestJSON   string
	RequestType   string
	HandlerType   string

	// ExecutionTime is the absolute due instant, nil for immediate.
	ExecutionTime *time.Time

	// NextRun overrides ExecutionTime when the scheduler re-inserts a
	// recurring task between runs.
	NextRun *time.Time

	Recurring  *recurring.Recurring
	QueueName  string
	TaskKey    string
	AuditLevel storage.AuditLevel
	CurrentRun int

	// Handler is nil in lazy mode; the worker re-resolves it at
	// execution time from the registry.
	Handler TaskHandler

	Callbacks   Callbacks
	RetryPolicy RetryPolicy
	Timeout     time.Duration
	CPUBound    bool
	CaptureLogs bool
}

// DueAt returns the instant the executor should fire, preferring the
// scheduler override.
func (e *HandlerExecutor) DueAt() *time.Time {
	if e.NextRun != nil {
		return e.NextRun
	}
	return e.ExecutionTime
}

// applyHandlerTraits copies the handler's optional capabilities onto
// the executor, without overriding values already set by dispatch
// options.
func (e *HandlerExecutor) applyHandlerTraits(handler TaskHandler) {
	if e.QueueName == "" {
		if q, ok := handler.(QueueNameProvider); ok {
			e.QueueName = q.QueueName()
		}
	}
	if e.RetryPolicy == nil {
		if r, ok := handler.(RetryPolicyProvider); ok {
			e.RetryPolicy = r.RetryPolicy()
		}
	}
	if e.Timeout == 0 {
		if t, ok := handler.(TimeoutProvider); ok {
			e.Timeout = t.Timeout()
		}
	}
	if c, ok := handler.(CPUBoundProvider); ok {
		e.CPUBound = c.CPUBoundOperation()
	}
	if l, ok := handler.(LogCaptureProvider); ok {
		e.CaptureLogs = l.CaptureLogs()
	}

	hooks := Callbacks{}
	if h, ok := handler.(LifecycleHooks); ok {
		hooks.Started = h.OnStarted
		hooks.Completed = h.OnCompleted
		hooks.Error = h.OnError
		hooks.Retry = h.OnRetry
	}
	if d, ok := handler.(Disposable); ok {
		hooks.Dispose = d.Dispose
	}
	// per-dispatch callbacks win over handler hooks
	e.Callbacks = hooks.merge(e.Callbacks)
}
