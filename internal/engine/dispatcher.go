package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/internal/events"
	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/platform/metrics"
	"github.com/tasklane/tasklane/internal/recurring"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/pkg/ids"
)

// Lazy materialisation thresholds: short-delay and rapid-recurring
// tasks amortise handler resolution; long-horizon tasks should not pin
// handler graphs in memory for hours.
const (
	lazyRecurringThreshold = 5 * time.Minute
	lazyDelayThreshold     = 30 * time.Minute
)

// DispatchOption customises a single dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	delay      *time.Duration
	runAt      *time.Time
	recurring  *recurring.Recurring
	taskKey    string
	queue      string
	callbacks  Callbacks
	auditLevel *storage.AuditLevel
}

// WithDelay schedules the task after a relative delay.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) { o.delay = &d }
}

// WithRunAt schedules the task at an absolute instant.
func WithRunAt(at time.Time) DispatchOption {
	return func(o *dispatchOptions) {
		u := at.UTC()
		o.runAt = &u
	}
}

// WithRecurring attaches a recurring configuration.
func WithRecurring(r *recurring.Recurring) DispatchOption {
	return func(o *dispatchOptions) { o.recurring = r }
}

// WithTaskKey deduplicates: at most one non-terminal task exists per
// key.
func WithTaskKey(key string) DispatchOption {
	return func(o *dispatchOptions) { o.taskKey = key }
}

// WithQueue routes the task to a named queue, overriding the handler's
// own hint.
func WithQueue(name string) DispatchOption {
	return func(o *dispatchOptions) { o.queue = name }
}

// WithCallbacks attaches per-dispatch lifecycle callbacks; they win
// over the handler's own hooks.
func WithCallbacks(c Callbacks) DispatchOption {
	return func(o *dispatchOptions) { o.callbacks = c }
}

// WithAuditLevel overrides the engine's default audit level for this
// task.
func WithAuditLevel(level storage.AuditLevel) DispatchOption {
	return func(o *dispatchOptions) { o.auditLevel = &level }
}

// Dispatcher is the engine's public entry point: it resolves task keys,
// serialises and persists requests, decides lazy-vs-eager handler
// materialisation and routes work to the scheduler or the queues.
type Dispatcher struct {
	registry      *HandlerRegistry
	store         storage.TaskStorage
	scheduler     Scheduler
	queues        *QueueManager
	cancellations *CancellationRegistry
	bus           *events.Bus
	gen           ids.Generator
	log           logger.Logger
	metrics       *metrics.Metrics

	defaultAuditLevel      storage.AuditLevel
	throwIfUnableToPersist bool
	useLazyResolution      bool
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(
	registry *HandlerRegistry,
	store storage.TaskStorage,
	scheduler Scheduler,
	queues *QueueManager,
	cancellations *CancellationRegistry,
	bus *events.Bus,
	gen ids.Generator,
	log logger.Logger,
	m *metrics.Metrics,
	defaultAuditLevel storage.AuditLevel,
	throwIfUnableToPersist bool,
	useLazyResolution bool,
) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	if gen == nil {
		gen = ids.NewV7Generator()
	}
	return &Dispatcher{
		registry:               registry,
		store:                  store,
		scheduler:              scheduler,
		queues:                 queues,
		cancellations:          cancellations,
		bus:                    bus,
		gen:                    gen,
		log:                    log.Named("dispatcher"),
		metrics:                m,
		defaultAuditLevel:      defaultAuditLevel,
		throwIfUnableToPersist: throwIfUnableToPersist,
		useLazyResolution:      useLazyResolution,
	}
}

// Dispatch submits a task and returns its id. Scheduling is immediate
// unless a delay, an absolute instant or a recurring configuration is
// given.
func (d *Dispatcher) Dispatch(ctx context.Context, request any, opts ...DispatchOption) (uuid.UUID, error) {
	if request == nil {
		return uuid.Nil, ErrNullTask
	}

	var options dispatchOptions
	for _, opt := range opts {
		opt(&options)
	}

	now := time.Now().UTC()

	var executionTime *time.Time
	switch {
	case options.runAt != nil:
		executionTime = options.runAt
	case options.delay != nil:
		t := now.Add(*options.delay)
		executionTime = &t
	}

	// Recurring next-run computation uses the same reference instant
	// for scheduling and run-now decisions, so millisecond drift can
	// never elide a runNow.
	rec := options.recurring
	if rec != nil {
		if err := rec.Validate(); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidRecurring, err)
		}
		next := rec.CalculateNextValidRun(executionTime, 0, now)
		if next == nil {
			return uuid.Nil, ErrInvalidRecurring
		}
		executionTime = next
	}

	requestType := TypeName(request)
	handler, handlerType, err := d.registry.Resolve(requestType)
	if err != nil {
		return uuid.Nil, err
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to serialise request %s: %w", requestType, err)
	}

	auditLevel := d.defaultAuditLevel
	if options.auditLevel != nil {
		auditLevel = *options.auditLevel
	}

	exec := &HandlerExecutor{
		PersistenceID: d.gen.NewID(),
		Request:       request,
		RequestJSON:   string(payload),
		RequestType:   requestType,
		HandlerType:   handlerType,
		ExecutionTime: executionTime,
		Recurring:     rec,
		QueueName:     options.queue,
		TaskKey:       options.taskKey,
		AuditLevel:    auditLevel,
		Callbacks:     options.callbacks,
		Handler:       handler,
	}
	exec.applyHandlerTraits(handler)
	if exec.QueueName == "" {
		switch {
		case rec != nil:
			exec.QueueName = RecurringQueueName
		case exec.CPUBound:
			// CPU-bound handlers prefer the low-parallelism pool
			exec.QueueName = BackgroundQueueName
		default:
			exec.QueueName = DefaultQueueName
		}
	}

	scheduled := rec != nil || (executionTime != nil && executionTime.After(now))
	row := d.buildRow(exec, now, scheduled)

	persisted, existingID, err := d.resolveTaskKey(ctx, exec, row)
	if err != nil {
		return uuid.Nil, err
	}
	if existingID != nil {
		// a task with this key is already in progress; nothing changes
		return *existingID, nil
	}

	if !persisted && d.store != nil {
		if err := d.store.Persist(ctx, row); err != nil {
			if d.throwIfUnableToPersist {
				return uuid.Nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
			}
			d.log.Error("failed to persist task, continuing without durability",
				"task_id", exec.PersistenceID.String(), "error", err)
		}
	}

	// Lazy conversion nulls the handler reference; the instance built
	// above is abandoned to the collector without being disposed, since
	// its dispose contract presumes an execution happened.
	if d.useLazyResolution && d.shouldBeLazy(exec, now) {
		exec.Handler = nil
	}

	if d.metrics != nil {
		d.metrics.TasksDispatched.WithLabelValues(exec.QueueName).Inc()
	}

	if scheduled {
		d.scheduler.Schedule(exec, nil)
		d.publish(exec, events.KindScheduled, fmt.Sprintf("scheduled for %s", executionTime.Format(time.RFC3339)))
		return exec.PersistenceID, nil
	}

	if d.store != nil {
		if err := d.store.SetQueued(ctx, exec.PersistenceID); err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
			d.log.Error("failed to mark task queued", "task_id", exec.PersistenceID.String(), "error", err)
		}
	}
	if err := d.queues.Enqueue(ctx, exec); err != nil {
		// under Drop the row stays Queued; recovery replays it later
		d.log.Warn("enqueue rejected", "task_id", exec.PersistenceID.String(),
			"queue", exec.QueueName, "error", err)
		return exec.PersistenceID, err
	}
	d.publish(exec, events.KindQueued, "queued for execution")
	return exec.PersistenceID, nil
}

// resolveTaskKey applies the deduplication contract. It reports whether
// the row was already written (update path) and, for an in-progress
// duplicate, the id to return unchanged.
func (d *Dispatcher) resolveTaskKey(ctx context.Context, exec *HandlerExecutor, row *storage.QueuedTask) (persisted bool, existingID *uuid.UUID, err error) {
	if exec.TaskKey == "" || d.store == nil {
		return false, nil, nil
	}

	existing, err := d.store.GetByTaskKey(ctx, exec.TaskKey)
	if err != nil {
		return false, nil, fmt.Errorf("failed to look up task key %q: %w", exec.TaskKey, err)
	}
	if existing == nil {
		return false, nil, nil
	}

	switch {
	case existing.Status.Terminal():
		// finished under this key: replace it outright
		if err := d.store.Remove(ctx, existing.ID); err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
			return false, nil, fmt.Errorf("failed to replace finished task for key %q: %w", exec.TaskKey, err)
		}
		return false, nil, nil

	case existing.Status == storage.StatusInProgress:
		return false, &existing.ID, nil

	default:
		// WaitingQueue, Queued or Pending: adopt the id, rewrite in place
		exec.PersistenceID = existing.ID
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		row.CurrentRunCount = existing.CurrentRunCount
		if err := d.store.Update(ctx, row); err != nil {
			if d.throwIfUnableToPersist {
				return false, nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
			}
			d.log.Error("failed to update task for key, continuing",
				"task_key", exec.TaskKey, "error", err)
		}
		return true, nil, nil
	}
}

// Cancel cooperatively cancels a running or scheduled task: persisted
// status first, then the token, then the blacklist that catches a task
// already handed to a consumer.
func (d *Dispatcher) Cancel(ctx context.Context, taskID uuid.UUID) error {
	if d.store != nil {
		if err := d.store.SetCancelledByUser(ctx, taskID); err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
			return fmt.Errorf("failed to mark task cancelled: %w", err)
		}
	}
	d.cancellations.CancelTokenForTask(taskID)
	d.cancellations.Blacklist(taskID)

	if d.bus != nil {
		d.bus.Publish(events.TaskEventData{
			TaskID:   taskID,
			Kind:     events.KindCancelled,
			EventAt:  time.Now().UTC(),
			Severity: events.SeverityWarning,
			Message:  "cancellation requested",
		})
	}
	return nil
}

// buildRow materialises the persisted form of the executor.
func (d *Dispatcher) buildRow(exec *HandlerExecutor, now time.Time, scheduled bool) *storage.QueuedTask {
	row := &storage.QueuedTask{
		ID:                   exec.PersistenceID,
		Status:               storage.StatusWaitingQueue,
		CreatedAt:            now,
		ScheduledExecutionAt: exec.ExecutionTime,
		RequestType:          exec.RequestType,
		HandlerType:          exec.HandlerType,
		Request:              exec.RequestJSON,
		TaskKey:              exec.TaskKey,
		QueueName:            exec.QueueName,
		AuditLevel:           exec.AuditLevel,
	}
	if scheduled {
		row.Status = storage.StatusPending
		row.NextRunAt = exec.ExecutionTime
	}
	if exec.Recurring != nil {
		row.IsRecurring = true
		row.RecurringInfo = exec.Recurring.Describe()
		row.MaxRuns = exec.Recurring.MaxRuns
		row.RunUntil = exec.Recurring.RunUntil
		if data, err := recurring.Marshal(exec.Recurring); err == nil {
			row.RecurringTask = data
		} else {
			d.log.Error("failed to serialise recurring configuration",
				"task_id", exec.PersistenceID.String(), "error", err)
		}
	}
	return row
}

// shouldBeLazy applies the materialisation thresholds: recurring tasks
// with a minimum interval of five minutes or more, and delayed tasks
// thirty minutes or more out. Immediate tasks are always eager.
func (d *Dispatcher) shouldBeLazy(exec *HandlerExecutor, now time.Time) bool {
	if exec.Recurring != nil {
		return exec.Recurring.MinInterval() >= lazyRecurringThreshold
	}
	if exec.ExecutionTime != nil {
		return exec.ExecutionTime.Sub(now) >= lazyDelayThreshold
	}
	return false
}

func (d *Dispatcher) publish(exec *HandlerExecutor, kind events.Kind, message string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.TaskEventData{
		TaskID:      exec.PersistenceID,
		Kind:        kind,
		EventAt:     time.Now().UTC(),
		Severity:    events.SeverityInfo,
		RequestType: exec.RequestType,
		HandlerType: exec.HandlerType,
		RequestJSON: exec.RequestJSON,
		Message:     message,
	})
}
