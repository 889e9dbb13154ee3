package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tasklane/tasklane/internal/events"
	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/platform/metrics"
	"github.com/tasklane/tasklane/internal/storage"
)

// defaultRetryPolicy is applied when a handler configures none.
func defaultRetryPolicy() RetryPolicy {
	return NewLinearRetryPolicy(3, 500*time.Millisecond)
}

// WorkerExecutor runs a single dequeued task: lifecycle callbacks,
// retry, timeout, cancellation, audit and execution log capture.
type WorkerExecutor struct {
	registry      *HandlerRegistry
	store         storage.TaskStorage
	cancellations *CancellationRegistry
	bus           *events.Bus
	scheduler     Scheduler
	log           logger.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer

	maxLogsPerTask int
	minLogLevel    storage.LogLevel
}

// NewWorkerExecutor wires the executor. The scheduler is attached
// later via SetScheduler because the two are built in a cycle.
func NewWorkerExecutor(
	registry *HandlerRegistry,
	store storage.TaskStorage,
	cancellations *CancellationRegistry,
	bus *events.Bus,
	log logger.Logger,
	m *metrics.Metrics,
	maxLogsPerTask int,
	minLogLevel storage.LogLevel,
) *WorkerExecutor {
	if log == nil {
		log = logger.NewNop()
	}
	return &WorkerExecutor{
		registry:       registry,
		store:          store,
		cancellations:  cancellations,
		bus:            bus,
		log:            log.Named("executor"),
		metrics:        m,
		tracer:         otel.Tracer("tasklane/engine"),
		maxLogsPerTask: maxLogsPerTask,
		minLogLevel:    minLogLevel,
	}
}

// SetScheduler attaches the scheduler used to re-insert recurring
// tasks between runs.
func (w *WorkerExecutor) SetScheduler(s Scheduler) {
	w.scheduler = s
}

// Execute runs one task to an outcome. It never returns an error: every
// failure mode ends in a persisted status and an event.
func (w *WorkerExecutor) Execute(hostCtx context.Context, e *HandlerExecutor) {
	id := e.PersistenceID
	log := w.log.WithFields(map[string]interface{}{"task_id": id.String(), "queue": e.QueueName})

	// A cancel that raced the dequeue lands here.
	if w.cancellations.Blacklisted(id) {
		w.setStatus(hostCtx, e, storage.StatusCancelled, "")
		w.publish(e, events.KindCancelled, events.SeverityWarning, "task cancelled before execution", "", nil)
		return
	}

	if e.Handler == nil {
		handler, handlerType, err := w.registry.Resolve(e.RequestType)
		if err != nil {
			log.Error("failed to resolve handler", "error", err)
			w.fail(hostCtx, e, err, nil, time.Time{})
			return
		}
		e.Handler = handler
		e.HandlerType = handlerType
		e.applyHandlerTraits(handler)
	}
	if e.Request == nil && e.RequestJSON != "" {
		request, err := w.registry.Decode(e.RequestType, e.RequestJSON)
		if err != nil {
			log.Error("failed to deserialise request", "error", err)
			w.fail(hostCtx, e, err, nil, time.Time{})
			return
		}
		e.Request = request
	}

	taskCtx := w.cancellations.CreateToken(id, hostCtx)
	defer w.cancellations.Delete(id)

	var tl *captureLogger
	if e.CaptureLogs && w.store != nil {
		tl = newCaptureLogger(w.log, id, w.maxLogsPerTask, w.minLogLevel)
	}

	w.setInProgress(hostCtx, e)
	if w.metrics != nil {
		w.metrics.TasksInProgress.WithLabelValues(e.QueueName).Inc()
		defer w.metrics.TasksInProgress.WithLabelValues(e.QueueName).Dec()
	}
	w.publish(e, events.KindStarted, events.SeverityInfo, "task started", "", nil)
	if e.Callbacks.Started != nil {
		e.Callbacks.Started(id)
	}

	started := time.Now().UTC()
	err := w.runWithRetry(taskCtx, e, tl)
	elapsed := time.Since(started)
	if w.metrics != nil {
		w.metrics.ExecutionDuration.WithLabelValues(e.QueueName).Observe(elapsed.Seconds())
	}

	switch {
	case err == nil:
		w.succeed(hostCtx, e, tl, started, elapsed)
	case isCancellation(err) && hostCtx.Err() != nil:
		// Graceful shutdown mid-flight: recovery resumes the task, no
		// OnError fires.
		w.setStatus(hostCtx, e, storage.StatusServiceStopped, "")
		w.publish(e, events.KindStopped, events.SeverityWarning, "service stopped mid-flight", "", nil)
	case isCancellation(err):
		w.cancelled(hostCtx, e)
	default:
		w.fail(hostCtx, e, err, tl, started)
	}

	w.dispose(hostCtx, e, log)

	if tl != nil {
		if ferr := tl.flush(context.WithoutCancel(hostCtx), w.store); ferr != nil {
			log.Error("failed to persist execution logs", "error", ferr)
		}
	}
}

// runWithRetry executes the handler under its retry policy. Each
// attempt runs under the per-attempt timeout; a timeout counts as a
// failing attempt. The back-off sleep honours cancellation, so a
// tripped token never waits out the full delay.
func (w *WorkerExecutor) runWithRetry(taskCtx context.Context, e *HandlerExecutor, tl *captureLogger) error {
	policy := e.RetryPolicy
	if policy == nil {
		policy = defaultRetryPolicy()
	}

	attempt := 0
	for {
		err := w.attempt(taskCtx, e, tl)
		if err == nil {
			return nil
		}
		if taskCtx.Err() != nil {
			return taskCtx.Err()
		}

		attempt++
		delay := policy.NextDelay(attempt)
		if delay == nil {
			return err
		}

		if e.Callbacks.Retry != nil {
			e.Callbacks.Retry(e.PersistenceID, attempt, err, *delay)
		}
		if w.metrics != nil {
			w.metrics.TasksRetried.WithLabelValues(e.QueueName).Inc()
		}
		w.publish(e, events.KindRetried, events.SeverityWarning,
			fmt.Sprintf("attempt %d failed, retrying in %s", attempt, *delay), renderError(err), nil)

		select {
		case <-time.After(*delay):
		case <-taskCtx.Done():
			return taskCtx.Err()
		}
	}
}

// attempt runs the handler once under the per-attempt timeout, inside a
// trace span, with panics converted to errors.
func (w *WorkerExecutor) attempt(taskCtx context.Context, e *HandlerExecutor, tl *captureLogger) (err error) {
	attemptCtx := taskCtx
	cancel := func() {}
	if e.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(taskCtx, e.Timeout)
	}
	defer cancel()

	spanCtx, span := w.tracer.Start(attemptCtx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", e.PersistenceID.String()),
		attribute.String("task.request_type", e.RequestType),
		attribute.String("task.queue", e.QueueName),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if tl != nil {
		spanCtx = WithTaskLogger(spanCtx, tl)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		err = e.Handler.Handle(spanCtx, e.Request)
	}()

	// A deadline on the attempt context while the task context is
	// still live means the timeout fired, not a cancellation.
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && taskCtx.Err() == nil {
		err = fmt.Errorf("%w after %s: %v", ErrHandlerTimeout, e.Timeout, err)
	}
	return err
}

// succeed finishes a successful run: run audit, recurring progression
// or completion, callbacks and events.
func (w *WorkerExecutor) succeed(ctx context.Context, e *HandlerExecutor, tl *captureLogger, started time.Time, elapsed time.Duration) {
	id := e.PersistenceID
	runs := e.CurrentRun + 1

	if w.store != nil && e.AuditLevel.AuditsRun(false) {
		if err := w.store.AppendRunsAudit(ctx, &storage.RunsAudit{
			QueuedTaskID:    id,
			ExecutedAt:      started,
			Status:          storage.StatusCompleted,
			ExecutionTimeMs: elapsed.Milliseconds(),
		}); err != nil {
			w.log.Error("failed to append run audit", "task_id", id.String(), "error", err)
		}
	}

	if e.Recurring != nil {
		now := time.Now().UTC()
		next := e.Recurring.CalculateNextValidRun(e.DueAt(), runs, now)

		if w.store != nil {
			if err := w.store.UpdateCurrentRun(ctx, id, next); err != nil {
				w.log.Error("failed to update run counter", "task_id", id.String(), "error", err)
			}
		}

		if next != nil {
			w.setStatus(ctx, e, storage.StatusPending, "")
			e.CurrentRun = runs
			e.NextRun = next
			// the handler is re-resolved for the next run; in lazy
			// mode nothing else keeps the instance alive
			e.Handler = nil
			w.publish(e, events.KindScheduled, events.SeverityInfo,
				fmt.Sprintf("run %d completed, next at %s", runs, next.Format(time.RFC3339)), "", nil)
			if e.Callbacks.Completed != nil {
				e.Callbacks.Completed(id)
			}
			if w.scheduler != nil {
				w.scheduler.Schedule(e, next)
			}
			return
		}
	} else if w.store != nil {
		if err := w.store.UpdateCurrentRun(ctx, id, nil); err != nil {
			w.log.Error("failed to update run counter", "task_id", id.String(), "error", err)
		}
	}

	if w.store != nil {
		if err := w.store.SetCompleted(ctx, id); err != nil {
			w.log.Error("failed to mark task completed", "task_id", id.String(), "error", err)
		}
	}
	if w.metrics != nil {
		w.metrics.TasksCompleted.WithLabelValues(e.QueueName).Inc()
	}
	var logs []*storage.ExecutionLog
	if tl != nil {
		logs = tl.drain()
	}
	w.publish(e, events.KindCompleted, events.SeverityInfo, "task completed", "", logs)
	if e.Callbacks.Completed != nil {
		e.Callbacks.Completed(id)
	}
}

// fail finishes an exhausted run: Failed status, detail capture, audit,
// OnError and the error event.
func (w *WorkerExecutor) fail(ctx context.Context, e *HandlerExecutor, cause error, tl *captureLogger, started time.Time) {
	id := e.PersistenceID
	detail := renderError(cause)

	if w.store != nil {
		if err := w.store.SetStatus(ctx, id, storage.StatusFailed, detail, e.AuditLevel); err != nil {
			w.log.Error("failed to mark task failed", "task_id", id.String(), "error", err)
		}
		if e.AuditLevel.AuditsRun(true) {
			executedAt := started
			if executedAt.IsZero() {
				executedAt = time.Now().UTC()
			}
			if err := w.store.AppendRunsAudit(ctx, &storage.RunsAudit{
				QueuedTaskID:    id,
				ExecutedAt:      executedAt,
				Status:          storage.StatusFailed,
				Exception:       detail,
				ExecutionTimeMs: time.Since(executedAt).Milliseconds(),
			}); err != nil {
				w.log.Error("failed to append run audit", "task_id", id.String(), "error", err)
			}
		}
	}
	if w.metrics != nil {
		w.metrics.TasksFailed.WithLabelValues(e.QueueName).Inc()
	}
	var logs []*storage.ExecutionLog
	if tl != nil {
		logs = tl.drain()
	}
	w.publish(e, events.KindFailed, events.SeverityError, "task failed", detail, logs)
	if e.Callbacks.Error != nil {
		e.Callbacks.Error(id, cause, detail)
	}
}

// cancelled finishes a user-cancelled run. OnCompleted never fires.
func (w *WorkerExecutor) cancelled(ctx context.Context, e *HandlerExecutor) {
	id := e.PersistenceID
	if w.store != nil {
		if err := w.store.SetCancelledByUser(ctx, id); err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
			w.log.Error("failed to mark task cancelled", "task_id", id.String(), "error", err)
		}
	}
	if w.metrics != nil {
		w.metrics.TasksCancelled.WithLabelValues(e.QueueName).Inc()
	}
	w.publish(e, events.KindCancelled, events.SeverityWarning, "task cancelled", "", nil)
}

// dispose releases the handler after the last lifecycle callback. Lazy
// recurring tasks dispose after every run; eager one-shot tasks after
// their sole run.
func (w *WorkerExecutor) dispose(ctx context.Context, e *HandlerExecutor, log logger.Logger) {
	if e.Callbacks.Dispose != nil {
		if err := e.Callbacks.Dispose(context.WithoutCancel(ctx)); err != nil {
			log.Warn("handler dispose failed", "error", err)
		}
	}
}

func (w *WorkerExecutor) setInProgress(ctx context.Context, e *HandlerExecutor) {
	if w.store == nil {
		return
	}
	if err := w.store.SetInProgress(ctx, e.PersistenceID); err != nil {
		w.log.Error("failed to mark task in progress", "task_id", e.PersistenceID.String(), "error", err)
	}
}

func (w *WorkerExecutor) setStatus(ctx context.Context, e *HandlerExecutor, status storage.TaskStatus, exception string) {
	if w.store == nil {
		return
	}
	if err := w.store.SetStatus(context.WithoutCancel(ctx), e.PersistenceID, status, exception, e.AuditLevel); err != nil {
		w.log.Error("failed to set task status", "task_id", e.PersistenceID.String(),
			"status", string(status), "error", err)
	}
}

func (w *WorkerExecutor) publish(e *HandlerExecutor, kind events.Kind, severity events.Severity, message, exception string, logs []*storage.ExecutionLog) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.TaskEventData{
		TaskID:        e.PersistenceID,
		Kind:          kind,
		EventAt:       time.Now().UTC(),
		Severity:      severity,
		RequestType:   e.RequestType,
		HandlerType:   e.HandlerType,
		RequestJSON:   e.RequestJSON,
		Message:       message,
		Exception:     exception,
		ExecutionLogs: logs,
	})
}

// isCancellation reports whether the error is the task context being
// torn down rather than a handler failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
