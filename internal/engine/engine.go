package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/internal/events"
	"github.com/tasklane/tasklane/internal/platform/config"
	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/platform/metrics"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/pkg/ids"
)

// shutdownGrace bounds how long Stop waits for consumers to finish
// their current tasks.
const shutdownGrace = 30 * time.Second

// Options configures an Engine.
type Options struct {
	// Storage supplies the persistence backend; nil runs the engine
	// without durability.
	Storage storage.Factory

	Queues                   []QueueConfig
	DefaultAuditLevel        storage.AuditLevel
	RecoveryEnabled          bool
	RecoveryBatchSize        int
	SchedulerShards          int
	UseLazyHandlerResolution bool
	ThrowIfUnableToPersist   bool
	MaxLogsPerTask           int
	MinLogLevel              storage.LogLevel
	EventBuffer              int
	IDs                      ids.Generator
	Metrics                  *metrics.Metrics
}

// OptionsFromConfig maps the host configuration onto engine options.
// The storage factory is attached separately by the host.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	queues := make([]QueueConfig, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, QueueConfig{
			Name:           q.Name,
			Capacity:       q.Capacity,
			Parallelism:    q.Parallelism,
			WhenFull:       ParseFullBehavior(q.WhenFull),
			DefaultTimeout: q.DefaultTimeout,
		})
	}
	return Options{
		Queues:                   queues,
		DefaultAuditLevel:        storage.ParseAuditLevel(cfg.DefaultAuditLevel),
		RecoveryEnabled:          cfg.RecoveryEnabled,
		RecoveryBatchSize:        cfg.RecoveryBatchSize,
		SchedulerShards:          cfg.SchedulerShards,
		UseLazyHandlerResolution: cfg.UseLazyHandlerResolution,
		ThrowIfUnableToPersist:   cfg.ThrowIfUnableToPersist,
		MaxLogsPerTask:           cfg.MaxLogsPerTask,
		MinLogLevel:              storage.ParseLogLevel(cfg.MinLogLevel),
	}
}

// Engine bundles the dispatcher, queues, scheduler, worker executor,
// recovery loop and event bus into one embeddable unit.
type Engine struct {
	opts Options
	log  logger.Logger

	registry      *HandlerRegistry
	bus           *events.Bus
	cancellations *CancellationRegistry
	queues        *QueueManager
	metrics       *metrics.Metrics

	mu         sync.Mutex
	store      storage.TaskStorage
	scheduler  Scheduler
	worker     *WorkerExecutor
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	started    bool
	stopped    bool
}

// New builds an engine. Handlers are registered on the returned value;
// Start launches the pools and runs recovery.
func New(opts Options, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.IDs == nil {
		opts.IDs = ids.NewV7Generator()
	}
	if opts.DefaultAuditLevel == "" {
		opts.DefaultAuditLevel = storage.AuditFull
	}
	if len(opts.Queues) == 0 {
		opts.Queues = []QueueConfig{
			{Name: DefaultQueueName},
			{Name: "high-priority", Parallelism: 8},
			{Name: BackgroundQueueName, Parallelism: 2, WhenFull: FullFallbackToDefault},
			{Name: RecurringQueueName},
		}
	}

	return &Engine{
		opts:          opts,
		log:           log.Named("engine"),
		registry:      NewHandlerRegistry(),
		bus:           events.NewBus(opts.EventBuffer),
		cancellations: NewCancellationRegistry(),
		queues:        NewQueueManager(opts.Queues, log, opts.Metrics),
		metrics:       opts.Metrics,
	}
}

// RegisterHandler binds a request type to a handler factory. All
// registrations must happen before Start so recovery can rebuild
// persisted work.
func (e *Engine) RegisterHandler(request any, factory func() TaskHandler) error {
	return e.registry.Register(request, factory)
}

// Events exposes the lifecycle event bus.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Storage exposes the persistence backend; nil before Start or when
// running without durability.
func (e *Engine) Storage() storage.TaskStorage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// Dispatcher exposes the dispatch entry point; nil before Start.
func (e *Engine) Dispatcher() *Dispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher
}

// Start builds the runtime, replays persisted work and launches the
// consumer pools and scheduler loops. The engine reports ready only
// after recovery completed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine is already started")
	}
	if e.stopped {
		return ErrEngineStopped
	}

	hostCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	if e.opts.Storage != nil {
		store, err := e.opts.Storage(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to build storage: %w", err)
		}
		e.store = store
	}

	e.worker = NewWorkerExecutor(e.registry, e.store, e.cancellations, e.bus,
		e.log, e.metrics, e.opts.MaxLogsPerTask, e.opts.MinLogLevel)
	e.queues.SetExecutor(e.worker.Execute)

	dispatchDue := func(ctx context.Context, exec *HandlerExecutor) error {
		if stale := e.isStaleEntry(ctx, exec); stale {
			return nil
		}
		if e.store != nil {
			if err := e.store.SetQueued(ctx, exec.PersistenceID); err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
				e.log.Error("failed to mark due task queued",
					"task_id", exec.PersistenceID.String(), "error", err)
			}
		}
		return e.queues.Enqueue(ctx, exec)
	}
	onDispatchError := func(exec *HandlerExecutor, err error) {
		if e.store != nil {
			if serr := e.store.SetStatus(context.Background(), exec.PersistenceID,
				storage.StatusFailed, renderError(err), exec.AuditLevel); serr != nil {
				e.log.Error("failed to mark task failed after dispatch error",
					"task_id", exec.PersistenceID.String(), "error", serr)
			}
		}
		e.bus.Publish(events.TaskEventData{
			TaskID:      exec.PersistenceID,
			Kind:        events.KindFailed,
			Severity:    events.SeverityError,
			RequestType: exec.RequestType,
			HandlerType: exec.HandlerType,
			Message:     "failed to dispatch scheduled task",
			Exception:   renderError(err),
		})
	}

	if e.opts.SchedulerShards > 0 {
		e.scheduler = NewShardedScheduler(e.opts.SchedulerShards, dispatchDue, onDispatchError, e.log)
	} else {
		e.scheduler = NewTimerScheduler(dispatchDue, onDispatchError, e.log)
	}
	e.worker.SetScheduler(e.scheduler)

	e.dispatcher = NewDispatcher(e.registry, e.store, e.scheduler, e.queues,
		e.cancellations, e.bus, e.opts.IDs, e.log, e.metrics,
		e.opts.DefaultAuditLevel, e.opts.ThrowIfUnableToPersist,
		e.opts.UseLazyHandlerResolution)

	// consumers come up first so a recovery backlog larger than any
	// queue's capacity cannot wedge startup; recovery still completes
	// before Start returns and the host reports ready
	e.queues.Start(hostCtx)
	e.scheduler.Start(hostCtx)

	if e.opts.RecoveryEnabled && e.store != nil {
		recovery := NewRecovery(e.store, e.registry, e.scheduler, e.queues,
			e.log, e.opts.RecoveryBatchSize)
		if err := recovery.Run(ctx); err != nil {
			cancel()
			return fmt.Errorf("recovery failed: %w", err)
		}
	}
	e.started = true
	e.log.Info("engine started", "queues", len(e.opts.Queues))
	return nil
}

// isStaleEntry drops scheduler entries whose persisted row moved on
// without them: the task finished, was cancelled, is already running,
// or a task-key update pushed its schedule elsewhere.
func (e *Engine) isStaleEntry(ctx context.Context, exec *HandlerExecutor) bool {
	if e.store == nil {
		return false
	}
	row, err := e.store.GetByID(ctx, exec.PersistenceID)
	if errors.Is(err, storage.ErrTaskNotFound) {
		return true
	}
	if err != nil {
		e.log.Error("failed to check scheduled task state",
			"task_id", exec.PersistenceID.String(), "error", err)
		return false
	}
	if row.Status.Terminal() || row.Status == storage.StatusInProgress {
		return true
	}
	if row.NextRunAt != nil && row.NextRunAt.After(time.Now().UTC().Add(time.Second)) {
		return true
	}
	return false
}

// Dispatch forwards to the dispatcher.
func (e *Engine) Dispatch(ctx context.Context, request any, opts ...DispatchOption) (uuid.UUID, error) {
	d := e.Dispatcher()
	if d == nil {
		return uuid.Nil, ErrEngineStopped
	}
	return d.Dispatch(ctx, request, opts...)
}

// Cancel forwards to the dispatcher.
func (e *Engine) Cancel(ctx context.Context, taskID uuid.UUID) error {
	d := e.Dispatcher()
	if d == nil {
		return ErrEngineStopped
	}
	return d.Cancel(ctx, taskID)
}

// Stop shuts the engine down: the host token is cancelled, consumers
// finish their current task within the grace period, undelivered queue
// items are marked ServiceStopped for recovery to replay.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	store := e.store
	e.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		e.queues.Wait()
		e.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		e.log.Warn("shutdown grace period elapsed with consumers still busy")
	case <-ctx.Done():
	}

	for _, exec := range e.queues.Drain() {
		if store != nil {
			if err := store.SetStatus(context.WithoutCancel(ctx), exec.PersistenceID,
				storage.StatusServiceStopped, "", exec.AuditLevel); err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
				e.log.Error("failed to mark drained task stopped",
					"task_id", exec.PersistenceID.String(), "error", err)
			}
		}
	}

	e.bus.Close()
	if store != nil {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}
	e.log.Info("engine stopped")
	return nil
}
