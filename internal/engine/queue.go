package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/platform/metrics"
)

// DefaultQueueName is the fallback queue for tasks with no routing
// hint. RecurringQueueName is the default home of recurring tasks.
const (
	DefaultQueueName    = "default"
	RecurringQueueName  = "recurring"
	BackgroundQueueName = "background"
)

// FullBehavior selects what an enqueue does when the queue is at
// capacity.
type FullBehavior string

// Full behaviors
const (
	// FullWait blocks the producer until capacity frees up or the host
	// shuts down.
	FullWait FullBehavior = "wait"
	// FullFallbackToDefault retries the enqueue on the default queue,
	// waiting there if it is also full.
	FullFallbackToDefault FullBehavior = "fallback_default"
	// FullDrop fails the enqueue with ErrQueueFull; the task stays in
	// its persisted Queued state for recovery to replay.
	FullDrop FullBehavior = "drop"
)

// ParseFullBehavior maps a config string to a FullBehavior, defaulting
// to FullWait.
func ParseFullBehavior(s string) FullBehavior {
	switch s {
	case string(FullFallbackToDefault), "fallback":
		return FullFallbackToDefault
	case string(FullDrop):
		return FullDrop
	}
	return FullWait
}

// QueueConfig describes a named bounded queue and its consumer pool.
type QueueConfig struct {
	Name           string
	Capacity       int
	Parallelism    int
	WhenFull       FullBehavior
	DefaultTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = 500
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.WhenFull == "" {
		c.WhenFull = FullWait
	}
	return c
}

// boundedQueue is a named FIFO channel with capacity K.
type boundedQueue struct {
	cfg QueueConfig
	ch  chan *HandlerExecutor
}

// QueueManager owns the named queues and their fixed consumer pools.
// Each queue starts Parallelism long-lived consumers that process
// dequeued executors synchronously; an error in one item never kills
// the consumer loop.
type QueueManager struct {
	queues  map[string]*boundedQueue
	execute func(ctx context.Context, e *HandlerExecutor)
	log     logger.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewQueueManager builds the manager from the queue set. A "default"
// queue is always present.
func NewQueueManager(configs []QueueConfig, log logger.Logger, m *metrics.Metrics) *QueueManager {
	if log == nil {
		log = logger.NewNop()
	}
	qm := &QueueManager{
		queues:  make(map[string]*boundedQueue),
		log:     log.Named("queues"),
		metrics: m,
	}
	for _, cfg := range configs {
		cfg = cfg.withDefaults()
		qm.queues[cfg.Name] = &boundedQueue{
			cfg: cfg,
			ch:  make(chan *HandlerExecutor, cfg.Capacity),
		}
	}
	if _, ok := qm.queues[DefaultQueueName]; !ok {
		cfg := QueueConfig{Name: DefaultQueueName}.withDefaults()
		qm.queues[DefaultQueueName] = &boundedQueue{
			cfg: cfg,
			ch:  make(chan *HandlerExecutor, cfg.Capacity),
		}
	}
	return qm
}

// SetExecutor wires the worker callback invoked for every dequeued
// executor. Must be called before Start.
func (qm *QueueManager) SetExecutor(execute func(ctx context.Context, e *HandlerExecutor)) {
	qm.execute = execute
}

// Queue returns the configuration of a named queue.
func (qm *QueueManager) Queue(name string) (QueueConfig, bool) {
	q, ok := qm.queues[name]
	if !ok {
		return QueueConfig{}, false
	}
	return q.cfg, true
}

// resolve maps a routing hint to an existing queue, falling back to
// the default queue for unknown names.
func (qm *QueueManager) resolve(name string) *boundedQueue {
	if name != "" {
		if q, ok := qm.queues[name]; ok {
			return q
		}
		qm.log.Warn("unknown queue, routing to default", "queue", name)
	}
	return qm.queues[DefaultQueueName]
}

// Enqueue routes the executor into its queue, honouring the queue's
// full-behavior policy.
func (qm *QueueManager) Enqueue(ctx context.Context, e *HandlerExecutor) error {
	q := qm.resolve(e.QueueName)

	switch q.cfg.WhenFull {
	case FullDrop:
		select {
		case q.ch <- e:
		default:
			return fmt.Errorf("%w: %s", ErrQueueFull, q.cfg.Name)
		}
	case FullFallbackToDefault:
		select {
		case q.ch <- e:
		default:
			fallback := qm.queues[DefaultQueueName]
			select {
			case fallback.ch <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	default: // FullWait
		select {
		case q.ch <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if qm.metrics != nil {
		qm.metrics.TasksQueued.WithLabelValues(q.cfg.Name).Inc()
		qm.metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(len(q.ch)))
	}
	return nil
}

// Start spawns the fixed consumer pools. Consumers terminate when the
// context is cancelled or the queue channel is closed.
func (qm *QueueManager) Start(ctx context.Context) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if qm.started {
		return
	}
	qm.started = true

	for _, q := range qm.queues {
		for i := 0; i < q.cfg.Parallelism; i++ {
			qm.wg.Add(1)
			go qm.consume(ctx, q, i)
		}
	}
}

// consume is one long-lived consumer: it reads executors off the queue
// and processes each synchronously. Panics are contained so a broken
// handler cannot take the consumer down.
func (qm *QueueManager) consume(ctx context.Context, q *boundedQueue, index int) {
	defer qm.wg.Done()
	log := qm.log.WithFields(map[string]interface{}{"queue": q.cfg.Name, "consumer": index})

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			if qm.metrics != nil {
				qm.metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(len(q.ch)))
			}
			qm.run(ctx, e, log)
		}
	}
}

func (qm *QueueManager) run(ctx context.Context, e *HandlerExecutor, log logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("consumer recovered from panic", "task_id", e.PersistenceID.String(), "panic", r)
		}
	}()
	qm.execute(ctx, e)
}

// Wait blocks until every consumer has exited.
func (qm *QueueManager) Wait() {
	qm.wg.Wait()
}

// Drain returns the executors still sitting in the queues, emptying
// them. Used during shutdown to mark undelivered work.
func (qm *QueueManager) Drain() []*HandlerExecutor {
	var out []*HandlerExecutor
	for _, q := range qm.queues {
		for {
			select {
			case e := <-q.ch:
				out = append(out, e)
			default:
				goto next
			}
		}
	next:
	}
	return out
}
