package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/recurring"
	"github.com/tasklane/tasklane/internal/storage"
)

// Recovery replays unfinished persisted work on startup, before the
// host accepts new dispatches: due tasks are re-enqueued, future ones
// re-scheduled.
type Recovery struct {
	store     storage.TaskStorage
	registry  *HandlerRegistry
	scheduler Scheduler
	queues    *QueueManager
	log       logger.Logger
	batchSize int
}

// NewRecovery wires the recovery loop.
func NewRecovery(
	store storage.TaskStorage,
	registry *HandlerRegistry,
	scheduler Scheduler,
	queues *QueueManager,
	log logger.Logger,
	batchSize int,
) *Recovery {
	if log == nil {
		log = logger.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 250
	}
	return &Recovery{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		queues:    queues,
		log:       log.Named("recovery"),
		batchSize: batchSize,
	}
}

// Run scans every pending row through keyset pagination and replays it.
// Memory stays bounded by the batch size regardless of backlog.
func (r *Recovery) Run(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	var lastCreatedAt *time.Time
	var lastID *uuid.UUID
	recovered := 0

	for {
		batch, err := r.store.RetrievePending(ctx, lastCreatedAt, lastID, r.batchSize)
		if err != nil {
			return fmt.Errorf("failed to retrieve pending tasks: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			if err := r.replay(ctx, row); err != nil {
				r.log.Error("failed to recover task", "task_id", row.ID.String(), "error", err)
			} else {
				recovered++
			}
		}

		tail := batch[len(batch)-1]
		created := tail.CreatedAt
		id := tail.ID
		lastCreatedAt = &created
		lastID = &id
	}

	if recovered > 0 {
		r.log.Info("recovery completed", "tasks", recovered)
	}
	return nil
}

// replay rebuilds an executor from its persisted row and routes it. The
// handler stays unresolved; the worker materialises it at execution.
func (r *Recovery) replay(ctx context.Context, row *storage.QueuedTask) error {
	if !r.registry.Known(row.RequestType) {
		return fmt.Errorf("%w: %s", ErrUnknownRequestType, row.RequestType)
	}

	rec, err := recurring.Parse(row.RecurringTask)
	if err != nil {
		return fmt.Errorf("failed to parse recurring configuration: %w", err)
	}

	exec := &HandlerExecutor{
		PersistenceID: row.ID,
		RequestJSON:   row.Request,
		RequestType:   row.RequestType,
		HandlerType:   row.HandlerType,
		ExecutionTime: row.ScheduledExecutionAt,
		NextRun:       row.NextRunAt,
		Recurring:     rec,
		QueueName:     row.QueueName,
		TaskKey:       row.TaskKey,
		AuditLevel:    row.AuditLevel,
		CurrentRun:    row.CurrentRunCount,
	}

	if row.NextRunAt != nil && row.NextRunAt.After(time.Now().UTC()) {
		r.scheduler.Schedule(exec, row.NextRunAt)
		return nil
	}

	if err := r.store.SetQueued(ctx, row.ID); err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
		return fmt.Errorf("failed to mark task queued: %w", err)
	}
	return r.queues.Enqueue(ctx, exec)
}
