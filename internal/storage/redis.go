package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tasklane/tasklane/pkg/ids"
)

// RedisStorage implements TaskStorage on Redis. Task rows are JSON
// blobs keyed by id; a pending zset scored by creation time backs the
// keyset pagination; audits and logs live in per-task lists.
type RedisStorage struct {
	client *redis.Client
	prefix string
	gen    ids.Generator
}

// RedisConfig holds Redis backend configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig, gen ids.Generator) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tasklane"
	}
	if gen == nil {
		gen = ids.NewV7Generator()
	}
	return &RedisStorage{client: client, prefix: prefix, gen: gen}, nil
}

// RedisFactory returns a Factory producing Redis backends.
func RedisFactory(cfg RedisConfig, gen ids.Generator) Factory {
	return func(ctx context.Context) (TaskStorage, error) {
		return NewRedisStorage(ctx, cfg, gen)
	}
}

func (s *RedisStorage) taskKey(id uuid.UUID) string  { return s.prefix + ":task:" + id.String() }
func (s *RedisStorage) keyIndex(key string) string   { return s.prefix + ":key:" + key }
func (s *RedisStorage) pendingKey() string           { return s.prefix + ":pending" }
func (s *RedisStorage) allKey() string               { return s.prefix + ":all" }
func (s *RedisStorage) statusKey(id uuid.UUID) string { return s.prefix + ":status:" + id.String() }
func (s *RedisStorage) runsKey(id uuid.UUID) string   { return s.prefix + ":runs:" + id.String() }
func (s *RedisStorage) logsKey(id uuid.UUID) string   { return s.prefix + ":logs:" + id.String() }

func (s *RedisStorage) write(ctx context.Context, task *QueuedTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialise task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, 0)
	pipe.SAdd(ctx, s.allKey(), task.ID.String())
	if task.TaskKey != "" {
		pipe.Set(ctx, s.keyIndex(task.TaskKey), task.ID.String(), 0)
	}
	if task.Status.Recoverable() {
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{
			Score:  float64(task.CreatedAt.UTC().UnixNano()),
			Member: task.ID.String(),
		})
	} else {
		pipe.ZRem(ctx, s.pendingKey(), task.ID.String())
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStorage) read(ctx context.Context, id uuid.UUID) (*QueuedTask, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var task QueuedTask
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to parse task %s: %w", id, err)
	}
	return &task, nil
}

// Persist inserts a new task row.
func (s *RedisStorage) Persist(ctx context.Context, task *QueuedTask) error {
	if err := s.write(ctx, task); err != nil {
		return err
	}
	if task.AuditLevel.auditsStatus(task.Status, task.Exception != "") {
		return s.pushStatusAudit(ctx, task.ID, task.Status, task.Exception)
	}
	return nil
}

// Update rewrites an existing row in place.
func (s *RedisStorage) Update(ctx context.Context, task *QueuedTask) error {
	existing, err := s.read(ctx, task.ID)
	if err != nil {
		return err
	}
	if existing.TaskKey != "" && existing.TaskKey != task.TaskKey {
		s.client.Del(ctx, s.keyIndex(existing.TaskKey))
	}
	return s.write(ctx, task)
}

// GetByTaskKey returns the task registered under the key.
func (s *RedisStorage) GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error) {
	idStr, err := s.client.Get(ctx, s.keyIndex(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt task key index for %q: %w", key, err)
	}
	task, err := s.read(ctx, id)
	if err == ErrTaskNotFound {
		return nil, nil
	}
	return task, err
}

// Get returns every task matching the predicate.
func (s *RedisStorage) Get(ctx context.Context, predicate func(*QueuedTask) bool) ([]*QueuedTask, error) {
	members, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []*QueuedTask
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		task, err := s.read(ctx, id)
		if err == ErrTaskNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if predicate == nil || predicate(task) {
			out = append(out, task)
		}
	}
	sortTasks(out)
	return out, nil
}

// GetAll returns every task.
func (s *RedisStorage) GetAll(ctx context.Context) ([]*QueuedTask, error) {
	return s.Get(ctx, nil)
}

// GetByID returns a single task.
func (s *RedisStorage) GetByID(ctx context.Context, id uuid.UUID) (*QueuedTask, error) {
	return s.read(ctx, id)
}

// Remove deletes a task with its audit and log rows.
func (s *RedisStorage) Remove(ctx context.Context, id uuid.UUID) error {
	task, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.taskKey(id), s.statusKey(id), s.runsKey(id), s.logsKey(id))
	pipe.SRem(ctx, s.allKey(), id.String())
	pipe.ZRem(ctx, s.pendingKey(), id.String())
	if task.TaskKey != "" {
		pipe.Del(ctx, s.keyIndex(task.TaskKey))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// RetrievePending pages unfinished work through the pending zset.
func (s *RedisStorage) RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]*QueuedTask, error) {
	min := "-inf"
	if lastCreatedAt != nil {
		// inclusive from the cursor score; same-score ties are filtered
		// below on the id tiebreak
		min = fmt.Sprintf("%d", lastCreatedAt.UTC().UnixNano())
	}
	members, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: min, Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []*QueuedTask
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		task, err := s.read(ctx, id)
		if err == ErrTaskNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !task.Status.Recoverable() || !withinRunBounds(task, now) {
			continue
		}
		if lastCreatedAt != nil {
			if task.CreatedAt.Before(*lastCreatedAt) {
				continue
			}
			if task.CreatedAt.Equal(*lastCreatedAt) && lastID != nil && ids.Compare(task.ID, *lastID) <= 0 {
				continue
			}
		}
		out = append(out, task)
	}
	sortTasks(out)
	if take > 0 && len(out) > take {
		out = out[:take]
	}
	return out, nil
}

// SetStatus transitions a task, recording audit per the given level.
func (s *RedisStorage) SetStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string, level AuditLevel) error {
	task, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	task.Status = status
	if exception != "" {
		task.Exception = exception
	}
	if status.Terminal() && !task.IsRecurring {
		task.NextRunAt = nil
	}
	if err := s.write(ctx, task); err != nil {
		return err
	}
	if level.auditsStatus(status, exception != "") {
		return s.pushStatusAudit(ctx, id, status, exception)
	}
	return nil
}

func (s *RedisStorage) setStatusRowLevel(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	task, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, status, exception, task.AuditLevel)
}

// SetCancelledByUser marks a user-requested cancellation.
func (s *RedisStorage) SetCancelledByUser(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, "")
}

// SetCancelledByService marks an engine-side cancellation.
func (s *RedisStorage) SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, exception)
}

// SetQueued transitions to Queued.
func (s *RedisStorage) SetQueued(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusQueued, "")
}

// SetInProgress transitions to InProgress.
func (s *RedisStorage) SetInProgress(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusInProgress, "")
}

// SetCompleted transitions to Completed.
func (s *RedisStorage) SetCompleted(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCompleted, "")
}

func (s *RedisStorage) pushStatusAudit(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	audit := StatusAudit{
		ID:           s.gen.NewID(),
		QueuedTaskID: id,
		UpdatedAt:    time.Now().UTC(),
		NewStatus:    status,
		Exception:    exception,
	}
	data, err := json.Marshal(audit)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.statusKey(id), data).Err()
}

// UpdateCurrentRun increments the run counter and stores the next
// occurrence.
func (s *RedisStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	task, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.CurrentRunCount++
	task.LastExecutionAt = &now
	task.NextRunAt = copyTime(nextRun)
	return s.write(ctx, task)
}

// GetCurrentRunCount reads the run counter.
func (s *RedisStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	task, err := s.read(ctx, id)
	if err != nil {
		return 0, err
	}
	return task.CurrentRunCount, nil
}

// AppendRunsAudit records one execution outcome.
func (s *RedisStorage) AppendRunsAudit(ctx context.Context, audit *RunsAudit) error {
	stored := *audit
	if stored.ID == uuid.Nil {
		stored.ID = s.gen.NewID()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.runsKey(audit.QueuedTaskID), data).Err()
}

// GetStatusAudits returns the status history of a task.
func (s *RedisStorage) GetStatusAudits(ctx context.Context, id uuid.UUID) ([]*StatusAudit, error) {
	entries, err := s.client.LRange(ctx, s.statusKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*StatusAudit, 0, len(entries))
	for _, e := range entries {
		var a StatusAudit
		if err := json.Unmarshal([]byte(e), &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, nil
}

// GetRunsAudits returns the execution history of a task.
func (s *RedisStorage) GetRunsAudits(ctx context.Context, id uuid.UUID) ([]*RunsAudit, error) {
	entries, err := s.client.LRange(ctx, s.runsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*RunsAudit, 0, len(entries))
	for _, e := range entries {
		var a RunsAudit
		if err := json.Unmarshal([]byte(e), &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, nil
}

// SaveExecutionLogs appends a batch of captured log entries.
func (s *RedisStorage) SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(logs))
	for _, entry := range logs {
		stored := *entry
		if stored.ID == uuid.Nil {
			stored.ID = s.gen.NewID()
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	return s.client.RPush(ctx, s.logsKey(taskID), values...).Err()
}

// GetExecutionLogs pages captured entries in sequence order.
func (s *RedisStorage) GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, minLevel *LogLevel) ([]*ExecutionLog, error) {
	entries, err := s.client.LRange(ctx, s.logsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*ExecutionLog
	for _, e := range entries {
		var l ExecutionLog
		if err := json.Unmarshal([]byte(e), &l); err != nil {
			return nil, err
		}
		if minLevel != nil && !l.Level.AtLeast(*minLevel) {
			continue
		}
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	if skip > 0 {
		if skip >= len(out) {
			return nil, nil
		}
		out = out[skip:]
	}
	if take > 0 && len(out) > take {
		out = out[:take]
	}
	return out, nil
}

// Close releases the client.
func (s *RedisStorage) Close(ctx context.Context) error {
	return s.client.Close()
}
