package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tasklane/tasklane/pkg/ids"
)

// MongoStorage implements TaskStorage on MongoDB: one collection per
// table, ids stored as their canonical string form.
type MongoStorage struct {
	client *mongo.Client
	tasks  *mongo.Collection
	status *mongo.Collection
	runs   *mongo.Collection
	logs   *mongo.Collection
	gen    ids.Generator
}

type mongoTask struct {
	ID                   string     `bson:"_id"`
	Status               string     `bson:"status"`
	CreatedAt            time.Time  `bson:"createdAt"`
	LastExecutionAt      *time.Time `bson:"lastExecutionAt,omitempty"`
	ScheduledExecutionAt *time.Time `bson:"scheduledExecutionAt,omitempty"`
	NextRunAt            *time.Time `bson:"nextRunAt,omitempty"`
	RequestType          string     `bson:"requestType"`
	HandlerType          string     `bson:"handlerType"`
	Request              string     `bson:"request"`
	Exception            string     `bson:"exception"`
	IsRecurring          bool       `bson:"isRecurring"`
	RecurringTask        string     `bson:"recurringTask"`
	RecurringInfo        string     `bson:"recurringInfo"`
	CurrentRunCount      int        `bson:"currentRunCount"`
	MaxRuns              *int       `bson:"maxRuns,omitempty"`
	RunUntil             *time.Time `bson:"runUntil,omitempty"`
	TaskKey              string     `bson:"taskKey,omitempty"`
	QueueName            string     `bson:"queueName"`
	AuditLevel           string     `bson:"auditLevel"`
}

func toMongoTask(t *QueuedTask) *mongoTask {
	return &mongoTask{
		ID:                   t.ID.String(),
		Status:               string(t.Status),
		CreatedAt:            t.CreatedAt.UTC(),
		LastExecutionAt:      t.LastExecutionAt,
		ScheduledExecutionAt: t.ScheduledExecutionAt,
		NextRunAt:            t.NextRunAt,
		RequestType:          t.RequestType,
		HandlerType:          t.HandlerType,
		Request:              t.Request,
		Exception:            t.Exception,
		IsRecurring:          t.IsRecurring,
		RecurringTask:        t.RecurringTask,
		RecurringInfo:        t.RecurringInfo,
		CurrentRunCount:      t.CurrentRunCount,
		MaxRuns:              t.MaxRuns,
		RunUntil:             t.RunUntil,
		TaskKey:              t.TaskKey,
		QueueName:            t.QueueName,
		AuditLevel:           string(t.AuditLevel),
	}
}

func (m *mongoTask) toTask() (*QueuedTask, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("corrupt task id %q: %w", m.ID, err)
	}
	return &QueuedTask{
		ID:                   id,
		Status:               TaskStatus(m.Status),
		CreatedAt:            m.CreatedAt.UTC(),
		LastExecutionAt:      utcPtr(m.LastExecutionAt),
		ScheduledExecutionAt: utcPtr(m.ScheduledExecutionAt),
		NextRunAt:            utcPtr(m.NextRunAt),
		RequestType:          m.RequestType,
		HandlerType:          m.HandlerType,
		Request:              m.Request,
		Exception:            m.Exception,
		IsRecurring:          m.IsRecurring,
		RecurringTask:        m.RecurringTask,
		RecurringInfo:        m.RecurringInfo,
		CurrentRunCount:      m.CurrentRunCount,
		MaxRuns:              m.MaxRuns,
		RunUntil:             utcPtr(m.RunUntil),
		TaskKey:              m.TaskKey,
		QueueName:            m.QueueName,
		AuditLevel:           AuditLevel(m.AuditLevel),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// NewMongoStorage connects to MongoDB and prepares the indexes.
func NewMongoStorage(ctx context.Context, uri, database string, gen ids.Generator) (*MongoStorage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	if gen == nil {
		gen = ids.NewV7Generator()
	}
	db := client.Database(database)
	s := &MongoStorage{
		client: client,
		tasks:  db.Collection("queued_tasks"),
		status: db.Collection("status_audit"),
		runs:   db.Collection("runs_audit"),
		logs:   db.Collection("task_execution_logs"),
		gen:    gen,
	}

	_, err = s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "taskKey", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(
				bson.D{{Key: "taskKey", Value: bson.D{{Key: "$type", Value: "string"}}}})},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task indexes: %w", err)
	}
	_, err = s.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "taskId", Value: 1}, {Key: "sequenceNumber", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log index: %w", err)
	}
	return s, nil
}

// MongoFactory returns a Factory producing Mongo backends.
func MongoFactory(uri, database string, gen ids.Generator) Factory {
	return func(ctx context.Context) (TaskStorage, error) {
		return NewMongoStorage(ctx, uri, database, gen)
	}
}

// Persist inserts a new task row.
func (s *MongoStorage) Persist(ctx context.Context, task *QueuedTask) error {
	if _, err := s.tasks.InsertOne(ctx, toMongoTask(task)); err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}
	if task.AuditLevel.auditsStatus(task.Status, task.Exception != "") {
		return s.pushStatusAudit(ctx, task.ID, task.Status, task.Exception)
	}
	return nil
}

// Update rewrites an existing row in place.
func (s *MongoStorage) Update(ctx context.Context, task *QueuedTask) error {
	res, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": task.ID.String()}, toMongoTask(task))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// GetByTaskKey returns the task registered under the key.
func (s *MongoStorage) GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error) {
	var row mongoTask
	err := s.tasks.FindOne(ctx, bson.M{"taskKey": key}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toTask()
}

// Get returns every task matching the predicate.
func (s *MongoStorage) Get(ctx context.Context, predicate func(*QueuedTask) bool) ([]*QueuedTask, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return all, nil
	}
	out := all[:0]
	for _, t := range all {
		if predicate(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetAll returns every task.
func (s *MongoStorage) GetAll(ctx context.Context) ([]*QueuedTask, error) {
	cur, err := s.tasks.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return s.drainTasks(ctx, cur)
}

// GetByID returns a single task.
func (s *MongoStorage) GetByID(ctx context.Context, id uuid.UUID) (*QueuedTask, error) {
	var row mongoTask
	err := s.tasks.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTask()
}

// Remove deletes a task and cascades to its audit and log rows.
func (s *MongoStorage) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrTaskNotFound
	}
	filter := bson.M{"queuedTaskId": id.String()}
	if _, err := s.status.DeleteMany(ctx, filter); err != nil {
		return err
	}
	if _, err := s.runs.DeleteMany(ctx, filter); err != nil {
		return err
	}
	_, err = s.logs.DeleteMany(ctx, bson.M{"taskId": id.String()})
	return err
}

// RetrievePending pages unfinished work by (createdAt, id) keyset.
func (s *MongoStorage) RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]*QueuedTask, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"status": bson.M{"$in": []string{"Queued", "Pending", "ServiceStopped", "InProgress"}},
		"$and": []bson.M{
			{"$or": []bson.M{
				{"maxRuns": nil},
				{"$expr": bson.M{"$lte": []string{"$currentRunCount", "$maxRuns"}}},
			}},
			{"$or": []bson.M{
				{"runUntil": nil},
				{"runUntil": bson.M{"$gte": now}},
			}},
		},
	}
	if lastCreatedAt != nil && lastID != nil {
		filter["$or"] = []bson.M{
			{"createdAt": bson.M{"$gt": lastCreatedAt.UTC()}},
			{"createdAt": lastCreatedAt.UTC(), "_id": bson.M{"$gt": lastID.String()}},
		}
	}
	cur, err := s.tasks.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(take)))
	if err != nil {
		return nil, err
	}
	return s.drainTasks(ctx, cur)
}

func (s *MongoStorage) drainTasks(ctx context.Context, cur *mongo.Cursor) ([]*QueuedTask, error) {
	defer cur.Close(ctx)
	var out []*QueuedTask
	for cur.Next(ctx) {
		var row mongoTask
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, cur.Err()
}

// SetStatus transitions a task, recording audit per the given level.
func (s *MongoStorage) SetStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string, level AuditLevel) error {
	task, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	update := bson.M{"status": string(status)}
	if exception != "" {
		update["exception"] = exception
	}
	if status.Terminal() && !task.IsRecurring {
		update["nextRunAt"] = nil
	}
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$set": update})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	if level.auditsStatus(status, exception != "") {
		return s.pushStatusAudit(ctx, id, status, exception)
	}
	return nil
}

func (s *MongoStorage) setStatusRowLevel(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	task, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, status, exception, task.AuditLevel)
}

// SetCancelledByUser marks a user-requested cancellation.
func (s *MongoStorage) SetCancelledByUser(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, "")
}

// SetCancelledByService marks an engine-side cancellation.
func (s *MongoStorage) SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, exception)
}

// SetQueued transitions to Queued.
func (s *MongoStorage) SetQueued(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusQueued, "")
}

// SetInProgress transitions to InProgress.
func (s *MongoStorage) SetInProgress(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusInProgress, "")
}

// SetCompleted transitions to Completed.
func (s *MongoStorage) SetCompleted(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCompleted, "")
}

func (s *MongoStorage) pushStatusAudit(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	_, err := s.status.InsertOne(ctx, bson.M{
		"_id":          s.gen.NewID().String(),
		"queuedTaskId": id.String(),
		"updatedAt":    time.Now().UTC(),
		"newStatus":    string(status),
		"exception":    exception,
	})
	return err
}

// UpdateCurrentRun increments the run counter and stores the next
// occurrence.
func (s *MongoStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	update := bson.M{
		"$inc": bson.M{"currentRunCount": 1},
		"$set": bson.M{"lastExecutionAt": time.Now().UTC(), "nextRunAt": nextRun},
	}
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": id.String()}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// GetCurrentRunCount reads the run counter.
func (s *MongoStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	task, err := s.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return task.CurrentRunCount, nil
}

// AppendRunsAudit records one execution outcome.
func (s *MongoStorage) AppendRunsAudit(ctx context.Context, audit *RunsAudit) error {
	id := audit.ID
	if id == uuid.Nil {
		id = s.gen.NewID()
	}
	_, err := s.runs.InsertOne(ctx, bson.M{
		"_id":             id.String(),
		"queuedTaskId":    audit.QueuedTaskID.String(),
		"executedAt":      audit.ExecutedAt.UTC(),
		"status":          string(audit.Status),
		"exception":       audit.Exception,
		"executionTimeMs": audit.ExecutionTimeMs,
	})
	return err
}

// GetStatusAudits returns the status history of a task.
func (s *MongoStorage) GetStatusAudits(ctx context.Context, id uuid.UUID) ([]*StatusAudit, error) {
	cur, err := s.status.Find(ctx, bson.M{"queuedTaskId": id.String()},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*StatusAudit
	for cur.Next(ctx) {
		var row struct {
			ID           string    `bson:"_id"`
			QueuedTaskID string    `bson:"queuedTaskId"`
			UpdatedAt    time.Time `bson:"updatedAt"`
			NewStatus    string    `bson:"newStatus"`
			Exception    string    `bson:"exception"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		aid, _ := uuid.Parse(row.ID)
		tid, _ := uuid.Parse(row.QueuedTaskID)
		out = append(out, &StatusAudit{
			ID: aid, QueuedTaskID: tid, UpdatedAt: row.UpdatedAt.UTC(),
			NewStatus: TaskStatus(row.NewStatus), Exception: row.Exception,
		})
	}
	return out, cur.Err()
}

// GetRunsAudits returns the execution history of a task.
func (s *MongoStorage) GetRunsAudits(ctx context.Context, id uuid.UUID) ([]*RunsAudit, error) {
	cur, err := s.runs.Find(ctx, bson.M{"queuedTaskId": id.String()},
		options.Find().SetSort(bson.D{{Key: "executedAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*RunsAudit
	for cur.Next(ctx) {
		var row struct {
			ID              string    `bson:"_id"`
			QueuedTaskID    string    `bson:"queuedTaskId"`
			ExecutedAt      time.Time `bson:"executedAt"`
			Status          string    `bson:"status"`
			Exception       string    `bson:"exception"`
			ExecutionTimeMs int64     `bson:"executionTimeMs"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		aid, _ := uuid.Parse(row.ID)
		tid, _ := uuid.Parse(row.QueuedTaskID)
		out = append(out, &RunsAudit{
			ID: aid, QueuedTaskID: tid, ExecutedAt: row.ExecutedAt.UTC(),
			Status: TaskStatus(row.Status), Exception: row.Exception,
			ExecutionTimeMs: row.ExecutionTimeMs,
		})
	}
	return out, cur.Err()
}

// SaveExecutionLogs appends a batch of captured log entries.
func (s *MongoStorage) SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(logs))
	for _, entry := range logs {
		id := entry.ID
		if id == uuid.Nil {
			id = s.gen.NewID()
		}
		docs = append(docs, bson.M{
			"_id":              id.String(),
			"taskId":           taskID.String(),
			"timestampUtc":     entry.Timestamp.UTC(),
			"level":            string(entry.Level),
			"message":          entry.Message,
			"exceptionDetails": entry.ExceptionDetails,
			"sequenceNumber":   entry.SequenceNumber,
		})
	}
	_, err := s.logs.InsertMany(ctx, docs)
	return err
}

// GetExecutionLogs pages captured entries in sequence order.
func (s *MongoStorage) GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, minLevel *LogLevel) ([]*ExecutionLog, error) {
	filter := bson.M{"taskId": taskID.String()}
	if minLevel != nil {
		filter["level"] = bson.M{"$in": levelsAtLeast(*minLevel)}
	}
	cur, err := s.logs.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "sequenceNumber", Value: 1}}).
		SetSkip(int64(skip)).SetLimit(int64(take)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*ExecutionLog
	for cur.Next(ctx) {
		var row struct {
			ID               string    `bson:"_id"`
			TaskID           string    `bson:"taskId"`
			TimestampUTC     time.Time `bson:"timestampUtc"`
			Level            string    `bson:"level"`
			Message          string    `bson:"message"`
			ExceptionDetails string    `bson:"exceptionDetails"`
			SequenceNumber   int       `bson:"sequenceNumber"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		lid, _ := uuid.Parse(row.ID)
		tid, _ := uuid.Parse(row.TaskID)
		out = append(out, &ExecutionLog{
			ID: lid, TaskID: tid, Timestamp: row.TimestampUTC.UTC(),
			Level: LogLevel(row.Level), Message: row.Message,
			ExceptionDetails: row.ExceptionDetails, SequenceNumber: row.SequenceNumber,
		})
	}
	return out, cur.Err()
}

// Close disconnects the client.
func (s *MongoStorage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
