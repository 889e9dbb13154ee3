package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tasklane/tasklane/pkg/ids"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS queued_tasks (
	id UUID PRIMARY KEY,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_execution_at TIMESTAMPTZ,
	scheduled_execution_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ,
	request_type TEXT NOT NULL,
	handler_type TEXT NOT NULL,
	request TEXT NOT NULL,
	exception TEXT NOT NULL DEFAULT '',
	is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
	recurring_task TEXT NOT NULL DEFAULT '',
	recurring_info TEXT NOT NULL DEFAULT '',
	current_run_count INT NOT NULL DEFAULT 0,
	max_runs INT,
	run_until TIMESTAMPTZ,
	task_key TEXT,
	queue_name TEXT NOT NULL DEFAULT '',
	audit_level TEXT NOT NULL DEFAULT 'Full'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queued_tasks_task_key
	ON queued_tasks (task_key) WHERE task_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_queued_tasks_created
	ON queued_tasks (created_at, id);
CREATE INDEX IF NOT EXISTS idx_queued_tasks_status
	ON queued_tasks (status);

CREATE TABLE IF NOT EXISTS status_audit (
	id UUID PRIMARY KEY,
	queued_task_id UUID NOT NULL REFERENCES queued_tasks(id) ON DELETE CASCADE,
	updated_at TIMESTAMPTZ NOT NULL,
	new_status TEXT NOT NULL,
	exception TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_status_audit_task ON status_audit (queued_task_id);

CREATE TABLE IF NOT EXISTS runs_audit (
	id UUID PRIMARY KEY,
	queued_task_id UUID NOT NULL REFERENCES queued_tasks(id) ON DELETE CASCADE,
	executed_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	exception TEXT NOT NULL DEFAULT '',
	execution_time_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_audit_task ON runs_audit (queued_task_id);

CREATE TABLE IF NOT EXISTS task_execution_logs (
	id UUID PRIMARY KEY,
	task_id UUID NOT NULL REFERENCES queued_tasks(id) ON DELETE CASCADE,
	timestamp_utc TIMESTAMPTZ NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	exception_details TEXT NOT NULL DEFAULT '',
	sequence_number INT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_execution_logs_seq
	ON task_execution_logs (task_id, sequence_number);
`

const taskColumns = `id, status, created_at, last_execution_at, scheduled_execution_at,
	next_run_at, request_type, handler_type, request, exception, is_recurring,
	recurring_task, recurring_info, current_run_count, max_runs, run_until,
	task_key, queue_name, audit_level`

// PostgresStorage implements TaskStorage on PostgreSQL.
type PostgresStorage struct {
	db  *sql.DB
	gen ids.Generator
}

// NewPostgresStorage opens the database and bootstraps the schema.
func NewPostgresStorage(ctx context.Context, dsn string, gen ids.Generator) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if gen == nil {
		gen = ids.NewV7Generator()
	}
	s := &PostgresStorage{db: db, gen: gen}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return s, nil
}

// PostgresFactory returns a Factory producing Postgres backends.
func PostgresFactory(dsn string, gen ids.Generator) Factory {
	return func(ctx context.Context) (TaskStorage, error) {
		return NewPostgresStorage(ctx, dsn, gen)
	}
}

// Persist inserts a new task row.
func (s *PostgresStorage) Persist(ctx context.Context, task *QueuedTask) error {
	query := `INSERT INTO queued_tasks (` + taskColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	_, err := s.db.ExecContext(ctx, query,
		task.ID, string(task.Status), task.CreatedAt.UTC(), nullTime(task.LastExecutionAt),
		nullTime(task.ScheduledExecutionAt), nullTime(task.NextRunAt), task.RequestType,
		task.HandlerType, task.Request, task.Exception, task.IsRecurring, task.RecurringTask,
		task.RecurringInfo, task.CurrentRunCount, nullInt(task.MaxRuns), nullTime(task.RunUntil),
		nullString(task.TaskKey), task.QueueName, string(task.AuditLevel))
	if err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}
	if task.AuditLevel.auditsStatus(task.Status, task.Exception != "") {
		return s.insertStatusAudit(ctx, task.ID, task.Status, task.Exception)
	}
	return nil
}

// Update rewrites an existing row in place.
func (s *PostgresStorage) Update(ctx context.Context, task *QueuedTask) error {
	query := `UPDATE queued_tasks SET
		status=$2, last_execution_at=$3, scheduled_execution_at=$4, next_run_at=$5,
		request_type=$6, handler_type=$7, request=$8, exception=$9, is_recurring=$10,
		recurring_task=$11, recurring_info=$12, current_run_count=$13, max_runs=$14,
		run_until=$15, task_key=$16, queue_name=$17, audit_level=$18
		WHERE id=$1`
	res, err := s.db.ExecContext(ctx, query,
		task.ID, string(task.Status), nullTime(task.LastExecutionAt),
		nullTime(task.ScheduledExecutionAt), nullTime(task.NextRunAt), task.RequestType,
		task.HandlerType, task.Request, task.Exception, task.IsRecurring, task.RecurringTask,
		task.RecurringInfo, task.CurrentRunCount, nullInt(task.MaxRuns), nullTime(task.RunUntil),
		nullString(task.TaskKey), task.QueueName, string(task.AuditLevel))
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res)
}

// GetByTaskKey returns the task registered under the key.
func (s *PostgresStorage) GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM queued_tasks WHERE task_key = $1`, key)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// Get returns every task matching the predicate. Predicates evaluate
// against the whole store, so rows are filtered after the scan.
func (s *PostgresStorage) Get(ctx context.Context, predicate func(*QueuedTask) bool) ([]*QueuedTask, error) {
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
func (s *PostgresStorage) GetAll(ctx context.Context) ([]*QueuedTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM queued_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetByID returns a single task.
func (s *PostgresStorage) GetByID(ctx context.Context, id uuid.UUID) (*QueuedTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM queued_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Remove deletes a task; audit and log rows cascade.
func (s *PostgresStorage) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RetrievePending pages unfinished work by (createdAt, id) keyset.
func (s *PostgresStorage) RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]*QueuedTask, error) {
	query := `SELECT ` + taskColumns + ` FROM queued_tasks
		WHERE status IN ('Queued','Pending','ServiceStopped','InProgress')
		AND (max_runs IS NULL OR current_run_count <= max_runs)
		AND (run_until IS NULL OR run_until >= NOW())`
	args := []interface{}{}
	if lastCreatedAt != nil && lastID != nil {
		query += ` AND (created_at, id) > ($1, $2)`
		args = append(args, lastCreatedAt.UTC(), *lastID)
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT %d`, take)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// SetStatus transitions a task, recording audit per the given level.
func (s *PostgresStorage) SetStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string, level AuditLevel) error {
	if err := s.applyStatus(ctx, id, status, exception); err != nil {
		return err
	}
	if level.auditsStatus(status, exception != "") {
		return s.insertStatusAudit(ctx, id, status, exception)
	}
	return nil
}

// SetCancelledByUser marks a user-requested cancellation.
func (s *PostgresStorage) SetCancelledByUser(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, "")
}

// SetCancelledByService marks an engine-side cancellation.
func (s *PostgresStorage) SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, exception)
}

// SetQueued transitions to Queued.
func (s *PostgresStorage) SetQueued(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusQueued, "")
}

// SetInProgress transitions to InProgress.
func (s *PostgresStorage) SetInProgress(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusInProgress, "")
}

// SetCompleted transitions to Completed.
func (s *PostgresStorage) SetCompleted(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCompleted, "")
}

// setStatusRowLevel applies a transition under the audit level stored
// on the row.
func (s *PostgresStorage) setStatusRowLevel(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	var level string
	err := s.db.QueryRowContext(ctx,
		`SELECT audit_level FROM queued_tasks WHERE id = $1`, id).Scan(&level)
	if err == sql.ErrNoRows {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, status, exception, AuditLevel(level))
}

func (s *PostgresStorage) applyStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	query := `UPDATE queued_tasks SET status = $2,
		exception = CASE WHEN $3 <> '' THEN $3 ELSE exception END,
		next_run_at = CASE WHEN $4 AND NOT is_recurring THEN NULL ELSE next_run_at END
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, string(status), exception, status.Terminal())
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStorage) insertStatusAudit(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_audit (id, queued_task_id, updated_at, new_status, exception)
		VALUES ($1,$2,$3,$4,$5)`,
		s.gen.NewID(), id, time.Now().UTC(), string(status), exception)
	return err
}

// UpdateCurrentRun increments the run counter and stores the next
// occurrence.
func (s *PostgresStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_tasks SET current_run_count = current_run_count + 1,
		last_execution_at = NOW(), next_run_at = $2 WHERE id = $1`,
		id, nullTime(nextRun))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetCurrentRunCount reads the run counter.
func (s *PostgresStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT current_run_count FROM queued_tasks WHERE id = $1`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrTaskNotFound
	}
	return count, err
}

// AppendRunsAudit records one execution outcome.
func (s *PostgresStorage) AppendRunsAudit(ctx context.Context, audit *RunsAudit) error {
	id := audit.ID
	if id == uuid.Nil {
		id = s.gen.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs_audit (id, queued_task_id, executed_at, status, exception, execution_time_ms)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		id, audit.QueuedTaskID, audit.ExecutedAt.UTC(), string(audit.Status),
		audit.Exception, audit.ExecutionTimeMs)
	return err
}

// GetStatusAudits returns the status history of a task.
func (s *PostgresStorage) GetStatusAudits(ctx context.Context, id uuid.UUID) ([]*StatusAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queued_task_id, updated_at, new_status, exception
		FROM status_audit WHERE queued_task_id = $1 ORDER BY updated_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StatusAudit
	for rows.Next() {
		var a StatusAudit
		var status string
		if err := rows.Scan(&a.ID, &a.QueuedTaskID, &a.UpdatedAt, &status, &a.Exception); err != nil {
			return nil, err
		}
		a.NewStatus = TaskStatus(status)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetRunsAudits returns the execution history of a task.
func (s *PostgresStorage) GetRunsAudits(ctx context.Context, id uuid.UUID) ([]*RunsAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queued_task_id, executed_at, status, exception, execution_time_ms
		FROM runs_audit WHERE queued_task_id = $1 ORDER BY executed_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunsAudit
	for rows.Next() {
		var a RunsAudit
		var status string
		if err := rows.Scan(&a.ID, &a.QueuedTaskID, &a.ExecutedAt, &status, &a.Exception, &a.ExecutionTimeMs); err != nil {
			return nil, err
		}
		a.Status = TaskStatus(status)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveExecutionLogs appends a batch of captured log entries in one
// transaction.
func (s *PostgresStorage) SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO task_execution_logs (id, task_id, timestamp_utc, level, message, exception_details, sequence_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range logs {
		id := entry.ID
		if id == uuid.Nil {
			id = s.gen.NewID()
		}
		if _, err := stmt.ExecContext(ctx, id, taskID, entry.Timestamp.UTC(),
			string(entry.Level), entry.Message, entry.ExceptionDetails, entry.SequenceNumber); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetExecutionLogs pages captured entries in sequence order.
func (s *PostgresStorage) GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, minLevel *LogLevel) ([]*ExecutionLog, error) {
	query := `SELECT id, task_id, timestamp_utc, level, message, exception_details, sequence_number
		FROM task_execution_logs WHERE task_id = $1`
	args := []interface{}{taskID}
	if minLevel != nil {
		query += ` AND level = ANY($2)`
		args = append(args, pq.Array(levelsAtLeast(*minLevel)))
	}
	query += fmt.Sprintf(` ORDER BY sequence_number OFFSET %d LIMIT %d`, skip, take)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		var e ExecutionLog
		var level string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &level, &e.Message,
			&e.ExceptionDetails, &e.SequenceNumber); err != nil {
			return nil, err
		}
		e.Level = LogLevel(level)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStorage) Close(ctx context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*QueuedTask, error) {
	var t QueuedTask
	var status, auditLevel string
	var lastExec, schedExec, nextRun, runUntil sql.NullTime
	var maxRuns sql.NullInt64
	var taskKey sql.NullString

	err := row.Scan(&t.ID, &status, &t.CreatedAt, &lastExec, &schedExec, &nextRun,
		&t.RequestType, &t.HandlerType, &t.Request, &t.Exception, &t.IsRecurring,
		&t.RecurringTask, &t.RecurringInfo, &t.CurrentRunCount, &maxRuns, &runUntil,
		&taskKey, &t.QueueName, &auditLevel)
	if err != nil {
		return nil, err
	}

	t.Status = TaskStatus(status)
	t.AuditLevel = AuditLevel(auditLevel)
	t.LastExecutionAt = timePtr(lastExec)
	t.ScheduledExecutionAt = timePtr(schedExec)
	t.NextRunAt = timePtr(nextRun)
	t.RunUntil = timePtr(runUntil)
	if maxRuns.Valid {
		m := int(maxRuns.Int64)
		t.MaxRuns = &m
	}
	if taskKey.Valid {
		t.TaskKey = taskKey.String
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*QueuedTask, error) {
	var out []*QueuedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
