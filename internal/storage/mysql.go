package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/tasklane/tasklane/pkg/ids"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS queued_tasks (
		id CHAR(36) PRIMARY KEY,
		status VARCHAR(32) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		last_execution_at DATETIME(6) NULL,
		scheduled_execution_at DATETIME(6) NULL,
		next_run_at DATETIME(6) NULL,
		request_type VARCHAR(512) NOT NULL,
		handler_type VARCHAR(512) NOT NULL,
		request MEDIUMTEXT NOT NULL,
		exception MEDIUMTEXT NOT NULL,
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		recurring_task TEXT NOT NULL,
		recurring_info TEXT NOT NULL,
		current_run_count INT NOT NULL DEFAULT 0,
		max_runs INT NULL,
		run_until DATETIME(6) NULL,
		task_key VARCHAR(255) NULL,
		queue_name VARCHAR(255) NOT NULL,
		audit_level VARCHAR(16) NOT NULL,
		UNIQUE KEY idx_queued_tasks_task_key (task_key),
		KEY idx_queued_tasks_created (created_at, id),
		KEY idx_queued_tasks_status (status)
	)`,
	`CREATE TABLE IF NOT EXISTS status_audit (
		id CHAR(36) PRIMARY KEY,
		queued_task_id CHAR(36) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		new_status VARCHAR(32) NOT NULL,
		exception MEDIUMTEXT NOT NULL,
		KEY idx_status_audit_task (queued_task_id),
		CONSTRAINT fk_status_audit_task FOREIGN KEY (queued_task_id)
			REFERENCES queued_tasks(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS runs_audit (
		id CHAR(36) PRIMARY KEY,
		queued_task_id CHAR(36) NOT NULL,
		executed_at DATETIME(6) NOT NULL,
		status VARCHAR(32) NOT NULL,
		exception MEDIUMTEXT NOT NULL,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		KEY idx_runs_audit_task (queued_task_id),
		CONSTRAINT fk_runs_audit_task FOREIGN KEY (queued_task_id)
			REFERENCES queued_tasks(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS task_execution_logs (
		id CHAR(36) PRIMARY KEY,
		task_id CHAR(36) NOT NULL,
		timestamp_utc DATETIME(6) NOT NULL,
		level VARCHAR(16) NOT NULL,
		message MEDIUMTEXT NOT NULL,
		exception_details MEDIUMTEXT NOT NULL,
		sequence_number INT NOT NULL,
		KEY idx_task_execution_logs_seq (task_id, sequence_number),
		CONSTRAINT fk_task_execution_logs_task FOREIGN KEY (task_id)
			REFERENCES queued_tasks(id) ON DELETE CASCADE
	)`,
}

// MySQLStorage implements TaskStorage on MySQL.
type MySQLStorage struct {
	db  *sql.DB
	gen ids.Generator
}

// NewMySQLStorage opens the database and bootstraps the schema. The DSN
// must carry parseTime=true so DATETIME columns scan into time.Time.
func NewMySQLStorage(ctx context.Context, dsn string, gen ids.Generator) (*MySQLStorage, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	if gen == nil {
		gen = ids.NewV7Generator()
	}
	for _, stmt := range mysqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return &MySQLStorage{db: db, gen: gen}, nil
}

// MySQLFactory returns a Factory producing MySQL backends.
func MySQLFactory(dsn string, gen ids.Generator) Factory {
	return func(ctx context.Context) (TaskStorage, error) {
		return NewMySQLStorage(ctx, dsn, gen)
	}
}

// Persist inserts a new task row.
func (s *MySQLStorage) Persist(ctx context.Context, task *QueuedTask) error {
	query := `INSERT INTO queued_tasks (` + taskColumns + `)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := s.db.ExecContext(ctx, query,
		task.ID.String(), string(task.Status), task.CreatedAt.UTC(), nullTime(task.LastExecutionAt),
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
func (s *MySQLStorage) Update(ctx context.Context, task *QueuedTask) error {
	query := `UPDATE queued_tasks SET
		status=?, last_execution_at=?, scheduled_execution_at=?, next_run_at=?,
		request_type=?, handler_type=?, request=?, exception=?, is_recurring=?,
		recurring_task=?, recurring_info=?, current_run_count=?, max_runs=?,
		run_until=?, task_key=?, queue_name=?, audit_level=?
		WHERE id=?`
	res, err := s.db.ExecContext(ctx, query,
		string(task.Status), nullTime(task.LastExecutionAt),
		nullTime(task.ScheduledExecutionAt), nullTime(task.NextRunAt), task.RequestType,
		task.HandlerType, task.Request, task.Exception, task.IsRecurring, task.RecurringTask,
		task.RecurringInfo, task.CurrentRunCount, nullInt(task.MaxRuns), nullTime(task.RunUntil),
		nullString(task.TaskKey), task.QueueName, string(task.AuditLevel), task.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res)
}

// GetByTaskKey returns the task registered under the key.
func (s *MySQLStorage) GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM queued_tasks WHERE task_key = ?`, key)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// Get returns every task matching the predicate.
func (s *MySQLStorage) Get(ctx context.Context, predicate func(*QueuedTask) bool) ([]*QueuedTask, error) {
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
func (s *MySQLStorage) GetAll(ctx context.Context) ([]*QueuedTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM queued_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetByID returns a single task.
func (s *MySQLStorage) GetByID(ctx context.Context, id uuid.UUID) (*QueuedTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM queued_tasks WHERE id = ?`, id.String())
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Remove deletes a task; audit and log rows cascade.
func (s *MySQLStorage) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_tasks WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RetrievePending pages unfinished work by (createdAt, id) keyset.
func (s *MySQLStorage) RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]*QueuedTask, error) {
	query := `SELECT ` + taskColumns + ` FROM queued_tasks
		WHERE status IN ('Queued','Pending','ServiceStopped','InProgress')
		AND (max_runs IS NULL OR current_run_count <= max_runs)
		AND (run_until IS NULL OR run_until >= UTC_TIMESTAMP(6))`
	args := []interface{}{}
	if lastCreatedAt != nil && lastID != nil {
		query += ` AND (created_at, id) > (?, ?)`
		args = append(args, lastCreatedAt.UTC(), lastID.String())
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
func (s *MySQLStorage) SetStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string, level AuditLevel) error {
	if err := s.applyStatus(ctx, id, status, exception); err != nil {
		return err
	}
	if level.auditsStatus(status, exception != "") {
		return s.insertStatusAudit(ctx, id, status, exception)
	}
	return nil
}

// SetCancelledByUser marks a user-requested cancellation.
func (s *MySQLStorage) SetCancelledByUser(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, "")
}

// SetCancelledByService marks an engine-side cancellation.
func (s *MySQLStorage) SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error {
	return s.setStatusRowLevel(ctx, id, StatusCancelled, exception)
}

// SetQueued transitions to Queued.
func (s *MySQLStorage) SetQueued(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusQueued, "")
}

// SetInProgress transitions to InProgress.
func (s *MySQLStorage) SetInProgress(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusInProgress, "")
}

// SetCompleted transitions to Completed.
func (s *MySQLStorage) SetCompleted(ctx context.Context, id uuid.UUID) error {
	return s.setStatusRowLevel(ctx, id, StatusCompleted, "")
}

func (s *MySQLStorage) setStatusRowLevel(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	var level string
	err := s.db.QueryRowContext(ctx,
		`SELECT audit_level FROM queued_tasks WHERE id = ?`, id.String()).Scan(&level)
	if err == sql.ErrNoRows {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, status, exception, AuditLevel(level))
}

func (s *MySQLStorage) applyStatus(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	query := `UPDATE queued_tasks SET status = ?,
		exception = CASE WHEN ? <> '' THEN ? ELSE exception END,
		next_run_at = CASE WHEN ? AND NOT is_recurring THEN NULL ELSE next_run_at END
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), exception, exception,
		status.Terminal(), id.String())
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	// MySQL reports zero affected rows for no-op updates; treat a
	// still-existing row as success.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var one int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM queued_tasks WHERE id = ?`, id.String()).Scan(&one); err == sql.ErrNoRows {
			return ErrTaskNotFound
		}
	}
	return nil
}

func (s *MySQLStorage) insertStatusAudit(ctx context.Context, id uuid.UUID, status TaskStatus, exception string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_audit (id, queued_task_id, updated_at, new_status, exception)
		VALUES (?,?,?,?,?)`,
		s.gen.NewID().String(), id.String(), time.Now().UTC(), string(status), exception)
	return err
}

// UpdateCurrentRun increments the run counter and stores the next
// occurrence.
func (s *MySQLStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_tasks SET current_run_count = current_run_count + 1,
		last_execution_at = UTC_TIMESTAMP(6), next_run_at = ? WHERE id = ?`,
		nullTime(nextRun), id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetCurrentRunCount reads the run counter.
func (s *MySQLStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT current_run_count FROM queued_tasks WHERE id = ?`, id.String()).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrTaskNotFound
	}
	return count, err
}

// AppendRunsAudit records one execution outcome.
func (s *MySQLStorage) AppendRunsAudit(ctx context.Context, audit *RunsAudit) error {
	id := audit.ID
	if id == uuid.Nil {
		id = s.gen.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs_audit (id, queued_task_id, executed_at, status, exception, execution_time_ms)
		VALUES (?,?,?,?,?,?)`,
		id.String(), audit.QueuedTaskID.String(), audit.ExecutedAt.UTC(), string(audit.Status),
		audit.Exception, audit.ExecutionTimeMs)
	return err
}

// GetStatusAudits returns the status history of a task.
func (s *MySQLStorage) GetStatusAudits(ctx context.Context, id uuid.UUID) ([]*StatusAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queued_task_id, updated_at, new_status, exception
		FROM status_audit WHERE queued_task_id = ? ORDER BY updated_at, id`, id.String())
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
func (s *MySQLStorage) GetRunsAudits(ctx context.Context, id uuid.UUID) ([]*RunsAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queued_task_id, executed_at, status, exception, execution_time_ms
		FROM runs_audit WHERE queued_task_id = ? ORDER BY executed_at, id`, id.String())
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
func (s *MySQLStorage) SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error {
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
		VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range logs {
		id := entry.ID
		if id == uuid.Nil {
			id = s.gen.NewID()
		}
		if _, err := stmt.ExecContext(ctx, id.String(), taskID.String(), entry.Timestamp.UTC(),
			string(entry.Level), entry.Message, entry.ExceptionDetails, entry.SequenceNumber); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetExecutionLogs pages captured entries in sequence order.
func (s *MySQLStorage) GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, minLevel *LogLevel) ([]*ExecutionLog, error) {
	query := `SELECT id, task_id, timestamp_utc, level, message, exception_details, sequence_number
		FROM task_execution_logs WHERE task_id = ?`
	args := []interface{}{taskID.String()}
	if minLevel != nil {
		levels := levelsAtLeast(*minLevel)
		query += ` AND level IN (?` + strings.Repeat(",?", len(levels)-1) + `)`
		for _, l := range levels {
			args = append(args, l)
		}
	}
	query += fmt.Sprintf(` ORDER BY sequence_number LIMIT %d OFFSET %d`, take, skip)

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
func (s *MySQLStorage) Close(ctx context.Context) error {
	return s.db.Close()
}
