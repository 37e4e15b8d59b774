package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mgrady/taskvisor/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    runner      TEXT NOT NULL,
    args        TEXT,
    mode        TEXT NOT NULL,
    status      TEXT NOT NULL,
    owner_host  TEXT,
    owner_name  TEXT,
    worker_id   TEXT,
    monitor_ref TEXT,
    output      BLOB,
    error       TEXT,
    timeout_s   INTEGER,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS task_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    detail     TEXT,
    created_at DATETIME NOT NULL,
    UNIQUE (task_id, seq)
)`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when a status update would violate the
// task lifecycle. Concurrent finishers (a kill racing a completion) surface
// this instead of clobbering a terminal status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: keeps :memory: databases coherent and serializes
	// writers ahead of the busy_timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create task_events table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeArgs serializes an argument list as JSON text; empty lists become NULL.
func encodeArgs(args []string) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return string(b), nil
}

func decodeArgs(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw.String), &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return args, nil
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	args, err := encodeArgs(t.Args)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, runner, args, mode, status, owner_host, owner_name,
			worker_id, monitor_ref, output, error, timeout_s, duration_ms,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Runner, args, t.Mode, t.Status, t.OwnerHost, t.OwnerName,
		t.WorkerID, t.MonitorRef, t.Output, t.Error, t.TimeoutS, t.DurationMS,
		t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// taskColumns is the SELECT column list shared by Get and List.
const taskColumns = `id, runner, args, mode, status, owner_host, owner_name,
	worker_id, monitor_ref, output, error, timeout_s, duration_ms,
	created_at, started_at, finished_at`

func scanTask(scan func(dest ...any) error) (*model.Task, error) {
	t := &model.Task{}
	var rawArgs sql.NullString
	err := scan(
		&t.ID, &t.Runner, &rawArgs, &t.Mode, &t.Status, &t.OwnerHost, &t.OwnerName,
		&t.WorkerID, &t.MonitorRef, &t.Output, &t.Error, &t.TimeoutS, &t.DurationMS,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Args, err = decodeArgs(rawArgs)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id,
	)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// currentStatus reads a task's status inside tx, mapping a missing row to
// ErrNotFound.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}
	return status, nil
}

// UpdateTaskStatus transitions a task to status, enforcing the lifecycle. For
// terminal statuses it also sets finished_at; for running it sets started_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case model.TerminalStatus(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?",
			status, now, id,
		)
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, started_at = ? WHERE id = ?",
			status, now, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	return tx.Commit()
}

// SetTaskWorker records the worker and monitor reference assigned to a task
// at spawn time.
func (s *SQLiteStore) SetTaskWorker(ctx context.Context, id, workerID, monitorRef string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET worker_id = ?, monitor_ref = ? WHERE id = ?",
		workerID, monitorRef, id,
	)
	if err != nil {
		return fmt.Errorf("set task worker: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateTask writes a task's terminal fields: status, output, error,
// duration, and timestamps. The status change is validated against the
// lifecycle unless the status is unchanged.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if from != t.Status && !model.ValidTransition(from, t.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?, worker_id = ?, monitor_ref = ?, output = ?, error = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		t.Status, t.WorkerID, t.MonitorRef, t.Output, t.Error,
		t.DurationMS, t.StartedAt, t.FinishedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	return tx.Commit()
}

// GetTaskStats returns aggregate statistics across all tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByRunner: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT runner, COUNT(*) FROM tasks GROUP BY runner")
	if err != nil {
		return nil, fmt.Errorf("count by runner: %w", err)
	}
	for rows.Next() {
		var runner string
		var n int
		if err := rows.Scan(&runner, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan runner count: %w", err)
		}
		stats.CountByRunner[runner] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runner counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertEvent appends a lifecycle event for a task.
func (s *SQLiteStore) InsertEvent(ctx context.Context, taskID string, seq int, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_events (task_id, seq, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		taskID, seq, kind, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns all persisted events for a task in seq order.
func (s *SQLiteStore) GetEvents(ctx context.Context, taskID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, kind, detail, created_at FROM task_events WHERE task_id = ? ORDER BY seq ASC",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Seq, &e.Kind, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}
