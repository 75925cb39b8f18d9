package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/conduit/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    name           TEXT NOT NULL,
    kind           TEXT NOT NULL,
    remote_host_id TEXT NOT NULL DEFAULT '',
    state          TEXT NOT NULL,
    job_id         TEXT NOT NULL DEFAULT '',
    rt             INTEGER,
    job_status     INTEGER,
    error          TEXT NOT NULL DEFAULT '',
    definition     BLOB,
    created_at     DATETIME NOT NULL,
    submitted_at   DATETIME,
    started_at     DATETIME,
    ended_at       DATETIME
)`

const createTaskLogsTable = `
CREATE TABLE IF NOT EXISTS task_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createTaskLogsIndex = `
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs (task_id, seq)`

const taskColumns = `id, project_id, name, kind, remote_host_id, state, job_id,
	rt, job_status, error, definition, created_at, submitted_at, started_at, ended_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

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
	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createTaskLogsTable, createTaskLogsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	r := &TaskRecord{}
	var def []byte
	if err := row.Scan(
		&r.ID, &r.ProjectID, &r.Name, &r.Kind, &r.RemoteHostID, &r.State, &r.JobID,
		&r.RT, &r.JobStatus, &r.Error, &def, &r.CreatedAt, &r.SubmittedAt, &r.StartedAt, &r.EndedAt,
	); err != nil {
		return nil, err
	}
	if len(def) > 0 {
		r.Definition = def
	}
	return r, nil
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, r *TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.Name, r.Kind, r.RemoteHostID, r.State, r.JobID,
		r.RT, r.JobStatus, r.Error, []byte(r.Definition), r.CreatedAt, r.SubmittedAt, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	r, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count. An empty projectID lists every project.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string, limit, offset int) ([]*TaskRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	var args []any
	if projectID != "" {
		where = " WHERE project_id = ?"
		args = append(args, projectID)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// allowed reports whether a persisted state may move to next. Cancellation
// may always force a task back to not-started.
func allowed(from, next string) bool {
	return next == model.StateNotStarted || model.ValidTransition(from, next)
}

// UpdateTaskState moves a task to state. Terminal states also set ended_at;
// running sets started_at.
func (s *SQLiteStore) UpdateTaskState(ctx context.Context, id, state string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task state: %w", err)
	}
	if !allowed(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	now := time.Now().UTC()
	switch {
	case model.IsTerminal(state):
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET state = ?, ended_at = ? WHERE id = ?", state, now, id)
	case state == model.StateRunning:
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET state = ?, started_at = ? WHERE id = ?", state, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET state = ? WHERE id = ?", state, id)
	}
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}

	return tx.Commit()
}

// UpdateTask writes the runtime fields of r (state, job id, codes, error and
// timestamps). The definition and identity columns are left untouched.
func (s *SQLiteStore) UpdateTask(ctx context.Context, r *TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM tasks WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task state: %w", err)
	}
	if !allowed(current, r.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, r.State)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, remote_host_id = ?, job_id = ?, rt = ?, job_status = ?,
			error = ?, submitted_at = ?, started_at = ?, ended_at = ?
		WHERE id = ?`,
		r.State, r.RemoteHostID, r.JobID, r.RT, r.JobStatus,
		r.Error, r.SubmittedAt, r.StartedAt, r.EndedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	return tx.Commit()
}

// GetTaskStats aggregates task counts by state and host and the average run
// duration of tasks that both started and ended.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByState: make(map[string]int),
		CountByHost:  make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	if err := countBy(ctx, tx, "state", stats.CountByState); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "remote_host_id", stats.CountByHost); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByState {
		stats.Total += n
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT started_at, ended_at FROM tasks WHERE started_at IS NOT NULL AND ended_at IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var sum time.Duration
	var n int
	for rows.Next() {
		var started, ended time.Time
		if err := rows.Scan(&started, &ended); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		sum += ended.Sub(started)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	if n > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(n)
	}

	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertLogLine appends one output line of a task.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_logs (task_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the output lines of a task ordered by seq. A task with
// no output yields an empty, non-nil slice.
func (s *SQLiteStore) GetLogLines(ctx context.Context, taskID string) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, line, created_at FROM task_logs WHERE task_id = ? ORDER BY seq ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []LogLine{}
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
