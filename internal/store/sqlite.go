package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ocr-agent/internal/models"
)

// SQLite is the single-file task store. It is meant for one process at a
// time; commits are the only synchronization it offers.
type SQLite struct {
	db   *sql.DB
	path string
	opts Options
}

var _ Store = (*SQLite)(nil)

// OpenSQLite prepares a handle on the database file at path. The file is not
// touched until the first operation, so Init can still create its directory.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, &StorageError{Op: "open", Err: errors.New("empty database path")}
	}
	opts = opts.withDefaults()
	db, err := sql.Open("sqlite3", sqliteDSN(path, opts.BusyTimeout))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLite{db: db, path: path, opts: opts}, nil
}

// sqliteDSN builds a file: URI so that '?' or '#' in the path stay part of
// the file name instead of starting the driver's parameter list.
func sqliteDSN(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	u := url.URL{Scheme: "file", OmitHost: true, Path: filepath.ToSlash(path), RawQuery: params.Encode()}
	return u.String()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// conn acquires a connection, retrying only transient disk I/O failures.
func (s *SQLite) conn(ctx context.Context, op string) (*sql.Conn, error) {
	var c *sql.Conn
	err := retryTransient(ctx, s.opts.RetryAttempts, s.opts.RetryBackoff, isTransientIOError, func() error {
		var err error
		c, err = s.db.Conn(ctx)
		if err != nil {
			return err
		}
		if err := c.PingContext(ctx); err != nil {
			_ = c.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return c, nil
}

// Init creates the parent directory, the database file and the schema.
func (s *SQLite) Init(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StorageError{Op: "init", Err: fmt.Errorf("create db directory: %w", err)}
		}
	}
	c, err := s.conn(ctx, "init")
	if err != nil {
		return err
	}
	defer c.Close()
	err = runMigrations(ctx, "sqlite", func(ctx context.Context, sql string) error {
		_, err := c.ExecContext(ctx, sql)
		return err
	})
	if err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	return nil
}

func (s *SQLite) InsertTasks(ctx context.Context, tasks []models.NewTask) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	c, err := s.conn(ctx, "insert tasks")
	if err != nil {
		return 0, err
	}
	defer c.Close()

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "insert tasks", Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback() // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (kind, source_path, pdf_page_index, pdf_total_pages, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, &StorageError{Op: "insert tasks", Err: fmt.Errorf("prepare: %w", err)}
	}
	defer stmt.Close()

	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, string(t.Kind), t.SourcePath, int64Ptr(t.PDFPageIndex), int64Ptr(t.PDFTotalPages), t.CreatedAt, string(models.StatusPending)); err != nil {
			return 0, &StorageError{Op: "insert tasks", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "insert tasks", Err: fmt.Errorf("commit: %w", err)}
	}
	return len(tasks), nil
}

func (s *SQLite) NextPending(ctx context.Context) (*models.Task, error) {
	c, err := s.conn(ctx, "next pending")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	row := c.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id ASC LIMIT 1`, string(models.StatusPending))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "next pending", Err: err}
	}
	return &t, nil
}

func (s *SQLite) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	c, err := s.conn(ctx, "get task")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	t, err := scanTask(c.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get task", Err: err}
	}
	return &t, nil
}

func (s *SQLite) SetRunning(ctx context.Context, id int64) error {
	return s.exec(ctx, "mark running", `UPDATE tasks SET status = ? WHERE id = ?`, string(models.StatusRunning), id)
}

func (s *SQLite) SetCompleted(ctx context.Context, id int64, outputPath string) error {
	return s.exec(ctx, "mark completed", `
		UPDATE tasks SET status = ?, output_path = ?, error_message = NULL WHERE id = ?
	`, string(models.StatusCompleted), outputPath, id)
}

func (s *SQLite) SetFailed(ctx context.Context, id int64, message string) error {
	return s.exec(ctx, "mark failed", `
		UPDATE tasks SET status = ?, error_message = ?, output_path = NULL WHERE id = ?
	`, string(models.StatusFailed), message, id)
}

func (s *SQLite) FailRunning(ctx context.Context, message string) (int, error) {
	c, err := s.conn(ctx, "fail running")
	if err != nil {
		return 0, err
	}
	defer c.Close()

	res, err := c.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_message = ?, output_path = NULL WHERE status = ?
	`, string(models.StatusFailed), message, string(models.StatusRunning))
	if err != nil {
		return 0, &StorageError{Op: "fail running", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) ListTasks(ctx context.Context) ([]models.Task, error) {
	c, err := s.conn(ctx, "list tasks")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	rows, err := c.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, &StorageError{Op: "list tasks", Err: err}
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &StorageError{Op: "list tasks", Err: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list tasks", Err: err}
	}
	return tasks, nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	c, err := s.conn(ctx, "count by status")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	rows, err := c.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, &StorageError{Op: "count by status", Err: err}
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &StorageError{Op: "count by status", Err: err}
		}
		counts[models.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "count by status", Err: err}
	}
	return counts, nil
}

func (s *SQLite) LastError(ctx context.Context) (*string, error) {
	c, err := s.conn(ctx, "last error")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var msg string
	err = c.QueryRowContext(ctx, `
		SELECT error_message FROM tasks
		WHERE status = ? AND error_message IS NOT NULL
		ORDER BY id DESC LIMIT 1
	`, string(models.StatusFailed)).Scan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "last error", Err: err}
	}
	return &msg, nil
}

func (s *SQLite) DeleteAll(ctx context.Context) (int, error) {
	c, err := s.conn(ctx, "delete all")
	if err != nil {
		return 0, err
	}
	defer c.Close()

	res, err := c.ExecContext(ctx, `DELETE FROM tasks`)
	if err != nil {
		return 0, &StorageError{Op: "delete all", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) exec(ctx context.Context, op, query string, args ...any) error {
	c, err := s.conn(ctx, op)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, query, args...); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}
