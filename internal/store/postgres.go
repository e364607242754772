package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ocr-agent/internal/models"
)

// Postgres wraps pgxpool for deployments that keep the queue in a shared
// database server instead of a local file. The single-consumer rule still
// applies: nothing here leases rows.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("parse postgres dsn: %w", err)}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("connect postgres: %w", err)}
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Init runs the embedded Postgres migrations.
func (s *Postgres) Init(ctx context.Context) error {
	err := runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
	if err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	return nil
}

func (s *Postgres) InsertTasks(ctx context.Context, tasks []models.NewTask) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, &StorageError{Op: "insert tasks", Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, t := range tasks {
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (kind, source_path, pdf_page_index, pdf_total_pages, created_at, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, string(t.Kind), t.SourcePath, int64Ptr(t.PDFPageIndex), int64Ptr(t.PDFTotalPages), t.CreatedAt, string(models.StatusPending))
		if err != nil {
			return 0, &StorageError{Op: "insert tasks", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &StorageError{Op: "insert tasks", Err: fmt.Errorf("commit: %w", err)}
	}
	return len(tasks), nil
}

func (s *Postgres) NextPending(ctx context.Context) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY id ASC LIMIT 1`, string(models.StatusPending))
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "next pending", Err: err}
	}
	return &t, nil
}

func (s *Postgres) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get task", Err: err}
	}
	return &t, nil
}

func (s *Postgres) SetRunning(ctx context.Context, id int64) error {
	return s.exec(ctx, "mark running", `UPDATE tasks SET status = $2 WHERE id = $1`, id, string(models.StatusRunning))
}

func (s *Postgres) SetCompleted(ctx context.Context, id int64, outputPath string) error {
	return s.exec(ctx, "mark completed", `
		UPDATE tasks SET status = $2, output_path = $3, error_message = NULL WHERE id = $1
	`, id, string(models.StatusCompleted), outputPath)
}

func (s *Postgres) SetFailed(ctx context.Context, id int64, message string) error {
	return s.exec(ctx, "mark failed", `
		UPDATE tasks SET status = $2, error_message = $3, output_path = NULL WHERE id = $1
	`, id, string(models.StatusFailed), message)
}

func (s *Postgres) FailRunning(ctx context.Context, message string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, error_message = $2, output_path = NULL WHERE status = $3
	`, string(models.StatusFailed), message, string(models.StatusRunning))
	if err != nil {
		return 0, &StorageError{Op: "fail running", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) ListTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
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

func (s *Postgres) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, &StorageError{Op: "count by status", Err: err}
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &StorageError{Op: "count by status", Err: err}
		}
		counts[models.TaskStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "count by status", Err: err}
	}
	return counts, nil
}

func (s *Postgres) LastError(ctx context.Context) (*string, error) {
	var msg string
	err := s.pool.QueryRow(ctx, `
		SELECT error_message FROM tasks
		WHERE status = $1 AND error_message IS NOT NULL
		ORDER BY id DESC LIMIT 1
	`, string(models.StatusFailed)).Scan(&msg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "last error", Err: err}
	}
	return &msg, nil
}

func (s *Postgres) DeleteAll(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks`)
	if err != nil {
		return 0, &StorageError{Op: "delete all", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}
