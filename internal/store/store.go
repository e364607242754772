package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ocr-agent/internal/models"
)

// ErrTaskNotFound is returned by GetTask for an unknown id.
var ErrTaskNotFound = errors.New("task not found")

// StorageError reports that the backing database could not be opened, read or
// written. It is fatal to the calling command.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is the durable tasks table. Every mutation is committed before the
// method returns.
type Store interface {
	// Init creates the schema if absent. Safe to call on every startup.
	Init(ctx context.Context) error
	// InsertTasks appends Pending rows in slice order inside one transaction
	// and returns the number inserted.
	InsertTasks(ctx context.Context, tasks []models.NewTask) (int, error)
	// NextPending returns the Pending task with the smallest id, or nil.
	NextPending(ctx context.Context) (*models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	SetRunning(ctx context.Context, id int64) error
	SetCompleted(ctx context.Context, id int64, outputPath string) error
	SetFailed(ctx context.Context, id int64, message string) error
	// FailRunning moves every Running task to Failed with message.
	FailRunning(ctx context.Context, message string) (int, error)
	ListTasks(ctx context.Context) ([]models.Task, error)
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
	// LastError returns the error message of the most recently enqueued
	// Failed task, or nil.
	LastError(ctx context.Context) (*string, error)
	DeleteAll(ctx context.Context) (int, error)
	Close() error
}

// Options tunes the file-backed store.
type Options struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	BusyTimeout   time.Duration
}

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 400 * time.Millisecond
	defaultBusyTimeout   = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = defaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = defaultBusyTimeout
	}
	return o
}

// IsPostgresDSN reports whether dsn selects the Postgres backend.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open picks the backend from dsn: a postgres URL opens a pgx pool, anything
// else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	if IsPostgresDSN(dsn) {
		return NewPostgres(ctx, dsn)
	}
	return OpenSQLite(dsn, opts)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, kind, source_path, pdf_page_index, pdf_total_pages, created_at, status, output_path, error_message`

func scanTask(row rowScanner) (models.Task, error) {
	var (
		t          models.Task
		kind       string
		status     string
		pageIndex  *int64
		totalPages *int64
	)
	if err := row.Scan(&t.ID, &kind, &t.SourcePath, &pageIndex, &totalPages, &t.CreatedAt, &status, &t.OutputPath, &t.Error); err != nil {
		return models.Task{}, err
	}
	t.Kind = models.TaskKind(kind)
	t.Status = models.TaskStatus(status)
	t.PDFPageIndex = intPtr(pageIndex)
	t.PDFTotalPages = intPtr(totalPages)
	return t, nil
}

func intPtr(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func int64Ptr(v *int) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}
