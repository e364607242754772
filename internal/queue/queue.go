package queue

import (
	"context"

	"go.uber.org/zap"

	"ocr-agent/internal/models"
	"ocr-agent/internal/store"
	"ocr-agent/internal/telemetry"
)

// InterruptedMessage is recorded on tasks found Running when a drain starts.
const InterruptedMessage = "interrupted: task was running when the previous run stopped"

// StatusPublisher receives every status transition. Implementations are best
// effort; their failures never fail the queue operation.
type StatusPublisher interface {
	SetTaskStatus(ctx context.Context, id int64, status models.TaskStatus) error
}

// Queue exposes the task lifecycle over a Store. It assumes a single
// consumer: transitions are unconditional writes without version checks.
type Queue struct {
	store     store.Store
	logger    *zap.Logger
	publisher StatusPublisher
}

// Option configures a Queue.
type Option func(*Queue)

// WithStatusPublisher mirrors transitions to p.
func WithStatusPublisher(p StatusPublisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// New builds a Queue over st.
func New(st store.Store, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{store: st, logger: logger}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueImages inserts one Pending image task per path, in order. Paths are
// not de-duplicated.
func (q *Queue) EnqueueImages(ctx context.Context, paths []string, createdAt int64) (int, error) {
	rows := make([]models.NewTask, 0, len(paths))
	for _, p := range paths {
		rows = append(rows, models.NewTask{Kind: models.KindImage, SourcePath: p, CreatedAt: createdAt})
	}
	n, err := q.store.InsertTasks(ctx, rows)
	if err != nil {
		return 0, err
	}
	telemetry.EnqueueCounter.WithLabelValues(string(models.KindImage)).Add(float64(n))
	return n, nil
}

// EnqueuePDFPages inserts pages 0..totalPages-1 of one PDF as a contiguous
// run sharing createdAt. A PDF without pages is a no-op, not an error.
func (q *Queue) EnqueuePDFPages(ctx context.Context, pdfPath string, totalPages int, createdAt int64) (int, error) {
	if totalPages <= 0 {
		q.logger.Info("pdf has no pages, nothing enqueued", zap.String("path", pdfPath))
		return 0, nil
	}
	rows := make([]models.NewTask, 0, totalPages)
	for i := 0; i < totalPages; i++ {
		index, total := i, totalPages
		rows = append(rows, models.NewTask{
			Kind:          models.KindPDFPage,
			SourcePath:    pdfPath,
			PDFPageIndex:  &index,
			PDFTotalPages: &total,
			CreatedAt:     createdAt,
		})
	}
	n, err := q.store.InsertTasks(ctx, rows)
	if err != nil {
		return 0, err
	}
	telemetry.EnqueueCounter.WithLabelValues(string(models.KindPDFPage)).Add(float64(n))
	return n, nil
}

// FetchNextPending returns the Pending task with the smallest id, or nil when
// none is left. It does not mark the task Running.
func (q *Queue) FetchNextPending(ctx context.Context) (*models.Task, error) {
	return q.store.NextPending(ctx)
}

func (q *Queue) MarkRunning(ctx context.Context, id int64) error {
	if err := q.store.SetRunning(ctx, id); err != nil {
		return err
	}
	telemetry.InFlightGauge.Inc()
	q.publish(ctx, id, models.StatusRunning)
	return nil
}

func (q *Queue) MarkCompleted(ctx context.Context, id int64, outputPath string) error {
	if err := q.store.SetCompleted(ctx, id, outputPath); err != nil {
		return err
	}
	telemetry.InFlightGauge.Dec()
	telemetry.WorkerSuccess.Inc()
	q.publish(ctx, id, models.StatusCompleted)
	return nil
}

func (q *Queue) MarkFailed(ctx context.Context, id int64, message string) error {
	if err := q.store.SetFailed(ctx, id, message); err != nil {
		return err
	}
	telemetry.InFlightGauge.Dec()
	telemetry.WorkerFailures.Inc()
	q.publish(ctx, id, models.StatusFailed)
	return nil
}

// RecoverInterrupted fails every task left Running by a crashed run. Tasks
// never move back to Pending; re-enqueue the source to retry it.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := q.store.FailRunning(ctx, InterruptedMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("failed tasks left running by a previous run", zap.Int("count", n))
		telemetry.WorkerFailures.Add(float64(n))
	}
	return n, nil
}

// ListInEnqueueOrder returns all tasks sorted by id ascending.
func (q *Queue) ListInEnqueueOrder(ctx context.Context) ([]models.Task, error) {
	return q.store.ListTasks(ctx)
}

func (q *Queue) Get(ctx context.Context, id int64) (*models.Task, error) {
	return q.store.GetTask(ctx, id)
}

// StatusCounts maps each present status to its task count and refreshes the
// pending gauge.
func (q *Queue) StatusCounts(ctx context.Context) (map[models.TaskStatus]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	telemetry.QueueDepthGauge.Set(float64(counts[models.StatusPending]))
	return counts, nil
}

// LastError returns the most recent failure message, if any.
func (q *Queue) LastError(ctx context.Context) (*string, error) {
	return q.store.LastError(ctx)
}

// DeleteAll purges every task and returns how many were removed.
func (q *Queue) DeleteAll(ctx context.Context) (int, error) {
	n, err := q.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	q.logger.Info("purged task queue", zap.Int("deleted", n))
	return n, nil
}

func (q *Queue) publish(ctx context.Context, id int64, status models.TaskStatus) {
	if q.publisher == nil {
		return
	}
	if err := q.publisher.SetTaskStatus(ctx, id, status); err != nil {
		q.logger.Warn("publish task status", zap.Int64("task_id", id), zap.String("status", string(status)), zap.Error(err))
	}
}
