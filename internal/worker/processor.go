package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ocr-agent/internal/config"
	"ocr-agent/internal/models"
	"ocr-agent/internal/queue"
	"ocr-agent/internal/telemetry"
)

// ImageProducer turns one image file into Markdown text. scratchDir is a
// per-task directory the producer may write intermediate files to.
type ImageProducer interface {
	RenderMarkdown(ctx context.Context, imagePath, scratchDir string) (string, error)
}

// PageRenderer rasterizes one 0-based PDF page to a PNG at dest.
type PageRenderer interface {
	RenderPage(ctx context.Context, pdfPath string, pageIndex int, dest string) error
}

// Options control a drain.
type Options struct {
	Paths    config.Paths
	FailFast bool
}

// Summary describes one drain.
type Summary struct {
	RunID     string
	Processed int
	Failed    int
}

// AbortError is returned when fail-fast stops a drain. The failed task has
// already been recorded.
type AbortError struct {
	TaskID int64
	Err    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted after task %d failed: %v", e.TaskID, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Progress is a snapshot of the drain in flight, used for ETA estimates.
type Progress struct {
	Running  bool
	RunID    string
	Finished int
	Elapsed  time.Duration
}

// AveragePerTask is the mean wall time of the tasks finished so far.
func (p Progress) AveragePerTask() time.Duration {
	if p.Finished == 0 {
		return 0
	}
	return p.Elapsed / time.Duration(p.Finished)
}

// Processor drives the single-consumer drain loop.
type Processor struct {
	queue    *queue.Queue
	producer ImageProducer
	renderer PageRenderer
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	progress Progress
}

func NewProcessor(q *queue.Queue, producer ImageProducer, renderer PageRenderer, opts Options, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		queue:    q,
		producer: producer,
		renderer: renderer,
		opts:     opts,
		logger:   logger,
	}
}

// Snapshot returns the current drain progress.
func (p *Processor) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Run processes Pending tasks in id order until none is left. A task failure
// is recorded and the drain continues, unless FailFast is set. Storage
// failures stop the drain immediately. ctx is only checked between tasks; a
// task that has started runs to completion.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	logger := p.logger.With(zap.String("run_id", summary.RunID))

	for _, dir := range []string{p.opts.Paths.WorkDir, p.opts.Paths.MarkdownDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return summary, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	p.begin(summary.RunID)
	defer p.end()

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		task, err := p.queue.FetchNextPending(ctx)
		if err != nil {
			return summary, err
		}
		if task == nil {
			break
		}
		if err := p.queue.MarkRunning(ctx, task.ID); err != nil {
			return summary, err
		}

		taskCtx := context.WithoutCancel(ctx)
		started := time.Now()
		outputPath, taskErr := p.processTask(taskCtx, *task)
		elapsed := time.Since(started)
		p.finished(elapsed)

		if taskErr == nil {
			if err := p.queue.MarkCompleted(taskCtx, task.ID, outputPath); err != nil {
				return summary, err
			}
			summary.Processed++
			telemetry.TaskDuration.WithLabelValues(string(task.Kind), "completed").Observe(elapsed.Seconds())
			logger.Info("task completed",
				zap.Int64("task_id", task.ID),
				zap.String("source", task.SourcePath),
				zap.String("output", outputPath),
				zap.Duration("took", elapsed),
			)
			continue
		}

		if err := p.queue.MarkFailed(taskCtx, task.ID, taskErr.Error()); err != nil {
			return summary, err
		}
		summary.Failed++
		telemetry.TaskDuration.WithLabelValues(string(task.Kind), "failed").Observe(elapsed.Seconds())
		logger.Warn("task failed",
			zap.Int64("task_id", task.ID),
			zap.String("source", task.SourcePath),
			zap.Error(taskErr),
		)

		if p.opts.FailFast {
			return summary, &AbortError{TaskID: task.ID, Err: taskErr}
		}
	}

	logger.Info("queue drained", zap.Int("processed", summary.Processed), zap.Int("failed", summary.Failed))
	return summary, nil
}

// processTask resolves the task's input image, runs the producer and writes
// the per-task artifact. It returns the artifact path.
func (p *Processor) processTask(ctx context.Context, task models.Task) (string, error) {
	imagePath, err := p.resolveImage(ctx, task)
	if err != nil {
		return "", err
	}

	scratch := filepath.Join(p.opts.Paths.OutputDir, fmt.Sprintf("task_%d", task.ID))
	text, err := p.producer.RenderMarkdown(ctx, imagePath, scratch)
	if err != nil {
		return "", err
	}

	outputPath := filepath.Join(p.opts.Paths.MarkdownDir, fmt.Sprintf("task_%d.md", task.ID))
	if err := os.WriteFile(outputPath, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return outputPath, nil
}

func (p *Processor) resolveImage(ctx context.Context, task models.Task) (string, error) {
	switch task.Kind {
	case models.KindImage:
		return task.SourcePath, nil
	case models.KindPDFPage:
	default:
		return "", fmt.Errorf("unsupported task kind %q", task.Kind)
	}
	if task.PDFPageIndex == nil {
		return "", errors.New("pdf_page task has no page index")
	}
	if p.renderer == nil {
		return "", errors.New("no pdf renderer configured")
	}

	rendered := filepath.Join(p.opts.Paths.WorkDir, fmt.Sprintf("pdf_%d_page_%d.png", task.ID, *task.PDFPageIndex+1))
	if _, err := os.Stat(rendered); err == nil {
		return rendered, nil
	}
	if err := p.renderer.RenderPage(ctx, task.SourcePath, *task.PDFPageIndex, rendered); err != nil {
		return "", err
	}
	return rendered, nil
}

func (p *Processor) begin(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = Progress{Running: true, RunID: runID}
}

func (p *Processor) finished(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.Finished++
	p.progress.Elapsed += d
}

func (p *Processor) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.Running = false
}
