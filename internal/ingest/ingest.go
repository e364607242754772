// Package ingest expands user inputs and enqueues them. The CLI, the HTTP
// API and the watch folder all enqueue through here.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ocr-agent/internal/discovery"
	"ocr-agent/internal/queue"
)

// PageCounter reports how many pages a PDF has.
type PageCounter func(path string) (int, error)

// Result summarizes one ingestion.
type Result struct {
	discovery.Report
	ImageTasks   int      `json:"image_tasks"`
	PDFPageTasks int      `json:"pdf_page_tasks"`
	Unreadable   []string `json:"unreadable,omitempty"`
}

// Total is the number of tasks created.
func (r Result) Total() int { return r.ImageTasks + r.PDFPageTasks }

type Ingester struct {
	queue  *queue.Queue
	pages  PageCounter
	logger *zap.Logger
	now    func() time.Time
}

func New(q *queue.Queue, pages PageCounter, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{queue: q, pages: pages, logger: logger, now: time.Now}
}

// Ingest enqueues every supported file found under inputs: all images first,
// then the pages of each PDF, sharing one creation timestamp. A PDF whose
// pages cannot be counted is reported in Unreadable and skipped.
func (in *Ingester) Ingest(ctx context.Context, inputs []string) (Result, error) {
	report, err := discovery.Discover(inputs)
	if err != nil {
		return Result{}, err
	}
	res := Result{Report: report}
	createdAt := in.now().Unix()
	images, pdfs := discovery.Split(report.Supported)

	if len(images) > 0 {
		n, err := in.queue.EnqueueImages(ctx, images, createdAt)
		if err != nil {
			return res, err
		}
		res.ImageTasks = n
	}

	for _, p := range pdfs {
		total, err := in.pages(p)
		if err != nil {
			in.logger.Warn("cannot read pdf", zap.String("path", p), zap.Error(err))
			res.Unreadable = append(res.Unreadable, p)
			continue
		}
		n, err := in.queue.EnqueuePDFPages(ctx, p, total, createdAt)
		if err != nil {
			return res, err
		}
		res.PDFPageTasks += n
	}

	in.logger.Info("inputs enqueued",
		zap.Int("image_tasks", res.ImageTasks),
		zap.Int("pdf_page_tasks", res.PDFPageTasks),
		zap.Int("missing", len(report.Missing)),
		zap.Int("unsupported", len(report.Unsupported)),
	)
	return res, nil
}
