package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ocr-agent/internal/config"
	"ocr-agent/internal/merge"
	"ocr-agent/internal/pdf"
	"ocr-agent/internal/publish"
	"ocr-agent/internal/queue"
	"ocr-agent/internal/statuscache"
	"ocr-agent/internal/worker"
)

// pipeline is one drain followed by the merge and its optional outputs.
type pipeline struct {
	queue     *queue.Queue
	processor *worker.Processor
	merger    *merge.Merger
	outputMD  string
	htmlPath  string
	publisher *publish.S3Publisher
	cache     *statuscache.Cache
	redis     *redis.Client
	logger    *zap.Logger
}

// buildPipeline wires the store, the optional Redis mirror, OCR and the
// optional S3 publisher from the app configuration.
func (a *app) buildPipeline(ctx context.Context, dsn string) (*pipeline, func(), error) {
	cfg := a.cfg
	p := &pipeline{
		merger:   merge.NewMerger(merge.ParseMode(cfg.MathDelimiters), a.logger),
		outputMD: cfg.OutputMD,
		htmlPath: cfg.MergedHTMLPath,
		logger:   a.logger,
	}

	var qopts []queue.Option
	if cfg.RedisAddr != "" {
		p.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		p.cache = statuscache.New(p.redis, cfg.StatusTTL)
		qopts = append(qopts, queue.WithStatusPublisher(p.cache))
	}

	q, closeStore, err := a.openQueue(ctx, dsn, qopts...)
	if err != nil {
		p.closeRedis()
		return nil, nil, err
	}
	p.queue = q

	producer := worker.NewOCRProducer(worker.NewTesseractEngine(cfg.OCRLanguages), worker.OCROptions{
		MaxImageSide: cfg.OCRMaxImageSide,
		Grayscale:    cfg.OCRGrayscale,
		SaveResults:  cfg.SaveModelResults,
	})
	p.processor = worker.NewProcessor(q, producer,
		pdf.NewPopplerRenderer(cfg.PDFToPPMPath, cfg.PDFRenderDPI),
		worker.Options{Paths: config.PathsFor(cfg.OutputDir), FailFast: cfg.FailFast},
		a.logger,
	)

	if cfg.S3Bucket != "" {
		p.publisher, err = publish.NewS3Publisher(ctx, publish.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			closeStore()
			p.closeRedis()
			return nil, nil, err
		}
	}

	return p, func() {
		closeStore()
		p.closeRedis()
	}, nil
}

func (p *pipeline) closeRedis() {
	if p.cache != nil {
		_ = p.cache.Close()
	}
}

// drain processes pending tasks and then merges every completed artifact.
// The merge also runs after a fail-fast abort so the output reflects the
// work done so far.
func (p *pipeline) drain(ctx context.Context) (worker.Summary, error) {
	summary, runErr := p.processor.Run(ctx)
	var abort *worker.AbortError
	if runErr != nil && !errors.As(runErr, &abort) {
		return summary, runErr
	}

	if err := p.finish(context.WithoutCancel(ctx)); err != nil {
		return summary, err
	}
	return summary, runErr
}

func (p *pipeline) finish(ctx context.Context) error {
	tasks, err := p.queue.ListInEnqueueOrder(ctx)
	if err != nil {
		return err
	}
	if _, err := p.merger.Merge(tasks, p.outputMD); err != nil {
		return err
	}

	outputs := []string{p.outputMD}
	if p.htmlPath != "" {
		if err := merge.RenderHTML(p.outputMD, p.htmlPath); err != nil {
			return err
		}
		outputs = append(outputs, p.htmlPath)
	}

	if p.publisher != nil {
		for _, path := range outputs {
			uri, err := p.publisher.Publish(ctx, path)
			if err != nil {
				return fmt.Errorf("publish %s: %w", path, err)
			}
			p.logger.Info("published output", zap.String("uri", uri))
		}
	}

	if p.cache != nil {
		counts, err := p.queue.StatusCounts(ctx)
		if err != nil {
			return err
		}
		if err := p.cache.SetCounts(ctx, counts); err != nil {
			p.logger.Warn("cache counts", zap.Error(err))
		}
	}
	return nil
}
