package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ocr-agent/internal/api"
	"ocr-agent/internal/ingest"
	"ocr-agent/internal/models"
	"ocr-agent/internal/pdf"
	"ocr-agent/internal/ratelimit"
	"ocr-agent/internal/telemetry"
	"ocr-agent/internal/watch"
	"ocr-agent/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func (a *app) serve(ctx context.Context, args []string) int {
	fs := a.newFlagSet("serve")
	queueDB := fs.String("queue-db", a.cfg.QueueDB, "Queue database path or postgres URL")
	httpAddr := fs.String("http-addr", a.cfg.HTTPAddr, "HTTP API listen address")
	inbox := fs.String("watch-inbox", a.cfg.WatchInbox, "Watch folder for ready bundles (empty disables)")
	if err := fs.Parse(args); err != nil {
		return parseExit(err)
	}

	p, closeAll, err := a.buildPipeline(ctx, *queueDB)
	if err != nil {
		a.logger.Error("init", zap.Error(err))
		return exitError
	}
	defer closeAll()

	if n, err := p.queue.RecoverInterrupted(ctx); err != nil {
		a.logger.Error("recover interrupted tasks", zap.Error(err))
		return exitError
	} else if n > 0 {
		a.logger.Warn("marked interrupted tasks failed", zap.Int("count", n))
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	ingester := ingest.New(p.queue, pdf.PageCount, a.logger)
	apiOpts := []api.Option{api.WithProgress(p.processor), api.WithEnqueueHook(notify)}
	if p.redis != nil {
		apiOpts = append(apiOpts, api.WithLimiter(ratelimit.NewBucket(p.redis, a.cfg.EnqueueRateCapacity, a.cfg.EnqueueRateRefill)))
	}

	var watcher *watch.Watcher
	if *inbox != "" {
		watcher = watch.New(*inbox, a.cfg.WatchPollInterval, bundleHandler(ingester, notify), a.logger)
		apiOpts = append(apiOpts, api.WithWatcher(watcher))
	}

	g, gctx := errgroup.WithContext(ctx)

	servers := []*http.Server{{Addr: *httpAddr, Handler: api.New(p.queue, ingester, a.logger, apiOpts...).Router()}}
	if a.cfg.MetricsAddr != "" && a.cfg.MetricsAddr != *httpAddr {
		servers = append(servers, &http.Server{Addr: a.cfg.MetricsAddr, Handler: telemetry.Handler()})
	}
	for _, srv := range servers {
		g.Go(func() error { return listen(gctx, srv, a.logger) })
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error { return a.drainLoop(gctx, p, wake) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("serve stopped", zap.Error(err))
		return exitError
	}
	a.logger.Info("serve stopped")
	return exitOK
}

func listen(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// drainLoop drains the queue whenever work may have arrived. Task failures
// and fail-fast aborts are logged; only storage errors stop the loop.
func (a *app) drainLoop(ctx context.Context, p *pipeline, wake <-chan struct{}) error {
	interval := a.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		counts, err := p.queue.StatusCounts(ctx)
		if err != nil {
			return err
		}
		if counts[models.StatusPending] > 0 {
			summary, err := p.drain(ctx)
			var abort *worker.AbortError
			switch {
			case errors.As(err, &abort):
				a.logger.Warn("drain aborted", zap.String("run_id", summary.RunID), zap.Int64("task_id", abort.TaskID), zap.Error(abort.Err))
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// bundleHandler enqueues everything in a ready bundle.
func bundleHandler(in *ingest.Ingester, notify func()) watch.Handler {
	return func(ctx context.Context, bundle string) error {
		res, err := in.Ingest(ctx, []string{bundle})
		if err != nil {
			return err
		}
		if res.Total() == 0 {
			return fmt.Errorf("nothing enqueued from %s", bundle)
		}
		notify()
		return nil
	}
}
