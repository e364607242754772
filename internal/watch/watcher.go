package watch

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler ingests one claimed bundle. A returned error marks it failed.
type Handler func(ctx context.Context, bundle string) error

// Status is what the HTTP API reports about the watcher.
type Status struct {
	Running   bool   `json:"running"`
	Inbox     string `json:"inbox"`
	LastError string `json:"last_error,omitempty"`
}

// Watcher scans the inbox on every filesystem event and on a fixed interval,
// so bundles are picked up even where inotify is unavailable (network mounts).
type Watcher struct {
	inbox    string
	interval time.Duration
	handler  Handler
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	lastErr string
}

func New(inbox string, interval time.Duration, handler Handler, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{inbox: inbox, interval: interval, handler: handler, logger: logger}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.inbox); err != nil {
		// Polling still works without events.
		w.logger.Warn("watch inbox", zap.String("inbox", w.inbox), zap.Error(err))
	}

	w.setRunning(true)
	defer w.setRunning(false)
	w.logger.Info("watching inbox", zap.String("inbox", w.inbox), zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// Markers are created inside bundle dirs; watch those too.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fsw.Add(ev.Name)
				}
			}
			w.ScanOnce(ctx)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-ticker.C:
			w.ScanOnce(ctx)
		}
	}
}

// ScanOnce claims and handles every ready bundle. It returns how many
// bundles were handled.
func (w *Watcher) ScanOnce(ctx context.Context) int {
	bundles, err := ListReady(w.inbox)
	if err != nil {
		w.setError(err.Error())
		return 0
	}
	handled := 0
	for _, bundle := range bundles {
		if ctx.Err() != nil {
			break
		}
		ok, err := TryLock(bundle)
		if err != nil {
			w.setError(err.Error())
			continue
		}
		if !ok {
			continue
		}
		handled++
		if herr := w.handler(ctx, bundle); herr != nil {
			w.logger.Warn("bundle failed", zap.String("bundle", bundle), zap.Error(herr))
			w.setError(herr.Error())
			if err := MarkFailed(bundle, herr.Error()); err != nil {
				w.setError(err.Error())
			}
			continue
		}
		if err := MarkProcessed(bundle); err != nil {
			w.setError(err.Error())
			continue
		}
		w.logger.Info("bundle ingested", zap.String("bundle", bundle))
	}
	return handled
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Running: w.running, Inbox: w.inbox, LastError: w.lastErr}
}

func (w *Watcher) setRunning(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = v
}

func (w *Watcher) setError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = msg
}
