package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ocr-agent/internal/ingest"
	"ocr-agent/internal/models"
	"ocr-agent/internal/queue"
	"ocr-agent/internal/store"
	"ocr-agent/internal/telemetry"
	"ocr-agent/internal/watch"
	"ocr-agent/internal/worker"
)

// ProgressSource reports the drain in flight.
type ProgressSource interface {
	Snapshot() worker.Progress
}

// Limiter decides whether a client may enqueue now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// WatchStatus reports the watch folder state.
type WatchStatus interface {
	Status() watch.Status
}

// Server wires HTTP handlers for the status and enqueue API.
type Server struct {
	queue    *queue.Queue
	ingester *ingest.Ingester
	progress ProgressSource
	limiter  Limiter
	watcher  WatchStatus
	notify   func()
	logger   *zap.Logger
}

type Option func(*Server)

func WithProgress(p ProgressSource) Option { return func(s *Server) { s.progress = p } }

func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

func WithWatcher(w WatchStatus) Option { return func(s *Server) { s.watcher = w } }

// WithEnqueueHook is called after every request that enqueued work.
func WithEnqueueHook(fn func()) Option { return func(s *Server) { s.notify = fn } }

// New constructs the API server.
func New(q *queue.Queue, in *ingest.Ingester, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{queue: q, ingester: in, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/enqueue", s.handleEnqueue)
	return r
}

type statusResponse struct {
	Counts     map[models.TaskStatus]int `json:"counts"`
	Total      int                       `json:"total"`
	LastError  *string                   `json:"last_error"`
	Running    bool                      `json:"running"`
	RunID      string                    `json:"run_id,omitempty"`
	ETASeconds *float64                  `json:"eta_seconds"`
	Watch      *watch.Status             `json:"watch,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.StatusCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	lastErr, err := s.queue.LastError(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{Counts: counts, LastError: lastErr}
	for _, n := range counts {
		resp.Total += n
	}
	if s.progress != nil {
		snap := s.progress.Snapshot()
		resp.Running = snap.Running
		resp.RunID = snap.RunID
		resp.ETASeconds = estimate(snap, counts[models.StatusPending]+counts[models.StatusRunning])
	}
	if s.watcher != nil {
		ws := s.watcher.Status()
		resp.Watch = &ws
	}
	writeJSON(w, http.StatusOK, resp)
}

// estimate multiplies the mean time per finished task by the work left.
// It is nil until a task of the current drain has finished.
func estimate(p worker.Progress, remaining int) *float64 {
	avg := p.AveragePerTask()
	if avg == 0 {
		return nil
	}
	eta := (time.Duration(remaining) * avg).Seconds()
	return &eta
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.ListInEnqueueOrder(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type enqueueRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Paths) == 0 {
		http.Error(w, "paths is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.ingester.Ingest(r.Context(), req.Paths)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res.Total() == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	if s.notify != nil {
		s.notify()
	}
	writeJSON(w, http.StatusAccepted, res)
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
