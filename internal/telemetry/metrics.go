package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ocr_tasks_enqueued_total", Help: "Tasks enqueued by kind"}, []string{"kind"})
	WorkerSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ocr_tasks_completed_total", Help: "Tasks completed successfully"})
	WorkerFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ocr_tasks_failed_total", Help: "Tasks recorded as failed"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ocr_tasks_pending", Help: "Pending tasks at the last status count"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ocr_tasks_inflight", Help: "Tasks currently running"})
	TaskDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocr_task_duration_seconds",
		Help:    "Wall time spent producing one task artifact",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"kind", "outcome"})
	MergeSections    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ocr_merge_sections", Help: "Sections written by the last merge"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ocr_enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			WorkerSuccess,
			WorkerFailures,
			QueueDepthGauge,
			InFlightGauge,
			TaskDuration,
			MergeSections,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
