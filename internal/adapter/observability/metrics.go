// Package observability provides logging, metrics, and tracing.
//
// It integrates Prometheus metric families for the HTTP surface, the job
// lifecycle, the queue backends, the WebSocket hub, and the recommendation
// cache, plus OpenTelemetry tracing setup.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_enqueued_total",
			Help: "Total number of generation jobs enqueued by queue backend",
		},
		[]string{"backend"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_jobs_processing",
			Help: "Number of generation jobs currently processing",
		},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_finished_total",
			Help: "Total number of generation jobs by terminal status",
		},
		[]string{"status"},
	)

	GeneratorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generator_requests_total",
			Help: "Total number of generator API calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	GeneratorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generator_request_duration_seconds",
			Help:    "Generator API call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	QueueBackendSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_backend_switches_total",
			Help: "Queue orchestrator transitions between broker and in-process backends",
		},
		[]string{"to"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_inprocess_depth",
			Help: "Number of job ids waiting in the in-process queue",
		},
	)

	WSSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_subscribers",
			Help: "Number of active progress subscriptions",
		},
	)
	WSEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_events_dropped_total",
			Help: "Non-terminal status events dropped due to full subscriber buffers",
		},
	)
	WSSlowConsumerClosesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_slow_consumer_closes_total",
			Help: "Subscriptions closed because a terminal event could not be delivered",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recommendation_cache_hits_total",
			Help: "Recommendation cache hits",
		},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recommendation_cache_misses_total",
			Help: "Recommendation cache misses (includes coalesced waiters)",
		},
	)
	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recommendation_cache_evictions_total",
			Help: "Recommendation cache entries evicted by LRU, TTL, or byte budget",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all metric families with the default registry.
// Safe to call once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			JobsEnqueuedTotal,
			JobsProcessing,
			JobsFinishedTotal,
			GeneratorRequestsTotal,
			GeneratorRequestDuration,
			QueueBackendSwitchesTotal,
			QueueDepth,
			WSSubscribers,
			WSEventsDroppedTotal,
			WSSlowConsumerClosesTotal,
			CacheHitsTotal,
			CacheMissesTotal,
			CacheEvictionsTotal,
		)
	})
}

// EnqueueJob records a successful submit on the given backend.
func EnqueueJob(backend string) { JobsEnqueuedTotal.WithLabelValues(backend).Inc() }

// StartProcessingJob marks a job as claimed by a delivery worker.
func StartProcessingJob() { JobsProcessing.Inc() }

// FinishJob marks a job's terminal transition.
func FinishJob(status string) {
	JobsProcessing.Dec()
	JobsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveGeneratorCall records one generator API call.
func ObserveGeneratorCall(operation, outcome string, d time.Duration) {
	GeneratorRequestsTotal.WithLabelValues(operation, outcome).Inc()
	GeneratorRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// HTTPMetricsMiddleware records request counts and latencies per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
