package observability

import (
	"net/http"
	"strconv"
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

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of task jobs enqueued",
		},
		[]string{"queue", "tool"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"tool"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed by terminal status",
		},
		[]string{"tool", "status"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dead_lettered_total",
			Help: "Total number of jobs routed to the dead-letter queue",
		},
		[]string{"queue"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "External provider call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "operation"},
	)
	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_subscribers",
			Help: "Number of open SSE task streams",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksEnqueuedTotal,
		TasksProcessing,
		TasksCompletedTotal,
		TasksDeadLetteredTotal,
		ProviderRequestDuration,
		SSESubscribers,
	)
}

// HTTPMetricsMiddleware records request counters and latency per chi route.
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
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// EnqueueTask increments the enqueue counter.
func EnqueueTask(queue, tool string) { TasksEnqueuedTotal.WithLabelValues(queue, tool).Inc() }

// StartProcessingTask marks one task in flight.
func StartProcessingTask(tool string) { TasksProcessing.WithLabelValues(tool).Inc() }

// CompleteTask records a terminal outcome and releases the in-flight gauge.
func CompleteTask(tool, status string) {
	TasksProcessing.WithLabelValues(tool).Dec()
	TasksCompletedTotal.WithLabelValues(tool, status).Inc()
}

// DeadLetterTask counts a job landing in the DLQ.
func DeadLetterTask(queue string) { TasksDeadLetteredTotal.WithLabelValues(queue).Inc() }

// ObserveProviderCall records the latency of one external provider call.
func ObserveProviderCall(provider, operation string, d time.Duration) {
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}
