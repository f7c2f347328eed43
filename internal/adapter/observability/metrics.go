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
	// HTTPRequestsTotal counts master HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration observes master request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// TasksEnqueuedTotal counts queue submissions by kind (submit/retry).
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of task attempts enqueued",
		},
		[]string{"kind"},
	)
	// TasksRunTotal counts finished attempts on a slave by outcome
	// (success, failed, timeout).
	TasksRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_run_total",
			Help: "Total number of task attempts run by this slave",
		},
		[]string{"outcome"},
	)
	// TaskDuration observes wall-clock attempt duration on a slave.
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task attempt duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	// SlaveBusy is 1 while the slave is executing a task.
	SlaveBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slave_busy",
			Help: "Whether this slave is currently running a task",
		},
	)

	// QueueReady/QueueReserved mirror the broker stats for dashboards.
	QueueReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_ready",
			Help: "Number of ready entries in the task queue",
		},
	)
	QueueReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_reserved",
			Help: "Number of reserved entries in the task queue",
		},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksRunTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(SlaveBusy)
	prometheus.MustRegister(QueueReady)
	prometheus.MustRegister(QueueReserved)
}

// HTTPMetricsMiddleware records request counts and latency per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
