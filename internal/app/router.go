// Package app wires the master's router and process lifecycle.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/disttest/internal/adapter/httpserver"
	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/config"
)

// writeRateLimit bounds submit/retry/cancel calls per client IP. Slaves
// post at most one retry per finished task, so this is generous.
const writeRateLimit = 300

// BuildRouter constructs the master's HTTP handler with all middlewares
// and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Write endpoints and HTML pages sit behind digest auth (or the
	// allowed-IP bypass).
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(writeRateLimit, time.Minute))
		wr.Use(srv.Auth.Middleware)
		wr.Use(httpserver.NoCache)
		wr.Post("/submit_job", srv.SubmitJobHandler())
		wr.Post("/retry_task", srv.RetryTaskHandler())
		wr.Post("/cancel_job", srv.CancelJobHandler())
		wr.Get("/cancel_job", srv.CancelJobHandler())
		wr.Get("/", srv.IndexHandler())
		wr.Get("/job", srv.JobHandler())
	})

	// Read-only JSON endpoints are unauthenticated: the client polls
	// job_status twice a second and the autoscaler polls stats.
	r.Group(func(ro chi.Router) {
		ro.Use(httpserver.NoCache)
		ro.Get("/job_status", srv.JobStatusHandler())
		ro.Get("/tasks", srv.TasksHandler())
		ro.Get("/stats", srv.StatsHandler())
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return r
}
