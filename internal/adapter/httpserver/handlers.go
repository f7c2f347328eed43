package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/config"
	"github.com/fairyhunter13/disttest/internal/domain"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg  config.Config
	Jobs usecase.JobService
	Auth *DigestAuth
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, jobs usecase.JobService, auth *DigestAuth) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Auth: auth}
}

// NoCache disables client-side caching of the dashboards and status
// endpoints, which the client polls twice a second.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "Sat, 01 Jan 1970 00:00:00 GMT")
		next.ServeHTTP(w, r)
	})
}

// SubmitJobHandler registers and enqueues all tasks of a job. Form
// fields: job_id and job_json.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
		jobID := r.PostFormValue("job_id")
		var spec usecase.JobSpec
		if err := json.Unmarshal([]byte(r.PostFormValue("job_json")), &spec); err != nil {
			writeError(w, fmt.Errorf("%w: bad job_json: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := s.Jobs.SubmitJob(r.Context(), jobID, spec); err != nil {
			LoggerFrom(r).Error("submit job failed", "job_id", jobID, "err", err)
			writeError(w, err)
			return
		}
		LoggerFrom(r).Info("job submitted", "job_id", jobID, "tasks", len(spec.Tasks))
		writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
	}
}

// RetryTaskHandler enqueues the next attempt of a failed task. Slaves
// post the descriptor they just ran as the task_json form field.
func (s *Server) RetryTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
		task, err := domain.UnmarshalTask([]byte(r.PostFormValue("task_json")))
		if err != nil {
			writeError(w, fmt.Errorf("%w: bad task_json: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := s.Jobs.RetryTask(r.Context(), task); err != nil {
			LoggerFrom(r).Error("retry task failed", "task", task.ID(), "err", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
	}
}

// CancelJobHandler closes every unfinished row of a job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.FormValue("job_id")
		if err := s.Jobs.CancelJob(r.Context(), jobID); err != nil {
			writeError(w, err)
			return
		}
		LoggerFrom(r).Info("job canceled", "job_id", jobID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
	}
}

// JobStatusHandler returns the aggregate counters the client polls.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := s.Jobs.JobStatus(r.Context(), r.URL.Query().Get("job_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// TasksHandler lists per-attempt records with blob download links,
// optionally filtered by status=failed|succeeded|finished.
func (s *Server) TasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		views, err := s.Jobs.ListTasks(r.Context(), q.Get("job_id"), q.Get("status"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// StatsHandler exposes broker counts for the autoscaler.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Jobs.QueueStats(r.Context())
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrUnavailable, err))
			return
		}
		observability.QueueReady.Set(float64(stats.Ready))
		observability.QueueReserved.Set(float64(stats.Reserved))
		writeJSON(w, http.StatusOK, stats)
	}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
