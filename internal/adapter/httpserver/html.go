package httpserver

import (
	"html/template"
	"net/http"

	"github.com/fairyhunter13/disttest/internal/domain"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>dist_test</title></head><body>
<h1>dist_test</h1>
<p>ready: {{.Stats.Ready}} | reserved: {{.Stats.Reserved}} | waiting slaves: {{.Stats.Waiting}}</p>
<h2>Recent jobs</h2>
<table border="1">
<tr><th>Job</th><th>Submitted</th><th>Tasks</th></tr>
{{range .Jobs}}<tr>
<td><a href="/job?job_id={{.JobID}}">{{.JobID}}</a></td>
<td>{{.SubmitTime.Format "2006-01-02 15:04:05"}}</td>
<td>{{.NumTasks}}</td>
</tr>{{end}}
</table>
</body></html>
`))

var jobTmpl = template.Must(template.New("job").Parse(`<!DOCTYPE html>
<html><head><title>{{.JobID}}</title></head><body>
<h1>Job {{.JobID}}</h1>
<p>status: {{.Summary.Status}} |
groups {{.Summary.FinishedGroups}}/{{.Summary.TotalGroups}} finished,
{{.Summary.FailedGroups}} failed, {{.Summary.FlakyGroups}} flaky |
runtime {{printf "%.1f" .Summary.RuntimeSecs}}s</p>
<table border="1">
<tr><th>Task</th><th>Attempt</th><th>Description</th><th>Logs</th></tr>
{{range .Tasks}}<tr>
<td>{{.TaskID}}</td>
<td>{{.Attempt}}</td>
<td>{{.Description}}</td>
<td>
{{if .StdoutLink}}<a href="{{.StdoutLink}}">stdout</a>{{end}}
{{if .StderrLink}}<a href="{{.StderrLink}}">stderr</a>{{end}}
{{if .ArtifactArchiveLink}}<a href="{{.ArtifactArchiveLink}}">artifacts</a>{{end}}
</td>
</tr>{{end}}
</table>
</body></html>
`))

// IndexHandler renders the dashboard: queue stats and recent jobs.
func (s *Server) IndexHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Jobs.QueueStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		jobs, err := s.Jobs.RecentJobs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = indexTmpl.Execute(w, struct {
			Stats domain.QueueStats
			Jobs  []domain.JobRow
		}{stats, jobs})
	}
}

// JobHandler renders one job's summary and task table.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		sum, err := s.Jobs.JobStatus(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		tasks, err := s.Jobs.ListTasks(r.Context(), jobID, "")
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = jobTmpl.Execute(w, struct {
			JobID   string
			Summary usecase.JobSummary
			Tasks   []usecase.TaskView
		}{jobID, sum, tasks})
	}
}
