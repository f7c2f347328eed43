package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/disttest/internal/domain"
)

// Job status values reported by JobStatus. A job stays running until
// every group is finished; rows alone are not enough, since a flaky
// attempt's retry row may not be registered yet.
const (
	JobStatusRunning  = "running"
	JobStatusFinished = "finished"
)

// JobSummary aggregates a job's rows into the counters the client polls.
type JobSummary struct {
	TotalTasks     int `json:"total_tasks"`
	FinishedTasks  int `json:"finished_tasks"`
	RunningTasks   int `json:"running_tasks"`
	RetriedTasks   int `json:"retried_tasks"`
	TimedoutTasks  int `json:"timedout_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	SucceededTasks int `json:"succeeded_tasks"`

	TotalGroups     int `json:"total_groups"`
	FlakyGroups     int `json:"flaky_groups"`
	FailedGroups    int `json:"failed_groups"`
	SucceededGroups int `json:"succeeded_groups"`
	FinishedGroups  int `json:"finished_groups"`

	// FlakyTasks counts failed attempts inside flaky groups.
	FlakyTasks int `json:"flaky_tasks"`

	Status      string  `json:"status"`
	RuntimeSecs float64 `json:"runtime_secs"`
}

// TaskView is one row of the task listing, with download links for
// whatever blobs the attempt produced.
type TaskView struct {
	TaskID              string `json:"task_id"`
	Attempt             int    `json:"attempt"`
	Description         string `json:"description"`
	StdoutLink          string `json:"stdout_link,omitempty"`
	StderrLink          string `json:"stderr_link,omitempty"`
	ArtifactArchiveLink string `json:"artifact_archive_link,omitempty"`
}

// JobStatus summarizes a job. Unknown jobs map to domain.ErrNotFound.
func (s JobService) JobStatus(ctx domain.Context, jobID string) (JobSummary, error) {
	rows, err := s.Repo.FetchTaskRows(ctx, jobID)
	if err != nil {
		return JobSummary{}, err
	}
	if len(rows) == 0 {
		return JobSummary{}, fmt.Errorf("op=jobs.status job=%s: %w", jobID, domain.ErrNotFound)
	}
	return summarize(rows, time.Now()), nil
}

func summarize(rows []domain.TaskRecord, now time.Time) JobSummary {
	var sum JobSummary
	sum.TotalTasks = len(rows)

	submitTime := rows[0].SubmitTime
	var finishTime time.Time
	for _, r := range rows {
		if r.SubmitTime.Before(submitTime) {
			submitTime = r.SubmitTime
		}
		if r.CompleteTime != nil && r.CompleteTime.After(finishTime) {
			finishTime = *r.CompleteTime
		}
		if r.Finished() {
			sum.FinishedTasks++
		} else {
			sum.RunningTasks++
		}
		if r.Attempt > 0 {
			sum.RetriedTasks++
		}
		if r.Status != nil && *r.Status == domain.StatusTimedOut {
			sum.TimedoutTasks++
		}
		if r.Failed() {
			sum.FailedTasks++
		}
		if r.Succeeded() {
			sum.SucceededTasks++
		}
	}

	groups := domain.GroupByTaskID(rows)
	sum.TotalGroups = len(groups)
	for _, g := range groups {
		if g.IsFlaky {
			sum.FlakyGroups++
			for _, t := range g.Tasks {
				if t.Failed() {
					sum.FlakyTasks++
				}
			}
		}
		if g.IsFailed {
			sum.FailedGroups++
		}
		if g.IsSucceeded {
			sum.SucceededGroups++
		}
		if g.IsFinished {
			sum.FinishedGroups++
		}
	}

	sum.Status = JobStatusRunning
	stop := now
	if sum.TotalGroups == sum.FinishedGroups {
		sum.Status = JobStatusFinished
		if !finishTime.IsZero() {
			stop = finishTime
		}
	}
	sum.RuntimeSecs = stop.Sub(submitTime).Seconds()
	return sum
}

// ListTasks returns per-attempt records for a job, optionally filtered
// by "failed", "succeeded" or "finished". Links are presigned for a day.
func (s JobService) ListTasks(ctx domain.Context, jobID, status string) ([]TaskView, error) {
	switch status {
	case "", "failed", "succeeded", "finished":
	default:
		return nil, fmt.Errorf("%w: unknown status filter %q", domain.ErrInvalidArgument, status)
	}
	rows, err := s.Repo.FetchTaskRows(ctx, jobID)
	if err != nil {
		return nil, err
	}

	views := make([]TaskView, 0, len(rows))
	for _, r := range rows {
		switch status {
		case "failed":
			if !r.Failed() {
				continue
			}
		case "succeeded":
			if !r.Succeeded() {
				continue
			}
		case "finished":
			if !r.Finished() {
				continue
			}
		}
		v := TaskView{TaskID: r.TaskID, Attempt: r.Attempt, Description: r.Description}
		if v.StdoutLink, err = s.link(ctx, r.StdoutKey); err != nil {
			return nil, err
		}
		if v.StderrLink, err = s.link(ctx, r.StderrKey); err != nil {
			return nil, err
		}
		if v.ArtifactArchiveLink, err = s.link(ctx, r.ArtifactArchiveKey); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s JobService) link(ctx domain.Context, key *string) (string, error) {
	if key == nil || *key == "" {
		return "", nil
	}
	url, err := s.Blobs.Link(ctx, *key, 24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("op=jobs.link key=%s: %w", *key, err)
	}
	return url, nil
}
