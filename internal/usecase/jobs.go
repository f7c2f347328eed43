// Package usecase holds the application services behind the master's
// HTTP surface and the slave's result reporting.
package usecase

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/domain"
)

// TaskSpec is one entry of a submitted job description.
type TaskSpec struct {
	IsolateHash          string   `json:"isolate_hash" validate:"required,len=40,hexadecimal"`
	Description          string   `json:"description" validate:"required,max=100"`
	TimeoutSecs          int      `json:"timeout" validate:"min=0"`
	MaxRetries           int      `json:"max_retries" validate:"min=0"`
	ArtifactArchiveGlobs []string `json:"artifact_archive_globs"`
}

// JobSpec is the submitted job description.
type JobSpec struct {
	Tasks []TaskSpec `json:"tasks" validate:"required,min=1,dive"`
}

// JobService implements the master's submit/retry/cancel/status surface.
type JobService struct {
	Queue    domain.TaskQueue
	Repo     domain.TaskRepo
	Blobs    domain.BlobStore
	Validate *validator.Validate
}

// NewJobService constructs a JobService over the given ports.
func NewJobService(q domain.TaskQueue, r domain.TaskRepo, b domain.BlobStore) JobService {
	return JobService{Queue: q, Repo: r, Blobs: b, Validate: validator.New()}
}

// SubmitJob materializes one task per spec entry, orders them longest
// expected duration first, registers all rows and enqueues each at the
// default priority. Tasks without duration history sort last.
func (s JobService) SubmitJob(ctx domain.Context, jobID string, spec JobSpec) error {
	if jobID == "" {
		return fmt.Errorf("%w: missing job_id", domain.ErrInvalidArgument)
	}
	if err := s.Validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	tasks := make([]domain.Task, 0, len(spec.Tasks))
	for i, ts := range spec.Tasks {
		tasks = append(tasks, domain.Task{
			JobID:                jobID,
			TaskID:               fmt.Sprintf("%s.%d", ts.IsolateHash, i),
			IsolateHash:          ts.IsolateHash,
			Description:          ts.Description,
			TimeoutSecs:          ts.TimeoutSecs,
			MaxRetries:           ts.MaxRetries,
			ArtifactArchiveGlobs: ts.ArtifactArchiveGlobs,
		})
	}

	if err := s.sortByDuration(ctx, tasks); err != nil {
		return err
	}
	if err := s.Repo.RegisterTasks(ctx, tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.Queue.Submit(ctx, t, domain.DefaultPriority); err != nil {
			return fmt.Errorf("op=jobs.submit task=%s: %w", t.ID(), err)
		}
		observability.TasksEnqueuedTotal.WithLabelValues("submit").Inc()
	}
	return nil
}

// sortByDuration orders tasks descending by the last-known duration of
// their description. Longest-task-first trims the straggler tail. Ties
// and unknown descriptions keep their submission order.
func (s JobService) sortByDuration(ctx domain.Context, tasks []domain.Task) error {
	descs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		descs = append(descs, t.Description)
	}
	durations, err := s.Repo.FetchDurations(ctx, descs)
	if err != nil {
		return fmt.Errorf("op=jobs.sort: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return durations[tasks[i].Description] > durations[tasks[j].Description]
	})
	return nil
}

// RetryTask schedules the next attempt of a failed task at a boosted
// priority. Exhausted tasks are a no-op. A duplicate retry of the same
// attempt hits the store's primary key and skips the enqueue, so
// double-posting slaves cannot duplicate work.
func (s JobService) RetryTask(ctx domain.Context, task domain.Task) error {
	if task.Attempt >= task.MaxRetries {
		return nil
	}
	task.Attempt++
	if err := s.Repo.RegisterTasks(ctx, []domain.Task{task}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	if err := s.Queue.Submit(ctx, task, domain.RetryPriority(task.Attempt)); err != nil {
		return fmt.Errorf("op=jobs.retry task=%s: %w", task.ID(), err)
	}
	observability.TasksEnqueuedTotal.WithLabelValues("retry").Inc()
	return nil
}

// CancelJob closes every unfinished row of the job. Reserved queue
// entries drain when slaves fail to claim the canceled rows.
func (s JobService) CancelJob(ctx domain.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: missing job_id", domain.ErrInvalidArgument)
	}
	return s.Repo.CancelJob(ctx, jobID)
}

// QueueStats exposes broker counts for the dashboard and autoscaler.
func (s JobService) QueueStats(ctx domain.Context) (domain.QueueStats, error) {
	return s.Queue.Stats(ctx)
}

// RecentJobs lists jobs submitted within the last day.
func (s JobService) RecentJobs(ctx domain.Context) ([]domain.JobRow, error) {
	return s.Repo.FetchRecentJobs(ctx)
}
