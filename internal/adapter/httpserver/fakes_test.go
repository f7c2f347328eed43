package httpserver_test

import (
	"time"

	"github.com/fairyhunter13/disttest/internal/domain"
)

type memQueue struct {
	submissions []domain.Task
	stats       domain.QueueStats
}

func (q *memQueue) Submit(_ domain.Context, task domain.Task, _ uint32) error {
	q.submissions = append(q.submissions, task)
	q.stats.Ready++
	return nil
}

func (q *memQueue) Reserve(ctx domain.Context) (domain.Reservation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *memQueue) Stats(domain.Context) (domain.QueueStats, error) { return q.stats, nil }

type memRepo struct {
	rows map[string]domain.TaskRecord
}

func newMemRepo() *memRepo { return &memRepo{rows: map[string]domain.TaskRecord{}} }

func (r *memRepo) RegisterTasks(_ domain.Context, tasks []domain.Task) error {
	for _, t := range tasks {
		if _, ok := r.rows[t.ID()]; ok {
			return domain.ErrConflict
		}
		r.rows[t.ID()] = domain.TaskRecord{
			JobID: t.JobID, TaskID: t.TaskID, Attempt: t.Attempt,
			MaxRetries: t.MaxRetries, Description: t.Description,
			SubmitTime: time.Now(),
		}
	}
	return nil
}

func (r *memRepo) MarkRunning(_ domain.Context, task domain.Task, hostname string) (bool, error) {
	rec, ok := r.rows[task.ID()]
	if !ok || rec.Status != nil {
		return false, nil
	}
	rec.Hostname = &hostname
	r.rows[task.ID()] = rec
	return true, nil
}

func (r *memRepo) CancelJob(_ domain.Context, jobID string) error {
	canceled := domain.StatusCanceled
	now := time.Now()
	for id, rec := range r.rows {
		if rec.JobID == jobID && rec.Status == nil {
			rec.Status = &canceled
			rec.CompleteTime = &now
			r.rows[id] = rec
		}
	}
	return nil
}

func (r *memRepo) FinishTask(_ domain.Context, task domain.Task, upd domain.FinishUpdate) (bool, error) {
	rec, ok := r.rows[task.ID()]
	if !ok || rec.Status != nil {
		return false, nil
	}
	now := time.Now()
	rec.Status = &upd.Status
	rec.CompleteTime = &now
	r.rows[task.ID()] = rec
	return true, nil
}

func (r *memRepo) UpsertDuration(domain.Context, string, string, int) error { return nil }

func (r *memRepo) FetchTaskRows(_ domain.Context, jobID string) ([]domain.TaskRecord, error) {
	var out []domain.TaskRecord
	for _, rec := range r.rows {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) FetchTask(_ domain.Context, jobID, taskID string, attempt int) (domain.TaskRecord, error) {
	for _, rec := range r.rows {
		if rec.JobID == jobID && rec.TaskID == taskID && rec.Attempt == attempt {
			return rec, nil
		}
	}
	return domain.TaskRecord{}, domain.ErrNotFound
}

func (r *memRepo) FetchRecentJobs(domain.Context) ([]domain.JobRow, error) {
	counts := map[string]int{}
	for _, rec := range r.rows {
		counts[rec.JobID]++
	}
	var out []domain.JobRow
	for id, n := range counts {
		out = append(out, domain.JobRow{JobID: id, SubmitTime: time.Now(), NumTasks: n})
	}
	return out, nil
}

func (r *memRepo) FetchDurations(_ domain.Context, _ []string) (map[string]int, error) {
	return map[string]int{}, nil
}

type memBlob struct{}

func (memBlob) Put(domain.Context, string, []byte) error { return nil }
func (memBlob) Link(_ domain.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.example/" + key, nil
}
