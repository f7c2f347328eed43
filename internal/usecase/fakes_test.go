package usecase_test

import (
	"sync"
	"time"

	"github.com/fairyhunter13/disttest/internal/domain"
)

type submission struct {
	task     domain.Task
	priority uint32
}

type fakeQueue struct {
	mu          sync.Mutex
	submissions []submission
	stats       domain.QueueStats
}

func (q *fakeQueue) Submit(_ domain.Context, task domain.Task, priority uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submissions = append(q.submissions, submission{task, priority})
	return nil
}

func (q *fakeQueue) Reserve(ctx domain.Context) (domain.Reservation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) Stats(domain.Context) (domain.QueueStats, error) { return q.stats, nil }

type fakeRepo struct {
	rows      map[string]domain.TaskRecord
	durations map[string]int

	registerErr error
	finishOK    bool
	finished    []domain.FinishUpdate
	upserts     []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows:      map[string]domain.TaskRecord{},
		durations: map[string]int{},
		finishOK:  true,
	}
}

func (r *fakeRepo) RegisterTasks(_ domain.Context, tasks []domain.Task) error {
	if r.registerErr != nil {
		return r.registerErr
	}
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

func (r *fakeRepo) MarkRunning(_ domain.Context, task domain.Task, hostname string) (bool, error) {
	rec, ok := r.rows[task.ID()]
	if !ok || rec.Status != nil {
		return false, nil
	}
	rec.Hostname = &hostname
	r.rows[task.ID()] = rec
	return true, nil
}

func (r *fakeRepo) CancelJob(_ domain.Context, jobID string) error {
	canceled := domain.StatusCanceled
	for id, rec := range r.rows {
		if rec.JobID == jobID && rec.Status == nil {
			rec.Status = &canceled
			r.rows[id] = rec
		}
	}
	return nil
}

func (r *fakeRepo) FinishTask(_ domain.Context, task domain.Task, upd domain.FinishUpdate) (bool, error) {
	r.finished = append(r.finished, upd)
	if !r.finishOK {
		return false, nil
	}
	rec := r.rows[task.ID()]
	rec.Status = &upd.Status
	r.rows[task.ID()] = rec
	return true, nil
}

func (r *fakeRepo) UpsertDuration(_ domain.Context, description, taskID string, durationSecs int) error {
	r.upserts = append(r.upserts, description)
	r.durations[description] = durationSecs
	return nil
}

func (r *fakeRepo) FetchTaskRows(_ domain.Context, jobID string) ([]domain.TaskRecord, error) {
	var out []domain.TaskRecord
	for _, rec := range r.rows {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRepo) FetchTask(_ domain.Context, jobID, taskID string, attempt int) (domain.TaskRecord, error) {
	for _, rec := range r.rows {
		if rec.JobID == jobID && rec.TaskID == taskID && rec.Attempt == attempt {
			return rec, nil
		}
	}
	return domain.TaskRecord{}, domain.ErrNotFound
}

func (r *fakeRepo) FetchRecentJobs(domain.Context) ([]domain.JobRow, error) { return nil, nil }

func (r *fakeRepo) FetchDurations(_ domain.Context, descriptions []string) (map[string]int, error) {
	out := map[string]int{}
	for _, d := range descriptions {
		if secs, ok := r.durations[d]; ok {
			out[d] = secs
		}
	}
	return out, nil
}

type fakeBlob struct {
	puts map[string][]byte
}

func newFakeBlob() *fakeBlob { return &fakeBlob{puts: map[string][]byte{}} }

func (b *fakeBlob) Put(_ domain.Context, key string, data []byte) error {
	b.puts[key] = data
	return nil
}

func (b *fakeBlob) Link(_ domain.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.example/" + key, nil
}
