package domain

import "time"

// QueueStats are broker-level counts surfaced on the master dashboard
// and consumed by the autoscaler.
type QueueStats struct {
	Ready    int `json:"ready"`
	Reserved int `json:"reserved"`
	Waiting  int `json:"waiting"`
}

// Reservation is a leased queue entry. The holder must Touch it every
// ~10s while working, then either Delete (done) or Release (hand back).
type Reservation interface {
	Task() Task
	Touch(ctx Context) error
	Delete(ctx Context) error
	Release(ctx Context) error
}

// TaskQueue is the broker port. Lower priority values reserve first.
// Durability is best-effort; the results store is the source of truth.
type TaskQueue interface {
	Submit(ctx Context, task Task, priority uint32) error
	// Reserve blocks until an entry is available or ctx is done.
	Reserve(ctx Context) (Reservation, error)
	Stats(ctx Context) (QueueStats, error)
}

// TaskRepo is the durable record of attempt rows and duration
// estimates.
type TaskRepo interface {
	RegisterTasks(ctx Context, tasks []Task) error
	// MarkRunning sets start_timestamp and hostname iff the row's
	// status is still NULL. False means the attempt was canceled and
	// the caller must abandon it.
	MarkRunning(ctx Context, task Task, hostname string) (bool, error)
	CancelJob(ctx Context, jobID string) error
	// FinishTask closes the row. False means the row was already
	// closed (cancel won) and the result must be dropped.
	FinishTask(ctx Context, task Task, upd FinishUpdate) (bool, error)
	UpsertDuration(ctx Context, description, taskID string, durationSecs int) error
	FetchTaskRows(ctx Context, jobID string) ([]TaskRecord, error)
	FetchTask(ctx Context, jobID, taskID string, attempt int) (TaskRecord, error)
	FetchRecentJobs(ctx Context) ([]JobRow, error)
	FetchDurations(ctx Context, descriptions []string) (map[string]int, error)
}

// FinishUpdate is the column set written by FinishTask.
type FinishUpdate struct {
	Status             int
	OutputArchiveHash  *string
	StdoutKey          *string
	StdoutAbbrev       string
	StderrKey          *string
	StderrAbbrev       string
	ArtifactArchiveKey *string
}

// BlobStore holds full task logs and artifact archives.
type BlobStore interface {
	// Put stores data under key with an inline content-disposition
	// naming the key, so browser downloads get a sensible filename.
	Put(ctx Context, key string, data []byte) error
	// Link returns a time-bounded download URL for key.
	Link(ctx Context, key string, ttl time.Duration) (string, error)
}
