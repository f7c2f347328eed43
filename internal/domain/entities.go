// Package domain defines the task model shared by the master, the
// slaves and the client, together with the ports they depend on.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// Well-known attempt status codes. A NULL status in the store means the
// attempt has not finished yet; any other non-zero value is a plain
// subprocess failure.
const (
	StatusSuccess  = 0
	StatusCanceled = -1
	StatusTimedOut = -9
)

// Queue priorities. Lower values are reserved first.
const (
	// DefaultPriority is assigned to every task on first submission.
	DefaultPriority uint32 = 1 << 31
	// MinRetryPriority caps how far retry boosting can lower the
	// priority value.
	MinRetryPriority uint32 = 1000
)

// RetryPriority returns the boosted priority for a retry attempt:
// later attempts reserve earlier but never before MinRetryPriority.
func RetryPriority(attempt int) uint32 {
	p := int64(DefaultPriority) - int64(1000*attempt)
	if p < int64(MinRetryPriority) {
		p = int64(MinRetryPriority)
	}
	return uint32(p)
}

// Task is the serializable descriptor of one attempt, passed between
// master and slaves through the queue.
type Task struct {
	JobID                string   `json:"job_id"`
	TaskID               string   `json:"task_id"`
	IsolateHash          string   `json:"isolate_hash"`
	Description          string   `json:"description"`
	TimeoutSecs          int      `json:"timeout"`
	Attempt              int      `json:"attempt"`
	MaxRetries           int      `json:"max_retries"`
	ArtifactArchiveGlobs []string `json:"artifact_archive_globs,omitempty"`
}

// ID uniquely identifies this attempt.
func (t Task) ID() string { return fmt.Sprintf("%s.%s.%d", t.JobID, t.TaskID, t.Attempt) }

// RetryID identifies the task across attempts. Used as the key of the
// slave-side retry anti-affinity cache.
func (t Task) RetryID() string { return t.JobID + "." + t.TaskID }

// Marshal encodes the task for the queue.
func (t Task) Marshal() ([]byte, error) { return json.Marshal(t) }

// UnmarshalTask decodes a queue payload back into a Task.
func UnmarshalTask(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("op=task.unmarshal: %w", err)
	}
	return t, nil
}

// TaskRecord is one attempt row as stored by the results store.
// Pointer fields are NULLable columns.
type TaskRecord struct {
	JobID              string
	TaskID             string
	Attempt            int
	MaxRetries         int
	Description        string
	SubmitTime         time.Time
	StartTime          *time.Time
	Hostname           *string
	CompleteTime       *time.Time
	OutputArchiveHash  *string
	StdoutAbbrev       string
	StderrAbbrev       string
	StdoutKey          *string
	StderrKey          *string
	ArtifactArchiveKey *string
	Status             *int
}

// Finished reports whether the attempt has a terminal status.
func (r TaskRecord) Finished() bool { return r.Status != nil }

// Succeeded reports whether the attempt finished with exit code zero.
func (r TaskRecord) Succeeded() bool { return r.Status != nil && *r.Status == StatusSuccess }

// Failed reports whether the attempt finished with a non-zero status.
func (r TaskRecord) Failed() bool { return r.Status != nil && *r.Status != StatusSuccess }

// TaskResult carries everything a slave learned from one finished run.
type TaskResult struct {
	Status            int
	Stdout            []byte
	Stderr            []byte
	ArtifactZip       []byte
	OutputArchiveHash string
	Duration          time.Duration
}

// JobRow is one row of the recent-jobs listing.
type JobRow struct {
	JobID      string
	SubmitTime time.Time
	NumTasks   int
}

// DurationRow is the rolling per-description duration estimate used for
// longest-task-first ordering.
type DurationRow struct {
	Description  string
	LastTaskID   string
	DurationSecs int
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
