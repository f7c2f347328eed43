package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/disttest/internal/domain"
)

func row(attempt, maxRetries int, status *int) domain.TaskRecord {
	return domain.TaskRecord{JobID: "j", TaskID: "t", Attempt: attempt, MaxRetries: maxRetries, Status: status}
}

func st(v int) *int { return &v }

func TestTaskGroup_Empty(t *testing.T) {
	g := domain.NewTaskGroup(nil)
	assert.False(t, g.IsFailed)
	assert.False(t, g.IsFlaky)
	assert.False(t, g.IsSucceeded)
	assert.False(t, g.IsFinished)
}

func TestTaskGroup_SingleSuccess(t *testing.T) {
	g := domain.NewTaskGroup([]domain.TaskRecord{row(0, 0, st(0))})
	assert.True(t, g.IsSucceeded)
	assert.True(t, g.IsFinished)
	assert.False(t, g.IsFailed)
	assert.False(t, g.IsFlaky)
}

func TestTaskGroup_FlakySucceedsOnRetry(t *testing.T) {
	g := domain.NewTaskGroup([]domain.TaskRecord{
		row(0, 2, st(1)),
		row(1, 2, st(0)),
	})
	assert.True(t, g.IsFlaky)
	assert.True(t, g.IsSucceeded)
	assert.False(t, g.IsFailed)
	assert.True(t, g.IsFinished)
}

func TestTaskGroup_AllFailedWithRetriesRemaining(t *testing.T) {
	g := domain.NewTaskGroup([]domain.TaskRecord{row(0, 2, st(1))})
	assert.True(t, g.IsFlaky)
	assert.False(t, g.IsFailed)
	assert.False(t, g.IsFinished)
}

func TestTaskGroup_HardFailureExhaustsRetries(t *testing.T) {
	g := domain.NewTaskGroup([]domain.TaskRecord{
		row(0, 1, st(2)),
		row(1, 1, st(2)),
	})
	assert.True(t, g.IsFailed)
	assert.False(t, g.IsFlaky)
	assert.False(t, g.IsSucceeded)
	assert.True(t, g.IsFinished)
}

func TestTaskGroup_RunningNotFinished(t *testing.T) {
	g := domain.NewTaskGroup([]domain.TaskRecord{row(0, 0, nil)})
	assert.False(t, g.IsFinished)
	assert.False(t, g.IsFailed)
	assert.False(t, g.IsSucceeded)
}

func TestGroupByTaskID(t *testing.T) {
	rows := []domain.TaskRecord{
		{JobID: "j", TaskID: "a", Attempt: 0, Status: st(0)},
		{JobID: "j", TaskID: "b", Attempt: 0, Status: st(1)},
		{JobID: "j", TaskID: "b", Attempt: 1, Status: st(0), MaxRetries: 1},
	}
	rows[1].MaxRetries = 1
	groups := domain.GroupByTaskID(rows)
	assert.Len(t, groups, 2)
	assert.True(t, groups["a"].IsSucceeded)
	assert.True(t, groups["b"].IsFlaky)
}

func TestRetryPriority(t *testing.T) {
	assert.Equal(t, domain.DefaultPriority-1000, domain.RetryPriority(1))
	assert.Equal(t, domain.DefaultPriority-5000, domain.RetryPriority(5))
	// Deep retries never sink below the floor nor above the original.
	assert.Equal(t, domain.MinRetryPriority, domain.RetryPriority(1<<30))
}

func TestTaskIDs(t *testing.T) {
	task := domain.Task{JobID: "u.1.2", TaskID: "abc.0", Attempt: 3}
	assert.Equal(t, "u.1.2.abc.0.3", task.ID())
	assert.Equal(t, "u.1.2.abc.0", task.RetryID())
}

func TestTaskMarshalRoundTrip(t *testing.T) {
	task := domain.Task{
		JobID: "j", TaskID: "t", IsolateHash: "aa", Description: "d",
		TimeoutSecs: 30, Attempt: 1, MaxRetries: 2,
		ArtifactArchiveGlobs: []string{"**/surefire-reports/*"},
	}
	b, err := task.Marshal()
	assert.NoError(t, err)
	got, err := domain.UnmarshalTask(b)
	assert.NoError(t, err)
	assert.Equal(t, task, got)
}
