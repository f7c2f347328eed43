package usecase_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/disttest/internal/domain"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

func TestMarkFinished_UploadsLogsAndArtifacts(t *testing.T) {
	repo := newFakeRepo()
	blob := newFakeBlob()
	svc := usecase.NewResultService(repo, blob)

	task := domain.Task{JobID: "j", TaskID: "h.0", Attempt: 1, Description: "A"}
	require.NoError(t, repo.RegisterTasks(context.Background(), []domain.Task{task}))

	stored, err := svc.MarkFinished(context.Background(), task, domain.TaskResult{
		Status:            2,
		Stdout:            []byte("out"),
		Stderr:            []byte(strings.Repeat("e", 150)),
		ArtifactZip:       []byte{'P', 'K'},
		OutputArchiveHash: strings.Repeat("b", 40),
		Duration:          42 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, stored)

	assert.Equal(t, []byte("out"), blob.puts["j.h.0.1.stdout"])
	assert.Len(t, blob.puts["j.h.0.1.stderr"], 150)
	assert.Equal(t, []byte{'P', 'K'}, blob.puts["j.h.0.1-artifacts.zip"])

	require.Len(t, repo.finished, 1)
	upd := repo.finished[0]
	assert.Equal(t, 2, upd.Status)
	assert.Equal(t, "out", upd.StdoutAbbrev)
	assert.Len(t, upd.StderrAbbrev, 100)
	require.NotNil(t, upd.StdoutKey)
	assert.Equal(t, "j.h.0.1.stdout", *upd.StdoutKey)
	require.NotNil(t, upd.OutputArchiveHash)

	assert.Equal(t, []string{"A"}, repo.upserts)
	assert.Equal(t, 42, repo.durations["A"])
}

func TestMarkFinished_NoBlobsOnSuccess(t *testing.T) {
	repo := newFakeRepo()
	blob := newFakeBlob()
	svc := usecase.NewResultService(repo, blob)

	task := domain.Task{JobID: "j", TaskID: "h.0", Attempt: 0, Description: "A"}
	require.NoError(t, repo.RegisterTasks(context.Background(), []domain.Task{task}))

	stored, err := svc.MarkFinished(context.Background(), task, domain.TaskResult{
		Status:            domain.StatusSuccess,
		OutputArchiveHash: strings.Repeat("b", 40),
		Duration:          time.Second,
	})
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Empty(t, blob.puts)

	upd := repo.finished[0]
	assert.Nil(t, upd.StdoutKey)
	assert.Nil(t, upd.StderrKey)
	assert.Empty(t, upd.StdoutAbbrev)
}

func TestMarkFinished_DroppedWhenCancelWon(t *testing.T) {
	repo := newFakeRepo()
	repo.finishOK = false
	svc := usecase.NewResultService(repo, newFakeBlob())

	task := domain.Task{JobID: "j", TaskID: "h.0", Description: "A"}
	stored, err := svc.MarkFinished(context.Background(), task, domain.TaskResult{Status: 1, Duration: time.Second})
	require.NoError(t, err)
	assert.False(t, stored)

	// The duration sample is still useful for future ordering.
	assert.Equal(t, []string{"A"}, repo.upserts)
}

func TestMarkRunning_Passthrough(t *testing.T) {
	repo := newFakeRepo()
	svc := usecase.NewResultService(repo, newFakeBlob())

	task := domain.Task{JobID: "j", TaskID: "h.0"}
	require.NoError(t, repo.RegisterTasks(context.Background(), []domain.Task{task}))

	ok, err := svc.MarkRunning(context.Background(), task, "slave-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.CancelJob(context.Background(), "j"))
	ok, err = svc.MarkRunning(context.Background(), task, "slave-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
