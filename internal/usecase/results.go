package usecase

import (
	"fmt"

	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/domain"
)

const abbrevLen = 100

// ResultService records attempt outcomes on behalf of slaves: blob
// uploads first, then the guarded row update, then the duration EWMA.
type ResultService struct {
	Repo  domain.TaskRepo
	Blobs domain.BlobStore
}

// NewResultService constructs a ResultService over the given ports.
func NewResultService(r domain.TaskRepo, b domain.BlobStore) ResultService {
	return ResultService{Repo: r, Blobs: b}
}

// MarkRunning claims the attempt for hostname. False means the row was
// canceled and the caller must abandon the task.
func (s ResultService) MarkRunning(ctx domain.Context, task domain.Task, hostname string) (bool, error) {
	return s.Repo.MarkRunning(ctx, task, hostname)
}

// MarkFinished uploads the attempt's blobs and closes its row. Blobs go
// first so any reader that observes the finished status can resolve the
// row's keys. False means cancel won the race and the result was
// dropped; the duration sample is still recorded either way.
func (s ResultService) MarkFinished(ctx domain.Context, task domain.Task, res domain.TaskResult) (bool, error) {
	var upd domain.FinishUpdate
	upd.Status = res.Status

	if len(res.Stdout) > 0 {
		key := task.ID() + ".stdout"
		if err := s.Blobs.Put(ctx, key, res.Stdout); err != nil {
			return false, fmt.Errorf("op=results.finish: %w", err)
		}
		upd.StdoutKey = &key
		upd.StdoutAbbrev = abbrev(res.Stdout)
	}
	if len(res.Stderr) > 0 {
		key := task.ID() + ".stderr"
		if err := s.Blobs.Put(ctx, key, res.Stderr); err != nil {
			return false, fmt.Errorf("op=results.finish: %w", err)
		}
		upd.StderrKey = &key
		upd.StderrAbbrev = abbrev(res.Stderr)
	}
	if len(res.ArtifactZip) > 0 {
		key := task.ID() + "-artifacts.zip"
		if err := s.Blobs.Put(ctx, key, res.ArtifactZip); err != nil {
			return false, fmt.Errorf("op=results.finish: %w", err)
		}
		upd.ArtifactArchiveKey = &key
	}
	if res.OutputArchiveHash != "" {
		hash := res.OutputArchiveHash
		upd.OutputArchiveHash = &hash
	}

	stored, err := s.Repo.FinishTask(ctx, task, upd)
	if err != nil {
		return false, err
	}
	if err := s.Repo.UpsertDuration(ctx, task.Description, task.TaskID, int(res.Duration.Seconds())); err != nil {
		return stored, err
	}

	observability.TasksRunTotal.WithLabelValues(outcome(res.Status)).Inc()
	observability.TaskDuration.Observe(res.Duration.Seconds())
	return stored, nil
}

func abbrev(b []byte) string {
	if len(b) > abbrevLen {
		b = b[:abbrevLen]
	}
	return string(b)
}

func outcome(status int) string {
	switch status {
	case domain.StatusSuccess:
		return "success"
	case domain.StatusTimedOut:
		return "timeout"
	default:
		return "failure"
	}
}
