package slave

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fairyhunter13/disttest/internal/adapter/observability"
	"github.com/fairyhunter13/disttest/internal/domain"
	"github.com/fairyhunter13/disttest/internal/slave/retrycache"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

const (
	reserveRetrySleep = time.Second
	antiAffinitySleep = 5 * time.Second
)

// TaskRunner runs one task attempt to completion.
type TaskRunner interface {
	Run(ctx context.Context, task domain.Task, heartbeat func()) (RunResult, error)
}

// RetryPoster schedules the next attempt of a failed task with the
// master.
type RetryPoster interface {
	RetryTask(ctx context.Context, task domain.Task) error
}

// Slave is the worker loop: reserve, claim, run, report, repeat.
type Slave struct {
	Queue    domain.TaskQueue
	Results  usecase.ResultService
	Master   RetryPoster
	Runner   TaskRunner
	Cache    *retrycache.Cache
	Hostname string

	// sleepFn is swapped out by tests.
	sleepFn func(time.Duration)

	mu  sync.Mutex
	cur domain.Reservation
}

// New constructs a Slave with the default retry cache.
func New(q domain.TaskQueue, results usecase.ResultService, master RetryPoster, runner TaskRunner) *Slave {
	hostname, _ := os.Hostname()
	return &Slave{
		Queue:    q,
		Results:  results,
		Master:   master,
		Runner:   runner,
		Cache:    retrycache.NewDefault(),
		Hostname: hostname,
		sleepFn:  time.Sleep,
	}
}

// Run executes the worker loop until ctx is canceled.
func (s *Slave) Run(ctx context.Context) error {
	for {
		observability.SlaveBusy.Set(0)
		slog.Info("waiting for next task")
		res, err := s.Queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("failed to reserve task", "err", err)
			s.sleepFn(reserveRetrySleep)
			continue
		}
		task := res.Task()
		slog.Info("got task", "task", task.ID(), "description", task.Description)

		// Anti-affinity: hand our own retries to another slave.
		if s.Cache.Get(task.RetryID()) {
			slog.Info("releasing own retry", "task", task.ID())
			if err := res.Release(ctx); err != nil {
				slog.Warn("failed to release task", "task", task.ID(), "err", err)
			}
			s.sleepFn(antiAffinitySleep)
			continue
		}

		s.setCurrent(res)
		observability.SlaveBusy.Set(1)
		remove := s.runOne(ctx, res, task)
		s.settle(res, task, remove)
		s.setCurrent(nil)
	}
}

// settle closes out the queue entry on a fresh context: when a shutdown
// signal canceled the loop context mid-run, the broker call must still
// go through or the entry stays invisible until its reservation TTL
// lapses.
func (s *Slave) settle(res domain.Reservation, task domain.Task, remove bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if remove {
		if err := res.Delete(ctx); err != nil {
			slog.Warn("failed to delete queue entry", "task", task.ID(), "err", err)
		}
		return
	}
	if err := res.Release(ctx); err != nil {
		slog.Warn("failed to release queue entry", "task", task.ID(), "err", err)
	}
}

// runOne claims and executes a single reserved attempt. It reports
// whether the queue entry should be deleted; false hands the entry back
// so another slave can run it after a transient failure.
func (s *Slave) runOne(ctx context.Context, res domain.Reservation, task domain.Task) bool {
	claimed, err := s.Results.MarkRunning(ctx, task, s.Hostname)
	if err != nil {
		slog.Warn("failed to claim task", "task", task.ID(), "err", err)
		return false
	}
	if !claimed {
		slog.Info("task canceled before start", "task", task.ID())
		return true
	}

	heartbeat := func() {
		slog.Info("still running", "task", task.ID())
		if err := res.Touch(ctx); err != nil {
			slog.Warn("failed to touch reservation", "task", task.ID(), "err", err)
		}
	}
	run, err := s.Runner.Run(ctx, task, heartbeat)
	if err != nil {
		slog.Error("failed to run task", "task", task.ID(), "err", err)
		return false
	}

	status := run.ExitCode
	if run.TimedOut {
		status = domain.StatusTimedOut
	}

	outputHash := ParseOutputArchiveHash(run.Stdout)
	testDir := s.verifyLeakedDir(run.Stderr)
	archive, err := BuildArchive(testDir, task.ArtifactArchiveGlobs)
	if err != nil {
		slog.Warn("failed to build artifact archive", "task", task.ID(), "err", err)
	}

	result := domain.TaskResult{
		Status:            status,
		ArtifactZip:       archive,
		OutputArchiveHash: outputHash,
		Duration:          run.Duration,
	}
	// Successful runs keep their logs out of the blob store.
	if status != domain.StatusSuccess {
		result.Stdout = run.Stdout
		result.Stderr = run.Stderr
	}

	stored, err := s.Results.MarkFinished(ctx, task, result)
	if err != nil {
		slog.Error("failed to record result", "task", task.ID(), "err", err)
		return false
	}
	if !stored {
		slog.Info("result dropped, task already closed", "task", task.ID())
	}

	if testDir != "" {
		slog.Info("removing test directory", "dir", testDir)
		if err := os.RemoveAll(testDir); err != nil {
			slog.Warn("failed to remove test directory", "dir", testDir, "err", err)
		}
	}

	if status != domain.StatusSuccess && task.Attempt < task.MaxRetries {
		if err := s.Master.RetryTask(ctx, task); err != nil {
			slog.Warn("failed to schedule retry", "task", task.ID(), "err", err)
		} else {
			s.Cache.Put(task.RetryID())
		}
	}
	return true
}

// verifyLeakedDir resolves the leaked temp dir announced on stderr,
// discarding paths that do not actually exist.
func (s *Slave) verifyLeakedDir(stderr []byte) string {
	dir := ParseLeakedDir(stderr)
	if dir == "" {
		slog.Warn("no leaked test directory found")
		return ""
	}
	if _, err := os.Stat(dir); err != nil {
		slog.Warn("leaked test directory does not exist", "dir", dir)
		return ""
	}
	return dir
}

func (s *Slave) setCurrent(res domain.Reservation) {
	s.mu.Lock()
	s.cur = res
	s.mu.Unlock()
}

// Shutdown releases any in-flight reservation so another slave can pick
// the task up. Called from the SIGTERM handler.
func (s *Slave) Shutdown() {
	s.mu.Lock()
	res := s.cur
	s.mu.Unlock()
	if res == nil {
		return
	}
	slog.Warn("releasing in-flight task on shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := res.Release(ctx); err != nil {
		slog.Warn("failed to release task on shutdown", "err", err)
	}
}
