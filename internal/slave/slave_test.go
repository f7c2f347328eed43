package slave

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/disttest/internal/domain"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

type fakeReservation struct {
	task domain.Task
	// strictCtx makes the fake reject canceled contexts the way the
	// real broker client does.
	strictCtx bool

	mu       sync.Mutex
	touched  int
	deleted  int
	released int
}

func (r *fakeReservation) Task() domain.Task { return r.task }

func (r *fakeReservation) Touch(ctx domain.Context) error {
	if r.strictCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched++
	return nil
}

func (r *fakeReservation) Delete(ctx domain.Context) error {
	if r.strictCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted++
	return nil
}

func (r *fakeReservation) Release(ctx domain.Context) error {
	if r.strictCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	return nil
}

func (r *fakeReservation) counts() (deleted, released int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted, r.released
}

type fakeQueue struct{ ch chan *fakeReservation }

func (q *fakeQueue) Submit(domain.Context, domain.Task, uint32) error { return nil }

func (q *fakeQueue) Reserve(ctx domain.Context) (domain.Reservation, error) {
	select {
	case res := <-q.ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeQueue) Stats(domain.Context) (domain.QueueStats, error) {
	return domain.QueueStats{}, nil
}

type slaveRepo struct {
	mu        sync.Mutex
	claimOK   bool
	strictCtx bool
	finished  []domain.FinishUpdate
	hosts     []string
}

func (r *slaveRepo) RegisterTasks(domain.Context, []domain.Task) error { return nil }

func (r *slaveRepo) MarkRunning(ctx domain.Context, _ domain.Task, hostname string) (bool, error) {
	if r.strictCtx && ctx.Err() != nil {
		return false, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, hostname)
	return r.claimOK, nil
}

func (r *slaveRepo) CancelJob(domain.Context, string) error { return nil }

func (r *slaveRepo) FinishTask(ctx domain.Context, _ domain.Task, upd domain.FinishUpdate) (bool, error) {
	if r.strictCtx && ctx.Err() != nil {
		return false, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, upd)
	return true, nil
}

func (r *slaveRepo) UpsertDuration(domain.Context, string, string, int) error { return nil }
func (r *slaveRepo) FetchTaskRows(domain.Context, string) ([]domain.TaskRecord, error) {
	return nil, nil
}
func (r *slaveRepo) FetchTask(domain.Context, string, string, int) (domain.TaskRecord, error) {
	return domain.TaskRecord{}, domain.ErrNotFound
}
func (r *slaveRepo) FetchRecentJobs(domain.Context) ([]domain.JobRow, error) { return nil, nil }
func (r *slaveRepo) FetchDurations(domain.Context, []string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (r *slaveRepo) finishedUpdates() []domain.FinishUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FinishUpdate(nil), r.finished...)
}

type slaveBlob struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (b *slaveBlob) Put(_ domain.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.puts == nil {
		b.puts = map[string][]byte{}
	}
	b.puts[key] = data
	return nil
}

func (b *slaveBlob) Link(domain.Context, string, time.Duration) (string, error) { return "", nil }

type fakeRunner struct {
	mu     sync.Mutex
	result RunResult
	calls  int
}

func (r *fakeRunner) Run(_ context.Context, _ domain.Task, heartbeat func()) (RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	heartbeat()
	return r.result, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePoster struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (p *fakePoster) RetryTask(_ context.Context, task domain.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *fakePoster) posted() []domain.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Task(nil), p.tasks...)
}

func newTestSlave(repo *slaveRepo, runner TaskRunner, poster RetryPoster, blob *slaveBlob) (*Slave, *fakeQueue) {
	queue := &fakeQueue{ch: make(chan *fakeReservation, 4)}
	s := New(queue, usecase.NewResultService(repo, blob), poster, runner)
	s.Hostname = "slave-1"
	s.sleepFn = func(time.Duration) {}
	return s, queue
}

func runLoop(t *testing.T, s *Slave) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	return cancel, done
}

func waitDone(t *testing.T, cancel context.CancelFunc, done chan struct{}) {
	t.Helper()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("slave loop did not stop")
	}
}

func TestSlave_SuccessPath(t *testing.T) {
	testDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(testDir, "report.xml"), []byte("<xml>"), 0o644))

	hash := strings.Repeat("b", 40)
	runner := &fakeRunner{result: RunResult{
		ExitCode: 0,
		Stdout:   []byte("[run_isolated_out_hack]{\"hash\":\"" + hash + "\"}[/run_isolated_out_hack]"),
		Stderr:   []byte("WARNING 1 run_isolated(197): Deliberately leaking " + testDir + " for later examination"),
		Duration: 3 * time.Second,
	}}
	repo := &slaveRepo{claimOK: true}
	blob := &slaveBlob{}
	poster := &fakePoster{}
	s, queue := newTestSlave(repo, runner, poster, blob)

	res := &fakeReservation{task: domain.Task{
		JobID: "j", TaskID: "h.0", IsolateHash: strings.Repeat("a", 40),
		Description: "t1", ArtifactArchiveGlobs: []string{"*.xml"},
	}}
	queue.ch <- res

	cancel, done := runLoop(t, s)
	require.Eventually(t, func() bool {
		deleted, _ := res.counts()
		return deleted == 1
	}, 5*time.Second, 10*time.Millisecond)
	waitDone(t, cancel, done)

	updates := repo.finishedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StatusSuccess, updates[0].Status)
	require.NotNil(t, updates[0].OutputArchiveHash)
	assert.Equal(t, hash, *updates[0].OutputArchiveHash)
	assert.Nil(t, updates[0].StdoutKey)

	// The artifact archive made it to the blob store; the logs did not.
	assert.Contains(t, blob.puts, "j.h.0.0-artifacts.zip")
	assert.NotContains(t, blob.puts, "j.h.0.0.stdout")

	assert.Empty(t, poster.posted())
	assert.Equal(t, []string{"slave-1"}, repo.hosts)
	assert.NoDirExists(t, testDir)
}

func TestSlave_FailureSchedulesRetry(t *testing.T) {
	runner := &fakeRunner{result: RunResult{
		ExitCode: 1,
		Stdout:   []byte("boom out"),
		Stderr:   []byte("boom err"),
		Duration: time.Second,
	}}
	repo := &slaveRepo{claimOK: true}
	blob := &slaveBlob{}
	poster := &fakePoster{}
	s, queue := newTestSlave(repo, runner, poster, blob)

	task := domain.Task{JobID: "j", TaskID: "h.0", Description: "t1", MaxRetries: 2}
	res := &fakeReservation{task: task}
	queue.ch <- res

	cancel, done := runLoop(t, s)
	require.Eventually(t, func() bool {
		deleted, _ := res.counts()
		return deleted == 1
	}, 5*time.Second, 10*time.Millisecond)
	waitDone(t, cancel, done)

	posted := poster.posted()
	require.Len(t, posted, 1)
	assert.Equal(t, 0, posted[0].Attempt)
	assert.True(t, s.Cache.Get(task.RetryID()))

	updates := repo.finishedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0].Status)
	assert.Contains(t, blob.puts, "j.h.0.0.stdout")
	assert.Contains(t, blob.puts, "j.h.0.0.stderr")
}

func TestSlave_AntiAffinityRelease(t *testing.T) {
	runner := &fakeRunner{result: RunResult{ExitCode: 0}}
	repo := &slaveRepo{claimOK: true}
	poster := &fakePoster{}
	s, queue := newTestSlave(repo, runner, poster, &slaveBlob{})

	task := domain.Task{JobID: "j", TaskID: "h.0", Attempt: 1, MaxRetries: 2}
	s.Cache.Put(task.RetryID())
	res := &fakeReservation{task: task}
	queue.ch <- res

	cancel, done := runLoop(t, s)
	require.Eventually(t, func() bool {
		_, released := res.counts()
		return released == 1
	}, 5*time.Second, 10*time.Millisecond)
	waitDone(t, cancel, done)

	assert.Equal(t, 0, runner.callCount())
	deleted, _ := res.counts()
	assert.Equal(t, 0, deleted)
}

func TestSlave_CanceledBeforeStart(t *testing.T) {
	runner := &fakeRunner{result: RunResult{ExitCode: 0}}
	repo := &slaveRepo{claimOK: false}
	s, queue := newTestSlave(repo, runner, &fakePoster{}, &slaveBlob{})

	res := &fakeReservation{task: domain.Task{JobID: "j", TaskID: "h.0"}}
	queue.ch <- res

	cancel, done := runLoop(t, s)
	require.Eventually(t, func() bool {
		deleted, _ := res.counts()
		return deleted == 1
	}, 5*time.Second, 10*time.Millisecond)
	waitDone(t, cancel, done)

	assert.Equal(t, 0, runner.callCount())
	assert.Empty(t, repo.finishedUpdates())
}

func TestSlave_TimeoutStatus(t *testing.T) {
	runner := &fakeRunner{result: RunResult{
		ExitCode: -15,
		TimedOut: true,
		Stderr:   []byte("...\n------\nKilling task after 1 seconds"),
		Duration: 6 * time.Second,
	}}
	repo := &slaveRepo{claimOK: true}
	s, queue := newTestSlave(repo, runner, &fakePoster{}, &slaveBlob{})

	res := &fakeReservation{task: domain.Task{JobID: "j", TaskID: "h.0", TimeoutSecs: 1}}
	queue.ch <- res

	cancel, done := runLoop(t, s)
	require.Eventually(t, func() bool {
		deleted, _ := res.counts()
		return deleted == 1
	}, 5*time.Second, 10*time.Millisecond)
	waitDone(t, cancel, done)

	updates := repo.finishedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StatusTimedOut, updates[0].Status)
	assert.Contains(t, updates[0].StderrAbbrev, "Killing task after 1 seconds")
}

// blockingRunner holds the task until the loop context is canceled,
// standing in for a long test run interrupted by a shutdown signal.
type blockingRunner struct{ started chan struct{} }

func (r *blockingRunner) Run(ctx context.Context, _ domain.Task, _ func()) (RunResult, error) {
	close(r.started)
	<-ctx.Done()
	return RunResult{ExitCode: 0}, nil
}

func TestSlave_SignalMidRunReleasesReservation(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{})}
	repo := &slaveRepo{claimOK: true, strictCtx: true}
	queue := &fakeQueue{ch: make(chan *fakeReservation, 1)}
	s := New(queue, usecase.NewResultService(repo, &slaveBlob{}), &fakePoster{}, runner)
	s.Hostname = "slave-1"
	s.sleepFn = func(time.Duration) {}

	res := &fakeReservation{
		task:      domain.Task{JobID: "j", TaskID: "h.0", Description: "t1"},
		strictCtx: true,
	}
	queue.ch <- res

	cancel, done := runLoop(t, s)
	<-runner.started
	waitDone(t, cancel, done)
	s.Shutdown()

	// Recording the result fails on the dead context, so the entry
	// must be handed back for another slave rather than left to the
	// broker TTL.
	deleted, released := res.counts()
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 1, released)
	assert.Empty(t, repo.finishedUpdates())
}

func TestSlave_ShutdownReleasesCurrent(t *testing.T) {
	s, _ := newTestSlave(&slaveRepo{claimOK: true}, &fakeRunner{}, &fakePoster{}, &slaveBlob{})

	res := &fakeReservation{task: domain.Task{JobID: "j", TaskID: "h.0"}}
	s.setCurrent(res)
	s.Shutdown()

	_, released := res.counts()
	assert.Equal(t, 1, released)

	// No in-flight task is a no-op.
	s.setCurrent(nil)
	s.Shutdown()
}
