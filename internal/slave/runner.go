package slave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/disttest/internal/domain"
)

const (
	superviseTick     = 2 * time.Second
	heartbeatInterval = 10 * time.Second
	killGrace         = 5 * time.Second
)

// RunResult is the raw outcome of one runner invocation.
type RunResult struct {
	ExitCode int
	TimedOut bool
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// RunnerConfig locates the isolate runner and its working directories.
type RunnerConfig struct {
	IsolateHome   string
	IsolateServer string
	CacheDir      string
}

// Runner executes tasks as isolate runner subprocesses, enforcing the
// task timeout with terminate-then-kill escalation.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunnerConfig) *Runner { return &Runner{cfg: cfg} }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(s)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

// Run starts the runner subprocess for task and supervises it until it
// exits. heartbeat is invoked every ~10s so the caller can keep its
// queue reservation alive. A task whose timeout lapses is terminated,
// then killed 5s later; the annotation on stderr tells the UI apart
// from an ordinary failure.
func (r *Runner) Run(ctx context.Context, task domain.Task, heartbeat func()) (RunResult, error) {
	cmd := exec.Command(
		filepath.Join(r.cfg.IsolateHome, "run_isolated.py"),
		"--isolate-server="+r.cfg.IsolateServer,
		"--cache="+r.cfg.CacheDir,
		"--verbose",
		"--leak-temp",
		"--hash", task.IsolateHash,
	)
	// Bot mode keeps the runner from attempting interactive auth.
	cmd.Env = append(os.Environ(), "SWARMING_HEADLESS=1")

	var stdout, stderr lockedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("op=slave.run task=%s: %w", task.ID(), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.Duration(task.TimeoutSecs) * time.Second
	var termAt, killAt time.Time
	if timeout > 0 {
		termAt = start.Add(timeout)
		killAt = termAt.Add(killGrace)
	}
	lastTouch := start
	terminated := false
	killed := false
	timedOut := false

	ticker := time.NewTicker(superviseTick)
	defer ticker.Stop()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			waitErr = <-done
			break loop
		case <-ticker.C:
			now := time.Now()
			if !terminated && timeout > 0 && now.After(termAt) {
				stderr.WriteString(fmt.Sprintf("\n------\nKilling task after %d seconds", task.TimeoutSecs))
				_ = cmd.Process.Signal(syscall.SIGTERM)
				terminated = true
				timedOut = true
			}
			if !killed && timeout > 0 && terminated && now.After(killAt) {
				_ = cmd.Process.Kill()
				killed = true
			}
			if now.Sub(lastTouch) > heartbeatInterval {
				heartbeat()
				lastTouch = now
			}
		}
	}

	res := RunResult{
		TimedOut: timedOut,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("op=slave.run task=%s: %w", task.ID(), waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Killed by signal; surface the signal number the way the
			// status column has always recorded it.
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				res.ExitCode = -int(ws.Signal())
			}
		}
	}
	return res, nil
}
