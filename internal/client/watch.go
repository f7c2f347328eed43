package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/fairyhunter13/disttest/internal/usecase"
)

// FailedExitCode is returned by Watch when the job finished with at
// least one failed group. CI systems key off it.
const FailedExitCode = 88

const watchInterval = 500 * time.Millisecond

// Watch polls the job until every task has finished, printing a
// progress line to out. Interactive mode rewrites the line in place
// and colors it; non-interactive mode appends a line whenever the
// finished count changes, which reads well in CI logs.
func (c *Client) Watch(ctx context.Context, jobID string, out io.Writer, interactive bool) (int, error) {
	start := time.Now()
	first := true
	var prev *usecase.JobSummary
	for {
		sum, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return 0, err
		}
		code, done := returnCode(sum)
		printStatus(out, time.Since(start), prev, sum, interactive, first, code, done)
		first = false
		prev = &sum
		if done {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(watchInterval):
		}
	}
}

// returnCode maps a finished summary to the process exit code. The job
// is done only once the server reports every group finished: right
// after a flaky attempt fails, all rows can be finished while its
// retry row is still in flight, and counting tasks would exit early.
func returnCode(sum usecase.JobSummary) (code int, done bool) {
	if sum.Status != usecase.JobStatusFinished {
		return 0, false
	}
	if sum.FailedGroups > 0 {
		return FailedExitCode, true
	}
	return 0, true
}

func printStatus(w io.Writer, elapsed time.Duration, prev *usecase.JobSummary, cur usecase.JobSummary,
	interactive, first bool, code int, done bool) {
	if !interactive && prev != nil && prev.FinishedTasks == cur.FinishedTasks {
		return
	}
	if interactive && !first {
		// Move up one line and clear it.
		fmt.Fprint(w, "\x1b[F\x1b[2K")
	}

	line := fmt.Sprintf(" %.1fs\t %d/%d tests complete",
		elapsed.Seconds(), cur.FinishedGroups, cur.TotalGroups)
	if interactive && done {
		if code == 0 {
			line = color.GreenString("%s", line)
		} else {
			line = color.RedString("%s", line)
		}
	}
	fmt.Fprint(w, line)

	if cur.FailedGroups > 0 {
		p := fmt.Sprintf(" (%d failed)", cur.FailedGroups)
		if interactive {
			p = color.RedString("%s", p)
		}
		fmt.Fprint(w, p)
	}
	if cur.RetriedTasks > 0 {
		p := fmt.Sprintf(" (%d retries)", cur.RetriedTasks)
		if interactive {
			p = color.YellowString("%s", p)
		}
		fmt.Fprint(w, p)
	}
	fmt.Fprintln(w)
}
