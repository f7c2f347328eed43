package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/disttest/internal/domain"
)

const taskColumns = `job_id, task_id, attempt, max_retries, description,
	submit_timestamp, start_timestamp, hostname, complete_timestamp,
	output_archive_hash, stdout_abbrev, stderr_abbrev,
	stdout_key, stderr_key, artifact_archive_key, status`

// TaskRepo persists attempt rows and duration estimates.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// RegisterTasks inserts all attempt rows of a job in a single
// statement, so registration is atomic. A duplicate attempt key maps
// to domain.ErrConflict.
func (r *TaskRepo) RegisterTasks(ctx domain.Context, tasks []domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RegisterTasks")
	defer span.End()

	if len(tasks) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO dist_test_tasks (job_id, task_id, attempt, max_retries, description) VALUES ")
	args := make([]any, 0, len(tasks)*5)
	for i, t := range tasks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, t.JobID, t.TaskID, t.Attempt, t.MaxRetries, t.Description)
	}
	_, err := withRetry(ctx, func() (pgconn.CommandTag, error) {
		return r.Pool.Exec(ctx, sb.String(), args...)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=tasks.register: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=tasks.register: %w", err)
	}
	return nil
}

// MarkRunning claims the attempt for this slave. The status-IS-NULL
// guard makes cancel win the race: a canceled row is never claimed.
func (r *TaskRepo) MarkRunning(ctx domain.Context, task domain.Task, hostname string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkRunning")
	defer span.End()

	q := `UPDATE dist_test_tasks SET start_timestamp = now(), hostname = $4
		WHERE job_id = $1 AND task_id = $2 AND attempt = $3 AND status IS NULL`
	tag, err := withRetry(ctx, func() (pgconn.CommandTag, error) {
		return r.Pool.Exec(ctx, q, task.JobID, task.TaskID, task.Attempt, hostname)
	})
	if err != nil {
		return false, fmt.Errorf("op=tasks.mark_running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelJob closes every not-yet-finished row of the job.
func (r *TaskRepo) CancelJob(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CancelJob")
	defer span.End()

	q := `UPDATE dist_test_tasks SET status = $2, stderr_abbrev = '[canceled]', complete_timestamp = now()
		WHERE job_id = $1 AND status IS NULL`
	_, err := withRetry(ctx, func() (pgconn.CommandTag, error) {
		return r.Pool.Exec(ctx, q, jobID, domain.StatusCanceled)
	})
	if err != nil {
		return fmt.Errorf("op=tasks.cancel_job: %w", err)
	}
	return nil
}

// FinishTask closes the attempt row. The status-IS-NULL guard drops
// results that race with a cancel: false means the row was already
// closed and the caller must discard the result.
func (r *TaskRepo) FinishTask(ctx domain.Context, task domain.Task, upd domain.FinishUpdate) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FinishTask")
	defer span.End()

	q := `UPDATE dist_test_tasks SET
			status = $4,
			stdout_key = $5, stdout_abbrev = $6,
			stderr_key = $7, stderr_abbrev = $8,
			artifact_archive_key = $9,
			output_archive_hash = $10,
			complete_timestamp = now()
		WHERE job_id = $1 AND task_id = $2 AND attempt = $3 AND status IS NULL`
	tag, err := withRetry(ctx, func() (pgconn.CommandTag, error) {
		return r.Pool.Exec(ctx, q, task.JobID, task.TaskID, task.Attempt,
			upd.Status, upd.StdoutKey, upd.StdoutAbbrev, upd.StderrKey, upd.StderrAbbrev,
			upd.ArtifactArchiveKey, upd.OutputArchiveHash)
	})
	if err != nil {
		return false, fmt.Errorf("op=tasks.finish: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertDuration folds an observed duration into the per-description
// EWMA: new = 0.7*old + 0.3*observed.
func (r *TaskRepo) UpsertDuration(ctx domain.Context, description, taskID string, durationSecs int) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpsertDuration")
	defer span.End()

	q := `INSERT INTO dist_test_durations (description, task_id, duration_secs)
		VALUES ($1, $2, $3)
		ON CONFLICT (description) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			duration_secs = round(dist_test_durations.duration_secs * 0.7 + EXCLUDED.duration_secs * 0.3)`
	_, err := withRetry(ctx, func() (pgconn.CommandTag, error) {
		return r.Pool.Exec(ctx, q, description, taskID, durationSecs)
	})
	if err != nil {
		return fmt.Errorf("op=tasks.upsert_duration: %w", err)
	}
	return nil
}

// FetchTaskRows loads every attempt row of a job.
func (r *TaskRepo) FetchTaskRows(ctx domain.Context, jobID string) ([]domain.TaskRecord, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FetchTaskRows")
	defer span.End()

	q := `SELECT ` + taskColumns + ` FROM dist_test_tasks
		WHERE job_id = $1 ORDER BY task_id, submit_timestamp`
	return withRetry(ctx, func() ([]domain.TaskRecord, error) {
		rows, err := r.Pool.Query(ctx, q, jobID)
		if err != nil {
			return nil, fmt.Errorf("op=tasks.fetch_rows: %w", err)
		}
		defer rows.Close()
		return scanTaskRecords(rows)
	})
}

// FetchTask loads a single attempt row.
func (r *TaskRepo) FetchTask(ctx domain.Context, jobID, taskID string, attempt int) (domain.TaskRecord, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FetchTask")
	defer span.End()

	q := `SELECT ` + taskColumns + ` FROM dist_test_tasks
		WHERE job_id = $1 AND task_id = $2 AND attempt = $3`
	return withRetry(ctx, func() (domain.TaskRecord, error) {
		row := r.Pool.QueryRow(ctx, q, jobID, taskID, attempt)
		rec, err := scanTaskRecord(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.TaskRecord{}, fmt.Errorf("op=tasks.fetch: %w", domain.ErrNotFound)
			}
			return domain.TaskRecord{}, fmt.Errorf("op=tasks.fetch: %w", err)
		}
		return rec, nil
	})
}

// FetchRecentJobs lists jobs submitted within the last day, newest
// first.
func (r *TaskRepo) FetchRecentJobs(ctx domain.Context) ([]domain.JobRow, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FetchRecentJobs")
	defer span.End()

	q := `SELECT job_id, min(submit_timestamp) AS submit_timestamp, count(*) AS num_tasks
		FROM dist_test_tasks
		WHERE job_id IN (
			SELECT DISTINCT job_id FROM dist_test_tasks
			WHERE submit_timestamp > now() - interval '1 day')
		GROUP BY job_id
		ORDER BY submit_timestamp DESC`
	return withRetry(ctx, func() ([]domain.JobRow, error) {
		rows, err := r.Pool.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("op=tasks.fetch_recent_jobs: %w", err)
		}
		defer rows.Close()
		var out []domain.JobRow
		for rows.Next() {
			var j domain.JobRow
			if err := rows.Scan(&j.JobID, &j.SubmitTime, &j.NumTasks); err != nil {
				return nil, fmt.Errorf("op=tasks.fetch_recent_jobs: %w", err)
			}
			out = append(out, j)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("op=tasks.fetch_recent_jobs: %w", err)
		}
		return out, nil
	})
}

// FetchDurations returns the last-known EWMA duration for each of the
// given descriptions. Descriptions without history are absent from the
// result.
func (r *TaskRepo) FetchDurations(ctx domain.Context, descriptions []string) (map[string]int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FetchDurations")
	defer span.End()

	if len(descriptions) == 0 {
		return map[string]int{}, nil
	}
	q := `SELECT description, duration_secs FROM dist_test_durations WHERE description = ANY($1)`
	return withRetry(ctx, func() (map[string]int, error) {
		rows, err := r.Pool.Query(ctx, q, descriptions)
		if err != nil {
			return nil, fmt.Errorf("op=tasks.fetch_durations: %w", err)
		}
		defer rows.Close()
		out := make(map[string]int)
		for rows.Next() {
			var desc string
			var secs int
			if err := rows.Scan(&desc, &secs); err != nil {
				return nil, fmt.Errorf("op=tasks.fetch_durations: %w", err)
			}
			out[desc] = secs
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("op=tasks.fetch_durations: %w", err)
		}
		return out, nil
	})
}

func scanTaskRecords(rows pgx.Rows) ([]domain.TaskRecord, error) {
	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("op=tasks.scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tasks.scan: %w", err)
	}
	return out, nil
}

func scanTaskRecord(row pgx.Row) (domain.TaskRecord, error) {
	var rec domain.TaskRecord
	err := row.Scan(&rec.JobID, &rec.TaskID, &rec.Attempt, &rec.MaxRetries, &rec.Description,
		&rec.SubmitTime, &rec.StartTime, &rec.Hostname, &rec.CompleteTime,
		&rec.OutputArchiveHash, &rec.StdoutAbbrev, &rec.StderrAbbrev,
		&rec.StdoutKey, &rec.StderrKey, &rec.ArtifactArchiveKey, &rec.Status)
	return rec, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
