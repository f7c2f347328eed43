package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dist_test_tasks (
		job_id varchar(100) NOT NULL,
		task_id varchar(100) NOT NULL,
		attempt smallint NOT NULL DEFAULT 0,
		max_retries smallint NOT NULL DEFAULT 0,
		description varchar(100) NOT NULL,
		submit_timestamp timestamptz NOT NULL DEFAULT now(),
		start_timestamp timestamptz,
		hostname varchar(100),
		complete_timestamp timestamptz,
		output_archive_hash char(40),
		stdout_abbrev varchar(100) NOT NULL DEFAULT '',
		stderr_abbrev varchar(100) NOT NULL DEFAULT '',
		stdout_key varchar(256),
		stderr_key varchar(256),
		artifact_archive_key varchar(256),
		status int,
		PRIMARY KEY (job_id, task_id, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS dist_test_tasks_submit_idx
		ON dist_test_tasks (submit_timestamp)`,
	`CREATE TABLE IF NOT EXISTS dist_test_durations (
		description varchar(100) NOT NULL PRIMARY KEY,
		task_id varchar(100) NOT NULL,
		duration_secs int NOT NULL
	)`,
}

// EnsureSchema creates the two tables if they do not exist yet.
func (r *TaskRepo) EnsureSchema(ctx context.Context) error {
	for _, q := range schemaStatements {
		if _, err := withRetry(ctx, func() (struct{}, error) {
			_, err := r.Pool.Exec(ctx, q)
			return struct{}{}, err
		}); err != nil {
			return fmt.Errorf("op=tasks.ensure_schema: %w", err)
		}
	}
	return nil
}
