// Package postgres implements the results store: attempt rows plus the
// rolling per-description duration estimates.
package postgres

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// PgxPool is the minimal subset of pgxpool used by the repo, kept as an
// interface for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// withRetry re-runs fn on connection-level failures, up to three
// attempts total. Query errors are permanent.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 2), ctx)
	err := backoff.Retry(func() error {
		v, err := fn()
		if err != nil {
			if pgconn.SafeToRetry(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}, bo)
	return out, err
}
