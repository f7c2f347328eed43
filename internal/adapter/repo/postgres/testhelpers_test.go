package postgres_test

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool is a hand-rolled PgxPool capturing queries and arguments.
type fakePool struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryFn    func(sql string, args []any) (pgx.Rows, error)
	queryRowFn func(sql string, args []any) pgx.Row

	lastSQL  string
	lastArgs []any
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	if f.execFn != nil {
		return f.execFn(sql, args)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	if f.queryFn != nil {
		return f.queryFn(sql, args)
	}
	return &fakeRows{}, nil
}

func (f *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args)
	}
	return &fakeRow{err: pgx.ErrNoRows}
}

// fakeRows serves canned scan callbacks, one per row.
type fakeRows struct {
	scans []func(dest []any)
	idx   int
	err   error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return r.idx < len(r.scans) }
func (r *fakeRows) Scan(dest ...any) error {
	r.scans[r.idx](dest)
	r.idx++
	return nil
}
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeRow struct {
	scan func(dest []any)
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan != nil {
		r.scan(dest)
	}
	return nil
}
