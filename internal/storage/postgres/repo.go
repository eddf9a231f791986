// Package postgres registers the "postgres" storage backend on a pgx pool.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"paineis/internal/storage"
	"paineis/internal/storage/sqlstore"
)

func init() {
	storage.Register("postgres", New)
}

// New creates a pgx pool for cfg.DSN and checks it with Ping.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sqlstore.New(&poolDB{querier: querier{pool}, pool: pool}, sqlstore.Postgres), nil
}

// pgxRunner is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type pgxRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querier struct{ r pgxRunner }

func (q querier) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := q.r.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q querier) Query(ctx context.Context, sql string, args ...any) (sqlstore.Rows, error) {
	rows, err := q.r.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (q querier) QueryRow(ctx context.Context, sql string, args ...any) sqlstore.Row {
	return row{q.r.QueryRow(ctx, sql, args...)}
}

// row maps pgx.ErrNoRows to storage.ErrNotFound.
type row struct{ pgx.Row }

func (r row) Scan(dest ...any) error {
	err := r.Row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

type poolDB struct {
	querier
	pool *pgxpool.Pool
}

func (p *poolDB) Begin(ctx context.Context) (sqlstore.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &poolTx{querier: querier{tx}, tx: tx}, nil
}

func (p *poolDB) Close() { p.pool.Close() }

type poolTx struct {
	querier
	tx pgx.Tx
}

func (t *poolTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *poolTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

var (
	_ sqlstore.DB = (*poolDB)(nil)
	_ sqlstore.Tx = (*poolTx)(nil)
)
