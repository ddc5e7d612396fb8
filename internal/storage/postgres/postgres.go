// Package postgres registers the "postgres" executor and store on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"lakeforge/internal/storage"
)

func init() {
	storage.RegisterExecutor("postgres", NewExecutor)
	storage.RegisterStore("postgres", NewStore)
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "create pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping postgres")
	}
	return pool, nil
}

// Executor runs generated SQL through a pgx pool. Exec without arguments uses
// the simple protocol, so a whole multi-statement batch goes in one round trip.
type Executor struct {
	pool *pgxpool.Pool
}

func NewExecutor(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	pool, err := newPool(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Executor{pool: pool}, nil
}

func (e *Executor) Exec(ctx context.Context, sql string) error {
	_, err := e.pool.Exec(ctx, sql)
	return classify(err)
}

func (e *Executor) Ping(ctx context.Context) error { return classify(e.pool.Ping(ctx)) }

func (e *Executor) Close() error {
	e.pool.Close()
	return nil
}

// classify keeps server-reported statement errors as they are and marks
// everything else (dial, TLS, closed connection) as storage.ErrConnection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", storage.ErrConnection, err)
}
