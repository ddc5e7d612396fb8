package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/rotisserie/eris"
)

// SQLExecutor is an Executor over database/sql, shared by the backends whose
// drivers plug into database/sql (sqlite, mysql, mssql, oracle).
type SQLExecutor struct {
	DB *sql.DB

	// Rewrite adapts SQL text before execution (e.g. Oracle rejects a
	// trailing ";"). Optional.
	Rewrite func(string) string

	// IsConnErr reports driver-specific connection failures in addition to
	// the database/sql ones. Optional.
	IsConnErr func(error) bool
}

func (e *SQLExecutor) Exec(ctx context.Context, q string) error {
	if e.Rewrite != nil {
		q = e.Rewrite(q)
	}
	_, err := e.DB.ExecContext(ctx, q)
	return e.classify(err)
}

func (e *SQLExecutor) Ping(ctx context.Context) error {
	return e.classify(e.DB.PingContext(ctx))
}

func (e *SQLExecutor) Close() error { return e.DB.Close() }

func (e *SQLExecutor) classify(err error) error {
	if err == nil {
		return nil
	}
	if IsConnectionError(err) || (e.IsConnErr != nil && e.IsConnErr(err)) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}

// IsConnectionError reports failures of the connection rather than of the
// statement: broken or closed database/sql connections and network errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// OpenSQL opens a database/sql handle and verifies it with a ping.
func OpenSQL(ctx context.Context, driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", driverName)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrapf(err, "ping %s", driverName)
	}
	return db, nil
}
