// Package sqlite registers the "sqlite" executor and store, backed by the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"lakeforge/internal/storage"
)

func init() {
	storage.RegisterExecutor("sqlite", NewExecutor)
	storage.RegisterStore("sqlite", NewStore)
}

// open returns a single-connection handle with foreign keys enforced.
//
// SQLite enforces REFERENCES only with PRAGMA foreign_keys=ON, and the pragma
// is per connection, so the pool is pinned to one connection. That also
// serializes writers, which SQLite requires anyway.
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = "file:lakeforge.db"
	}
	db, err := storage.OpenSQL(ctx, "sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewExecutor runs generated SQL against a SQLite database. The driver accepts
// multi-statement batches.
func NewExecutor(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	db, err := open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &storage.SQLExecutor{DB: db}, nil
}
