// Package mysql registers the "mysql" executor.
package mysql

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/rotisserie/eris"

	"lakeforge/internal/storage"
)

func init() {
	storage.RegisterExecutor("mysql", NewExecutor)
}

// NewExecutor opens a MySQL handle. Generated schemas arrive as one batch, so
// the DSN is rewritten with multiStatements enabled.
func NewExecutor(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	dsn, err := batchDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenSQL(ctx, "mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &storage.SQLExecutor{DB: db, IsConnErr: isConnErr}, nil
}

func batchDSN(dsn string) (string, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", eris.Wrap(err, "parse mysql dsn")
	}
	c.MultiStatements = true
	c.ParseTime = true
	return c.FormatDSN(), nil
}

func isConnErr(err error) bool {
	return errors.Is(err, mysql.ErrInvalidConn)
}
