// Package mssql registers the "mssql" executor for SQL Server targets.
package mssql

import (
	"context"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"lakeforge/internal/storage"
)

func init() {
	storage.RegisterExecutor("mssql", NewExecutor)
}

// NewExecutor opens a "sqlserver" database/sql handle. A generated batch is
// sent as one T-SQL batch; GO separators are not understood by the server and
// are removed first.
func NewExecutor(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	db, err := storage.OpenSQL(ctx, "sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	return &storage.SQLExecutor{DB: db, Rewrite: stripGo}, nil
}

// stripGo drops lines consisting only of the sqlcmd batch separator GO.
func stripGo(sql string) string {
	if !strings.Contains(strings.ToUpper(sql), "GO") {
		return sql
	}
	lines := strings.Split(sql, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.EqualFold(strings.TrimSpace(l), "GO") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
