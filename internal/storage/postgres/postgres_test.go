package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"lakeforge/internal/storage"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	pgErr := &pgconn.PgError{Code: "42601", Message: "syntax error at or near \"CRATE\""}
	tests := []struct {
		name     string
		err      error
		wantConn bool
	}{
		{name: "nil", err: nil},
		{name: "statement_error", err: pgErr},
		{name: "wrapped_statement_error", err: fmt.Errorf("exec: %w", pgErr)},
		{name: "cancelled", err: context.Canceled},
		{name: "dial_failure", err: errors.New("failed to connect to `host=db`: dial error"), wantConn: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("classify(nil)=%v", got)
				}
				return
			}
			if isConn := errors.Is(got, storage.ErrConnection); isConn != tt.wantConn {
				t.Fatalf("classify(%v) connection=%v, want %v", tt.err, isConn, tt.wantConn)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	if _, err := storage.NewExecutor(context.Background(), storage.Config{Kind: "nope"}); !errors.Is(err, storage.ErrUnknownKind) {
		t.Fatalf("unknown kind err=%v", err)
	}
	found := false
	for _, k := range storage.ExecutorKinds() {
		if k == "postgres" {
			found = true
		}
	}
	if !found {
		t.Fatalf("postgres executor not registered: %v", storage.ExecutorKinds())
	}
}
