// Package storage defines the two persistence seams of a pipeline run and a
// kind-keyed registry of backends for each:
//
//   - Executor: the SQL execution sink the generated schema and inserts run against.
//   - Store: the session, checkpoint and event store that makes runs resumable.
//
// Backends register themselves from init() in their own packages; import
// lakeforge/internal/storage/all to link every backend.
package storage

import (
	"context"
	"errors"
	"time"

	"lakeforge/internal/events"
	"lakeforge/internal/model"
)

var (
	// ErrUnknownKind is returned when no backend is registered for a kind.
	ErrUnknownKind = errors.New("storage: unknown kind")

	// ErrNotFound is returned by Store lookups for a missing session or checkpoint.
	ErrNotFound = errors.New("storage: not found")

	// ErrSessionExists is returned by CreateSession for a duplicate id.
	ErrSessionExists = errors.New("storage: session already exists")

	// ErrConnection marks an executor failure that is not about the statement
	// itself (the target database went away). The execution stage treats it as fatal.
	ErrConnection = errors.New("storage: connection lost")
)

// Config selects a backend and its data source.
//
// Edge cases:
//   - Kind must be non-empty and registered.
//   - DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Executor runs SQL text against the target database.
//
// Exec receives either a whole batch (several statements separated by ";") or
// a single statement. A returned error describes why the text was rejected;
// errors wrapping ErrConnection mean the executor itself is unusable.
type Executor interface {
	Exec(ctx context.Context, sql string) error
	Ping(ctx context.Context) error
	Close() error
}

// SessionStatus is the externally visible lifecycle of a run.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
)

// Session is one triggered run.
type Session struct {
	ID        string        `json:"id"`
	FileKeys  []string      `json:"fileKeys"`
	Options   model.Options `json:"options"`
	Status    SessionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Store persists sessions, checkpoints and events.
//
// Concurrency:
//   - Implementations must be safe for concurrent use; independent sessions
//     share one Store.
//
// Errors:
//   - GetSession and LoadCheckpoint return ErrNotFound (possibly wrapped) for
//     unknown ids.
//   - CreateSession returns ErrSessionExists for a duplicate id.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errMsg string) error

	// SaveCheckpoint replaces the checkpoint for st.SessionID.
	SaveCheckpoint(ctx context.Context, st model.PipelineState) error
	LoadCheckpoint(ctx context.Context, sessionID string) (model.PipelineState, error)

	AppendEvent(ctx context.Context, ev events.Event) error
	// ListEvents returns the events with Seq > afterSeq in sequence order.
	ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]events.Event, error)
	// LastSeq returns the highest stored Seq for the session, or 0.
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// EventSink adapts a Store to events.Sink so emitted events are persisted.
type EventSink struct {
	Store Store
}

func (s EventSink) Publish(ctx context.Context, ev events.Event) error {
	return s.Store.AppendEvent(ctx, ev)
}
