// Package events carries pipeline progress notifications from the stages to
// any number of sinks (log, store, live subscribers, console).
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lakeforge/internal/metrics"
)

type Type string

const (
	ParsingStarted       Type = "parsing_started"
	FileParsed           Type = "file_parsed"
	InferringStarted     Type = "inferring_started"
	EntitiesInferred     Type = "entities_inferred"
	GeneratingSchema     Type = "generating_schema"
	TableCreated         Type = "table_created"
	ValidatingSchema     Type = "validating_schema"
	ValidationComplete   Type = "validation_complete"
	DriftDetected        Type = "drift_detected"
	SchemaCorrected      Type = "schema_corrected"
	CorrectionStalled    Type = "correction_stalled"
	DataInsertionStarted Type = "data_insertion_started"
	ExecutingSQL         Type = "executing_sql"
	SchemaApplied        Type = "schema_applied"
	SQLError             Type = "sql_error"
	DataInserted         Type = "data_inserted"
	BuildSucceeded       Type = "build_succeeded"
	BuildFailed          Type = "build_failed"
	SessionResumed       Type = "session_resumed"
)

// Event is one notification. Seq increases by one per event within a session,
// across resumes, so consumers can drop duplicates.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout publishes to every sink in order and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter stamps and publishes the events of one session.
type Emitter struct {
	sessionID string
	sink      Sink

	mu  sync.Mutex
	seq int64

	now   func() time.Time
	newID func() string
}

// NewEmitter returns an emitter whose first event gets sequence lastSeq+1.
func NewEmitter(sessionID string, lastSeq int64, sink Sink) *Emitter {
	return &Emitter{
		sessionID: sessionID,
		sink:      sink,
		seq:       lastSeq,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Emit publishes one event and returns it. Sink failures are logged, never
// returned: notifications must not fail a run.
func (e *Emitter) Emit(ctx context.Context, typ Type, message string, payload map[string]any) Event {
	// Held while publishing so sinks observe events in sequence order.
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev := Event{
		ID:        e.newID(),
		SessionID: e.sessionID,
		Seq:       e.seq,
		Timestamp: e.now(),
		Type:      typ,
		Message:   message,
		Payload:   payload,
	}
	metrics.RecordEvent(string(typ))
	if e.sink != nil {
		if err := e.sink.Publish(ctx, ev); err != nil {
			zap.L().Warn("event publish failed",
				zap.String("session_id", e.sessionID),
				zap.String("type", string(typ)),
				zap.Int64("seq", ev.Seq),
				zap.Error(err),
			)
		}
	}
	return ev
}

// Seq is the sequence number of the last emitted event.
func (e *Emitter) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

func (e *Emitter) SessionID() string { return e.sessionID }

// LogSink writes every event to the zap logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) error {
	l := s.Logger
	if l == nil {
		l = zap.L()
	}
	fields := []zap.Field{
		zap.String("session_id", ev.SessionID),
		zap.Int64("seq", ev.Seq),
		zap.String("type", string(ev.Type)),
	}
	if len(ev.Payload) > 0 {
		fields = append(fields, zap.Any("payload", ev.Payload))
	}
	switch ev.Type {
	case BuildFailed:
		l.Error(ev.Message, fields...)
	case SQLError, DriftDetected, CorrectionStalled:
		l.Warn(ev.Message, fields...)
	default:
		l.Info(ev.Message, fields...)
	}
	return nil
}
