package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"lakeforge/internal/events"
	"lakeforge/internal/model"
	"lakeforge/internal/storage"
)

// Timestamps are stored as RFC3339Nano text for reliable round trips.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS lf_sessions (
	id         TEXT PRIMARY KEY,
	file_keys  TEXT NOT NULL,
	options    TEXT NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lf_checkpoints (
	session_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lf_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	ts         TEXT NOT NULL,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	payload    TEXT NOT NULL,
	UNIQUE (session_id, seq)
);
`

// Store implements storage.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the database at cfg.DSN and creates the tables if needed.
func NewStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "create store tables")
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	keys, err := json.Marshal(sess.FileKeys)
	if err != nil {
		return eris.Wrap(err, "marshal file keys")
	}
	opts, err := json.Marshal(sess.Options)
	if err != nil {
		return eris.Wrap(err, "marshal options")
	}
	if sess.Status == "" {
		sess.Status = storage.SessionPending
	}
	now := s.now()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lf_sessions (id, file_keys, options, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, string(keys), string(opts), string(sess.Status), sess.Error,
		created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return eris.Wrapf(err, "insert session %s", sess.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrSessionExists)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	var (
		sess             storage.Session
		keys, opts       string
		status           string
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_keys, options, status, error, created_at, updated_at
		FROM lf_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &keys, &opts, &status, &sess.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Session{}, eris.Wrapf(err, "select session %s", id)
	}
	if err := json.Unmarshal([]byte(keys), &sess.FileKeys); err != nil {
		return storage.Session{}, eris.Wrapf(err, "decode file keys of %s", id)
	}
	if err := json.Unmarshal([]byte(opts), &sess.Options); err != nil {
		return storage.Session{}, eris.Wrapf(err, "decode options of %s", id)
	}
	sess.Status = storage.SessionStatus(status)
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status storage.SessionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lf_sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, s.now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return eris.Wrapf(err, "update session %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, st model.PipelineState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return eris.Wrapf(err, "marshal checkpoint %s", st.SessionID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lf_checkpoints (session_id, status, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		st.SessionID, string(st.Status), string(b), s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return eris.Wrapf(err, "save checkpoint %s", st.SessionID)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (model.PipelineState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM lf_checkpoints WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PipelineState{}, fmt.Errorf("checkpoint %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return model.PipelineState{}, eris.Wrapf(err, "load checkpoint %s", sessionID)
	}
	var st model.PipelineState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return model.PipelineState{}, eris.Wrapf(err, "decode checkpoint %s", sessionID)
	}
	return st, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return eris.Wrapf(err, "marshal payload of event %d", ev.Seq)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lf_events (id, session_id, seq, ts, type, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ev.Type), ev.Message, string(payload),
	)
	if err != nil {
		return eris.Wrapf(err, "insert event %s/%d", ev.SessionID, ev.Seq)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, ts, type, message, payload
		FROM lf_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq`, sessionID, afterSeq,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "list events %s", sessionID)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var (
			ev           events.Event
			ts, typ, raw string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ts, &typ, &ev.Message, &raw); err != nil {
			return nil, eris.Wrap(err, "scan event")
		}
		ev.Timestamp = parseTime(ts)
		ev.Type = events.Type(typ)
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return nil, eris.Wrapf(err, "decode payload of event %d", ev.Seq)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM lf_events WHERE session_id = ?`, sessionID,
	).Scan(&last)
	if err != nil {
		return 0, eris.Wrapf(err, "last seq %s", sessionID)
	}
	return last.Int64, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
