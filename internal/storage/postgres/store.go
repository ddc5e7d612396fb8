package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"lakeforge/internal/events"
	"lakeforge/internal/model"
	"lakeforge/internal/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS lf_sessions (
	id         TEXT PRIMARY KEY,
	file_keys  JSONB NOT NULL,
	options    JSONB NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS lf_checkpoints (
	session_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	-- plain JSON keeps the key order of sample rows.
	state      JSON NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS lf_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	payload    JSONB,
	UNIQUE (session_id, seq)
);
`

// Store implements storage.Store on Postgres.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := newPool(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "create store tables")
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
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

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO lf_sessions (id, file_keys, options, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, keys, opts, string(sess.Status), sess.Error, created, now,
	)
	if err != nil {
		return eris.Wrapf(err, "insert session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrSessionExists)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	var (
		sess       storage.Session
		keys, opts []byte
		status     string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, file_keys, options, status, error, created_at, updated_at
		FROM lf_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &keys, &opts, &status, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Session{}, eris.Wrapf(err, "select session %s", id)
	}
	if err := json.Unmarshal(keys, &sess.FileKeys); err != nil {
		return storage.Session{}, eris.Wrapf(err, "decode file keys of %s", id)
	}
	if err := json.Unmarshal(opts, &sess.Options); err != nil {
		return storage.Session{}, eris.Wrapf(err, "decode options of %s", id)
	}
	sess.Status = storage.SessionStatus(status)
	return sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status storage.SessionStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lf_sessions SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "update session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, st model.PipelineState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return eris.Wrapf(err, "marshal checkpoint %s", st.SessionID)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO lf_checkpoints (session_id, status, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		st.SessionID, string(st.Status), b, s.now(),
	)
	if err != nil {
		return eris.Wrapf(err, "save checkpoint %s", st.SessionID)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (model.PipelineState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM lf_checkpoints WHERE session_id = $1`, sessionID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PipelineState{}, fmt.Errorf("checkpoint %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return model.PipelineState{}, eris.Wrapf(err, "load checkpoint %s", sessionID)
	}
	var st model.PipelineState
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.PipelineState{}, eris.Wrapf(err, "decode checkpoint %s", sessionID)
	}
	return st, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return eris.Wrapf(err, "marshal payload of event %d", ev.Seq)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO lf_events (id, session_id, seq, ts, type, message, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.SessionID, ev.Seq, ev.Timestamp, string(ev.Type), ev.Message, payload,
	)
	if err != nil {
		return eris.Wrapf(err, "insert event %s/%d", ev.SessionID, ev.Seq)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]events.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, seq, ts, type, message, payload
		FROM lf_events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq`, sessionID, afterSeq,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "list events %s", sessionID)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var (
			ev  events.Event
			typ string
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.Timestamp, &typ, &ev.Message, &raw); err != nil {
			return nil, eris.Wrap(err, "scan event")
		}
		ev.Type = events.Type(typ)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, eris.Wrapf(err, "decode payload of event %d", ev.Seq)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM lf_events WHERE session_id = $1`, sessionID,
	).Scan(&last)
	if err != nil {
		return 0, eris.Wrapf(err, "last seq %s", sessionID)
	}
	return last, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
