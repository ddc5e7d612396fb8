// Package memory provides in-process storage backends: an Executor that records
// statements without running them (dry runs) and a Store for tests and
// single-process use.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"lakeforge/internal/events"
	"lakeforge/internal/model"
	"lakeforge/internal/storage"
)

func init() {
	storage.RegisterExecutor("memory", func(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
		return NewExecutor(), nil
	})
	storage.RegisterStore("memory", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return NewStore(), nil
	})
}

// Executor records every Exec call. FailOn lets tests reject chosen statements.
type Executor struct {
	mu       sync.Mutex
	executed []string

	// FailOn returns a non-nil error to reject sql. Nil accepts everything.
	FailOn func(sql string) error
}

func NewExecutor() *Executor { return &Executor{} }

func (e *Executor) Exec(ctx context.Context, sql string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, sql)
	if e.FailOn != nil {
		return e.FailOn(sql)
	}
	return nil
}

// Executed returns a copy of the SQL texts seen so far, in call order.
func (e *Executor) Executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

func (e *Executor) Ping(ctx context.Context) error { return ctx.Err() }
func (e *Executor) Close() error                   { return nil }

// Store keeps everything in maps. Checkpoints are stored serialized so callers
// never share slices with the store.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]storage.Session
	checkpoints map[string][]byte
	events      map[string][]events.Event

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions:    make(map[string]storage.Session),
		checkpoints: make(map[string][]byte),
		events:      make(map[string][]events.Event),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrSessionExists)
	}
	now := s.now()
	if sess.Status == "" {
		sess.Status = storage.SessionPending
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.FileKeys = append([]string(nil), sess.FileKeys...)
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	sess.FileKeys = append([]string(nil), sess.FileKeys...)
	return sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status storage.SessionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	sess.Status = status
	sess.Error = errMsg
	sess.UpdatedAt = s.now()
	s.sessions[id] = sess
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, st model.PipelineState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", st.SessionID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[st.SessionID] = b
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (model.PipelineState, error) {
	s.mu.RLock()
	b, ok := s.checkpoints[sessionID]
	s.mu.RUnlock()
	if !ok {
		return model.PipelineState{}, fmt.Errorf("checkpoint %s: %w", sessionID, storage.ErrNotFound)
	}
	var st model.PipelineState
	if err := json.Unmarshal(b, &st); err != nil {
		return model.PipelineState{}, fmt.Errorf("unmarshal checkpoint %s: %w", sessionID, err)
	}
	return st, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []events.Event{}
	for _, ev := range s.events[sessionID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, ev := range s.events[sessionID] {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
func (s *Store) Close() error                   { return nil }
