package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"lakeforge/internal/model"
	"lakeforge/internal/storage"
)

// ErrRunning is returned when a session already has a run in flight.
var ErrRunning = errors.New("pipeline: session is already running")

// Runner is the part of Orchestrator the Service drives.
type Runner interface {
	Run(ctx context.Context, tr Trigger) (model.PipelineState, error)
	Resume(ctx context.Context, sessionID string) (model.PipelineState, error)
}

// Service starts runs in the background, at most one per session.
type Service struct {
	runner Runner
	store  storage.Store

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	newID func() string
}

func NewService(runner Runner, store storage.Store) *Service {
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:  runner,
		store:   store,
		base:    base,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
		newID:   uuid.NewString,
	}
}

// Create registers a pending session with a generated id and returns it.
func (s *Service) Create(ctx context.Context, fileKeys []string, opts model.Options) (storage.Session, error) {
	tr := Trigger{SessionID: s.newID(), FileKeys: fileKeys, Options: opts}
	if _, err := tr.Validate(); err != nil {
		return storage.Session{}, err
	}
	sess := storage.Session{
		ID:       tr.SessionID,
		FileKeys: append([]string(nil), fileKeys...),
		Options:  opts,
		Status:   storage.SessionPending,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return storage.Session{}, eris.Wrapf(err, "create session %s", sess.ID)
	}
	return s.store.GetSession(ctx, sess.ID)
}

// Start validates tr and runs it in the background.
func (s *Service) Start(tr Trigger) error {
	if _, err := tr.Validate(); err != nil {
		return err
	}
	return s.spawn(tr.SessionID, func(ctx context.Context) (model.PipelineState, error) {
		return s.runner.Run(ctx, tr)
	})
}

// StartResume resumes sessionID in the background. The checkpoint must exist.
func (s *Service) StartResume(ctx context.Context, sessionID string) error {
	if _, err := s.store.LoadCheckpoint(ctx, sessionID); err != nil {
		return err
	}
	return s.spawn(sessionID, func(ctx context.Context) (model.PipelineState, error) {
		return s.runner.Resume(ctx, sessionID)
	})
}

func (s *Service) spawn(id string, run func(context.Context) (model.PipelineState, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return context.Canceled
	}
	if _, busy := s.running[id]; busy {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(s.base)
	s.running[id] = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
		}()

		st, err := run(ctx)
		if err != nil {
			zap.L().Warn("background run ended with error",
				zap.String("session_id", id), zap.String("status", string(st.Status)), zap.Error(err))
		}
	}()
	return nil
}

// Running reports whether id has a run in flight.
func (s *Service) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Shutdown cancels all runs and waits for them, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every in-flight run has ended.
func (s *Service) Wait() { s.wg.Wait() }
