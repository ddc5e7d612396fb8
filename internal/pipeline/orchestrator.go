package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"lakeforge/internal/events"
	"lakeforge/internal/metrics"
	"lakeforge/internal/model"
	"lakeforge/internal/stages"
	"lakeforge/internal/storage"
)

// ErrAlreadyComplete is returned by Resume for a run that finished.
var ErrAlreadyComplete = errors.New("pipeline: session already complete")

// Trigger starts a run.
type Trigger struct {
	SessionID string        `json:"sessionId"`
	FileKeys  []string      `json:"fileKeys"`
	Options   model.Options `json:"options"`
}

// ErrInvalidTrigger marks a Trigger that cannot start a run.
var ErrInvalidTrigger = errors.New("pipeline: invalid trigger")

// Validate checks the trigger and returns its dialect.
func (t Trigger) Validate() (model.Dialect, error) {
	if t.SessionID == "" {
		return "", fmt.Errorf("%w: sessionId is required", ErrInvalidTrigger)
	}
	if len(t.FileKeys) == 0 {
		return "", fmt.Errorf("%w: fileKeys must not be empty", ErrInvalidTrigger)
	}
	for i, k := range t.FileKeys {
		if k == "" {
			return "", fmt.Errorf("%w: fileKeys[%d] is empty", ErrInvalidTrigger, i)
		}
	}
	if t.Options.MaxIterations < 0 {
		return "", fmt.Errorf("%w: maxIterations must be >= 0", ErrInvalidTrigger)
	}
	d, err := model.ParseDialect(t.Options.TargetDialect)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	return d, nil
}

// Defaults apply when a trigger leaves an option unset.
type Defaults struct {
	Dialect       model.Dialect
	MaxIterations int
}

// Orchestrator runs sessions end to end.
//
// Concurrency:
//   - Safe for concurrent use across distinct sessions. Two concurrent runs
//     of the same session are not prevented here; Service does that.
type Orchestrator struct {
	stages   *stages.Set
	store    storage.Store
	sink     events.Sink
	machine  *Machine
	defaults Defaults

	now func() time.Time
}

// NewOrchestrator wires stages to a store. sink receives every event in
// addition to the store; it may be nil.
func NewOrchestrator(set *stages.Set, store storage.Store, sink events.Sink, defaults Defaults) *Orchestrator {
	return &Orchestrator{
		stages:   set,
		store:    store,
		sink:     sink,
		machine:  NewMachine(),
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts tr from the parsing stage. A session row is created when the id
// is new; an existing session is re-run from scratch.
//
// The returned state is terminal. A failed run returns its error alongside
// the state; the session row and the build_failed event carry the same text.
func (o *Orchestrator) Run(ctx context.Context, tr Trigger) (model.PipelineState, error) {
	dialect, err := tr.Validate()
	if err != nil {
		return model.PipelineState{}, err
	}
	if tr.Options.TargetDialect == "" && o.defaults.Dialect != "" {
		dialect = o.defaults.Dialect
	}
	maxIter := tr.Options.MaxIterations
	if maxIter == 0 {
		maxIter = o.defaults.MaxIterations
	}

	sess := storage.Session{
		ID:        tr.SessionID,
		FileKeys:  tr.FileKeys,
		Options:   tr.Options,
		Status:    storage.SessionPending,
		CreatedAt: o.now(),
		UpdatedAt: o.now(),
	}
	if err := o.store.CreateSession(ctx, sess); err != nil && !errors.Is(err, storage.ErrSessionExists) {
		return model.PipelineState{}, eris.Wrapf(err, "create session %s", tr.SessionID)
	}

	st := model.NewState(tr.SessionID, tr.FileKeys, dialect, maxIter)
	st.UpdatedAt = o.now()
	em, err := o.emitter(ctx, tr.SessionID)
	if err != nil {
		return st, err
	}
	if err := o.store.UpdateSessionStatus(ctx, tr.SessionID, storage.SessionRunning, ""); err != nil {
		return st, eris.Wrapf(err, "mark session %s running", tr.SessionID)
	}
	o.checkpoint(ctx, st)
	return o.drive(ctx, st, em)
}

// Resume continues a session from its checkpoint. Stages that completed
// before the checkpoint are not re-run; their events are not re-emitted.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (model.PipelineState, error) {
	st, err := o.store.LoadCheckpoint(ctx, sessionID)
	if err != nil {
		return model.PipelineState{}, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	if st.Status == model.StatusComplete {
		return st, ErrAlreadyComplete
	}
	if st.Status.Terminal() {
		return st, fmt.Errorf("%w: checkpoint of %s is %s", ErrTransition, sessionID, st.Status)
	}

	em, err := o.emitter(ctx, sessionID)
	if err != nil {
		return st, err
	}
	if err := o.store.UpdateSessionStatus(ctx, sessionID, storage.SessionRunning, ""); err != nil {
		return st, eris.Wrapf(err, "mark session %s running", sessionID)
	}
	em.Emit(ctx, events.SessionResumed, fmt.Sprintf("Resuming from %s", st.Status), map[string]any{
		"status":         st.Status,
		"iterationCount": st.IterationCount,
	})
	return o.drive(ctx, st, em)
}

func (o *Orchestrator) emitter(ctx context.Context, sessionID string) (*events.Emitter, error) {
	last, err := o.store.LastSeq(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "last event seq %s", sessionID)
	}
	return events.NewEmitter(sessionID, last, events.Fanout{storage.EventSink{Store: o.store}, o.sink}), nil
}

func (o *Orchestrator) drive(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.PipelineState, error) {
	log := zap.L().With(zap.String("session_id", st.SessionID))
	runStart := time.Now()

	for !st.Status.Terminal() {
		name, run, ok := o.stages.For(st.Status)
		if !ok {
			return o.fail(ctx, st, em, fmt.Errorf("%w: no stage for status %s", ErrTransition, st.Status))
		}

		log.Info("stage started", zap.String("stage", string(name)), zap.Int("iteration", st.IterationCount))
		start := time.Now()
		delta, err := run(ctx, st, em)
		elapsed := time.Since(start)
		if err != nil {
			metrics.RecordStage(string(name), "error", elapsed)
			log.Error("stage failed", zap.String("stage", string(name)), zap.Duration("duration", elapsed), zap.Error(err))
			st.TotalCost += delta.Cost
			return o.fail(ctx, st, em, err)
		}
		metrics.RecordStage(string(name), "ok", elapsed)
		log.Info("stage finished", zap.String("stage", string(name)), zap.Duration("duration", elapsed))

		st = Reduce(st, delta)
		next, err := o.machine.Next(st.Status, Evaluate(st))
		if err != nil {
			return o.fail(ctx, st, em, err)
		}
		st.Status = next
		st.UpdatedAt = o.now()
		o.checkpoint(ctx, st)
	}

	if err := o.store.UpdateSessionStatus(ctx, st.SessionID, storage.SessionSucceeded, ""); err != nil {
		log.Error("session status update failed", zap.Error(err))
	}
	em.Emit(ctx, events.BuildSucceeded, "Database built successfully!", map[string]any{
		"tableCount": len(st.Entities),
	})
	metrics.RecordRun(string(storage.SessionSucceeded))
	log.Info("run complete",
		zap.Duration("duration", time.Since(runStart)),
		zap.Int("entities", len(st.Entities)),
		zap.Int("iterations", st.IterationCount),
		zap.Float64("cost", st.TotalCost))
	return st, nil
}

// fail ends the run. The checkpoint is left at the last completed stage so a
// resume retries the stage that failed.
func (o *Orchestrator) fail(ctx context.Context, st model.PipelineState, em *events.Emitter, cause error) (model.PipelineState, error) {
	next, err := o.machine.Next(st.Status, CondFail)
	if err != nil {
		next = model.StatusFailed
	}
	msg := cause.Error()
	st.Status = next
	st.Error = msg
	st.UpdatedAt = o.now()

	// Record the failure even when ctx was cancelled.
	bg := context.WithoutCancel(ctx)
	if err := o.store.UpdateSessionStatus(bg, st.SessionID, storage.SessionFailed, msg); err != nil {
		zap.L().Error("session status update failed", zap.String("session_id", st.SessionID), zap.Error(err))
	}
	em.Emit(bg, events.BuildFailed, "Build failed: "+msg, map[string]any{"error": msg})
	metrics.RecordRun(string(storage.SessionFailed))
	return st, cause
}

func (o *Orchestrator) checkpoint(ctx context.Context, st model.PipelineState) {
	if err := o.store.SaveCheckpoint(ctx, st); err != nil {
		zap.L().Error("checkpoint failed",
			zap.String("session_id", st.SessionID), zap.String("status", string(st.Status)), zap.Error(err))
	}
}
