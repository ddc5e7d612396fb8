// Package stages holds the seven pipeline steps.
//
// Each stage reads the current model.PipelineState, reports progress through
// an events.Emitter and returns a model.Delta. Stages never mutate the state
// they are given and never decide what runs next; the pipeline package owns
// sequencing and merging.
//
// A returned error is fatal to the run. Recoverable conditions (a file that
// does not parse, an unreadable validation reply, a failed statement) are
// reported as events and folded into the delta instead.
package stages

import (
	"context"
	"errors"
	"time"

	"lakeforge/internal/datasource"
	"lakeforge/internal/events"
	"lakeforge/internal/llm"
	"lakeforge/internal/model"
	"lakeforge/internal/storage"
)

// Name identifies a stage in logs and metrics.
type Name string

const (
	Parse    Name = "parse_files"
	Infer    Name = "infer_entities"
	Generate Name = "generate_sql"
	Validate Name = "validate_schema"
	Correct  Name = "correct_schema"
	Inserts  Name = "generate_inserts"
	Execute  Name = "execute_sql"
)

// DefaultStatementDelay throttles statement-by-statement execution.
const DefaultStatementDelay = 200 * time.Millisecond

// Func is one stage body.
type Func func(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error)

// ErrNoUsableFiles is returned by inference when every input failed to parse.
var ErrNoUsableFiles = errors.New("no input file could be parsed")

// Deps are the collaborators shared by all stages of a run.
type Deps struct {
	LLM   llm.Invoker
	Files datasource.Source
	Exec  storage.Executor

	// StatementDelay is the pause after each individually executed
	// statement. Zero means DefaultStatementDelay; negative disables it.
	StatementDelay time.Duration

	// sleep is a test seam; nil means a context-aware timer.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Set binds Deps to the stage bodies.
type Set struct {
	deps Deps
}

func New(deps Deps) *Set {
	if deps.StatementDelay == 0 {
		deps.StatementDelay = DefaultStatementDelay
	}
	if deps.sleep == nil {
		deps.sleep = sleepContext
	}
	return &Set{deps: deps}
}

// For returns the stage that runs while the pipeline is in status s.
func (s *Set) For(status model.Status) (Name, Func, bool) {
	switch status {
	case model.StatusParsing:
		return Parse, s.ParseFiles, true
	case model.StatusInferring:
		return Infer, s.InferEntities, true
	case model.StatusGenerating:
		return Generate, s.GenerateSQL, true
	case model.StatusValidating:
		return Validate, s.ValidateSchema, true
	case model.StatusCorrecting:
		return Correct, s.CorrectSchema, true
	case model.StatusInserting:
		return Inserts, s.GenerateInserts, true
	case model.StatusExecuting:
		return Execute, s.ExecuteSQL, true
	default:
		return "", nil, false
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func ptr[T any](v T) *T { return &v }
