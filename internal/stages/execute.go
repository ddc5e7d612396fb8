package stages

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lakeforge/internal/events"
	"lakeforge/internal/extract"
	"lakeforge/internal/metrics"
	"lakeforge/internal/model"
	"lakeforge/internal/prompt"
	"lakeforge/internal/storage"
)

const (
	phaseSchema = "schema"
	phaseInsert = "insert"

	statementPreview = 200
)

// ErrNoExecutor is returned by ExecuteSQL when Deps.Exec is nil.
var ErrNoExecutor = errors.New("no SQL executor configured")

// GenerateInserts asks the model for INSERT statements built from the sample
// rows. An empty reply is allowed and executes nothing.
func (s *Set) GenerateInserts(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error) {
	em.Emit(ctx, events.DataInsertionStarted, "Generating INSERT statements from source data...", nil)

	reply, err := s.deps.LLM.Invoke(ctx, prompt.Inserts(st.SchemaSQL, st.UsableFiles(), st.Entities, st.TargetDialect))
	if err != nil {
		return model.Delta{}, fmt.Errorf("generate inserts: %w", err)
	}
	sql := extract.SQL(reply.Text)
	return model.Delta{InsertSQL: &sql, Cost: reply.Cost}, nil
}

// ExecuteSQL applies the schema, then the inserts.
//
// The schema is first sent as one batch. If the batch fails it is split and
// every statement runs on its own. Inserts always run one statement at a time
// so the success count is exact. Individual statement errors are reported as
// sql_error events and do not stop execution; a cancelled context or a lost
// connection does.
func (s *Set) ExecuteSQL(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error) {
	em.Emit(ctx, events.ExecutingSQL, "Executing SQL against database...", nil)
	if s.deps.Exec == nil {
		return model.Delta{}, ErrNoExecutor
	}
	log := zap.L().With(zap.String("session_id", st.SessionID))

	err := s.deps.Exec.Exec(ctx, st.SchemaSQL)
	if err == nil {
		metrics.RecordSQL(phaseSchema, "ok")
	} else {
		if fatal(ctx, err) {
			return model.Delta{}, err
		}
		metrics.RecordSQL(phaseSchema, "error")
		log.Warn("schema batch failed, executing statement by statement", zap.Error(err))
		if _, _, err := s.execEach(ctx, em, phaseSchema, st.SchemaSQL); err != nil {
			return model.Delta{}, err
		}
	}
	em.Emit(ctx, events.SchemaApplied, "Database schema created successfully", nil)

	ok, total, err := s.execEach(ctx, em, phaseInsert, st.InsertSQL)
	if err != nil {
		return model.Delta{}, err
	}
	em.Emit(ctx, events.DataInserted, fmt.Sprintf("Inserted data (%d statements executed)", ok), map[string]any{
		"statementCount":  ok,
		"totalStatements": total,
	})
	log.Info("sql executed", zap.Int("inserted", ok), zap.Int("insert_statements", total))
	return model.Delta{}, nil
}

// execEach runs every statement of batch on its own, pausing after each one.
// It returns how many succeeded out of how many ran.
func (s *Set) execEach(ctx context.Context, em *events.Emitter, phase, batch string) (ok, total int, err error) {
	stmts := storage.SplitStatements(batch)
	for _, stmt := range stmts {
		err := s.deps.Exec.Exec(ctx, stmt+";")
		if err != nil && fatal(ctx, err) {
			return ok, len(stmts), err
		}
		if err != nil {
			metrics.RecordSQL(phase, "error")
			label := "Schema error: "
			if phase == phaseInsert {
				label = "Insert error: "
			}
			em.Emit(ctx, events.SQLError, label+err.Error(), map[string]any{
				"phase":     phase,
				"statement": preview(stmt),
				"error":     err.Error(),
			})
		} else {
			metrics.RecordSQL(phase, "ok")
			ok++
		}
		if s.deps.StatementDelay > 0 && !s.deps.sleep(ctx, s.deps.StatementDelay) {
			return ok, len(stmts), ctx.Err()
		}
	}
	return ok, len(stmts), nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, storage.ErrConnection) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func preview(stmt string) string {
	r := []rune(stmt)
	if len(r) <= statementPreview {
		return stmt
	}
	return string(r[:statementPreview])
}
