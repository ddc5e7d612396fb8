package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"lakeforge/internal/events"
	"lakeforge/internal/extract"
	"lakeforge/internal/model"
	"lakeforge/internal/prompt"
	"lakeforge/internal/schema"
)

// ValidateSchema merges the programmatic checks with the model's review.
// An unreadable review contributes no issues; a failed model call is fatal.
func (s *Set) ValidateSchema(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error) {
	em.Emit(ctx, events.ValidatingSchema, fmt.Sprintf("Validating schema (pass %d)...", st.IterationCount+1), nil)

	issues := schema.Check(st.Entities)

	reply, err := s.deps.LLM.Invoke(ctx, prompt.Validate(st.SchemaSQL, st.Entities, st.UsableFiles(), st.TargetDialect))
	if err != nil {
		return model.Delta{}, fmt.Errorf("validate schema: %w", err)
	}
	reviewed, err := extract.DecodeIssues(reply.Text)
	if err != nil {
		zap.L().Warn("validation reply ignored",
			zap.String("session_id", st.SessionID), zap.Error(err))
	}
	issues = append(issues, reviewed...)

	var errs []model.ValidationIssue
	for _, is := range issues {
		if is.Severity == model.SeverityError {
			errs = append(errs, is)
		}
	}

	if len(issues) == 0 {
		em.Emit(ctx, events.ValidationComplete, "Schema validation passed", map[string]any{
			"issueCount": 0,
			"errorCount": 0,
		})
	} else {
		em.Emit(ctx, events.ValidationComplete, fmt.Sprintf("Found %d issues (%d errors)", len(issues), len(errs)), map[string]any{
			"issueCount": len(issues),
			"errorCount": len(errs),
			"issues":     issues,
		})
		for _, is := range errs {
			em.Emit(ctx, events.DriftDetected, is.Entity+": "+is.Description, map[string]any{
				"severity":       is.Severity,
				"resource":       is.Entity,
				"recommendation": is.Suggestion,
			})
		}
	}

	return model.Delta{ValidationIssues: &issues, Cost: reply.Cost}, nil
}

// CorrectSchema asks the model to fix the current issues. The iteration
// counter always advances. A reply that does not decode, or that changes
// nothing, keeps the previous entities and is reported as a stall.
func (s *Set) CorrectSchema(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error) {
	iteration := st.IterationCount + 1
	em.Emit(ctx, events.SchemaCorrected, fmt.Sprintf("Correcting schema (iteration %d)...", iteration), nil)

	reply, err := s.deps.LLM.Invoke(ctx, prompt.Correct(st.Entities, st.ValidationIssues, st.TargetDialect))
	if err != nil {
		return model.Delta{}, fmt.Errorf("correct schema: %w", err)
	}

	entities := st.Entities
	var stall string
	corrected, err := extract.DecodeEntities(reply.Text)
	switch {
	case err != nil:
		stall = err.Error()
	case sameEntities(corrected, st.Entities):
		stall = "model returned the entities unchanged"
	default:
		entities = corrected
	}

	msg := "Schema corrected"
	if stall != "" {
		msg = "Schema unchanged"
		zap.L().Warn("correction stalled",
			zap.String("session_id", st.SessionID), zap.Int("iteration", iteration), zap.String("reason", stall))
		em.Emit(ctx, events.CorrectionStalled, fmt.Sprintf("Correction %d made no progress", iteration), map[string]any{
			"iteration": iteration,
			"reason":    stall,
		})
	}
	em.Emit(ctx, events.SchemaCorrected, msg, map[string]any{
		"entityCount":    len(entities),
		"iterationCount": iteration,
	})

	return model.Delta{Entities: &entities, IterationCount: &iteration, Cost: reply.Cost}, nil
}

func sameEntities(a, b []model.Entity) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
