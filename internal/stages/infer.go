package stages

import (
	"context"
	"fmt"

	"lakeforge/internal/events"
	"lakeforge/internal/extract"
	"lakeforge/internal/model"
	"lakeforge/internal/prompt"
)

// InferEntities asks the model for the relational entities behind the parsed
// files. There is no local fallback: an unusable reply fails the run.
func (s *Set) InferEntities(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error) {
	em.Emit(ctx, events.InferringStarted, "Analyzing data to identify entities and relationships...", nil)

	files := st.UsableFiles()
	if len(files) == 0 {
		return model.Delta{}, ErrNoUsableFiles
	}

	reply, err := s.deps.LLM.Invoke(ctx, prompt.Entities(files, st.TargetDialect))
	if err != nil {
		return model.Delta{}, fmt.Errorf("infer entities: %w", err)
	}
	entities, err := extract.DecodeEntities(reply.Text)
	if err != nil {
		return model.Delta{Cost: reply.Cost}, err
	}

	summary := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		summary = append(summary, map[string]any{
			"name":            e.TableName,
			"columnCount":     len(e.Columns),
			"foreignKeyCount": len(e.ForeignKeys),
			"sourceFiles":     e.SourceFiles,
		})
	}
	em.Emit(ctx, events.EntitiesInferred, fmt.Sprintf("Identified %d entities", len(entities)), map[string]any{
		"entityCount": len(entities),
		"entities":    summary,
	})

	return model.Delta{Entities: &entities, Cost: reply.Cost}, nil
}

// GenerateSQL asks the model for CREATE TABLE statements and announces one
// table per entity.
func (s *Set) GenerateSQL(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error) {
	em.Emit(ctx, events.GeneratingSchema, "Generating SQL schema...", nil)

	reply, err := s.deps.LLM.Invoke(ctx, prompt.Schema(st.Entities, st.TargetDialect))
	if err != nil {
		return model.Delta{}, fmt.Errorf("generate schema: %w", err)
	}
	sql, err := extract.SchemaSQL(reply.Text)
	if err != nil {
		return model.Delta{Cost: reply.Cost}, err
	}

	for _, e := range st.Entities {
		cols := make([]string, 0, len(e.Columns))
		types := make([]map[string]any, 0, len(e.Columns))
		for _, c := range e.Columns {
			cols = append(cols, c.Name)
			types = append(types, map[string]any{"name": c.Name, "type": c.Type})
		}
		fks := make([]map[string]any, 0, len(e.ForeignKeys))
		for _, fk := range e.ForeignKeys {
			fks = append(fks, map[string]any{"column": fk.Column, "targetTable": fk.ReferencesTable})
		}
		em.Emit(ctx, events.TableCreated, "Created table "+e.TableName, map[string]any{
			"name":        e.TableName,
			"columns":     cols,
			"columnTypes": types,
			"foreignKeys": fks,
		})
	}

	return model.Delta{SchemaSQL: &sql, Cost: reply.Cost}, nil
}
