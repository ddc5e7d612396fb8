package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lakeforge/internal/datasource"
	"lakeforge/internal/events"
	"lakeforge/internal/metrics"
	"lakeforge/internal/model"
	"lakeforge/internal/parser"
)

// ParseFiles fetches and parses every file key in order. A file that cannot
// be fetched or parsed is kept with its Error set and does not stop the batch.
func (s *Set) ParseFiles(ctx context.Context, st model.PipelineState, em *events.Emitter) (model.Delta, error) {
	em.Emit(ctx, events.ParsingStarted, fmt.Sprintf("Parsing %d files...", len(st.FileKeys)), nil)

	log := zap.L().With(zap.String("session_id", st.SessionID))
	files := make([]model.ParsedFile, 0, len(st.FileKeys))
	for _, key := range st.FileKeys {
		if err := ctx.Err(); err != nil {
			return model.Delta{}, err
		}
		name := datasource.Basename(key)

		pf, err := s.parseOne(ctx, key, name)
		if err != nil {
			if ctx.Err() != nil {
				return model.Delta{}, ctx.Err()
			}
			log.Warn("file parse failed", zap.String("key", key), zap.Error(err))
			metrics.RecordFile("unknown", "error")
			files = append(files, model.ParsedFile{Filename: name, Error: err.Error()})
			em.Emit(ctx, events.FileParsed, "Failed to parse "+name, map[string]any{
				"filename": name,
				"error":    err.Error(),
			})
			continue
		}

		metrics.RecordFile(string(pf.Format), "ok")
		files = append(files, pf)
		em.Emit(ctx, events.FileParsed, "Parsed "+name, map[string]any{
			"filename": name,
			"format":   pf.Format,
			"rowCount": pf.RowCount,
			"headers":  pf.Headers,
		})
	}
	return model.Delta{ParsedFiles: &files}, nil
}

func (s *Set) parseOne(ctx context.Context, key, name string) (model.ParsedFile, error) {
	if s.deps.Files == nil {
		return model.ParsedFile{}, fmt.Errorf("fetch %s: no file source configured", key)
	}
	raw, err := s.deps.Files.Fetch(ctx, key)
	if err != nil {
		return model.ParsedFile{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	return parser.Parse(name, raw)
}
