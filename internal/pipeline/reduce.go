package pipeline

import "lakeforge/internal/model"

// Reduce returns st with d merged in. Set fields replace the current value;
// Cost is added. st is not modified and the result shares no slices with d.
func Reduce(st model.PipelineState, d model.Delta) model.PipelineState {
	out := st
	if d.ParsedFiles != nil {
		out.ParsedFiles = append([]model.ParsedFile{}, (*d.ParsedFiles)...)
	}
	if d.Entities != nil {
		out.Entities = append([]model.Entity{}, (*d.Entities)...)
	}
	if d.SchemaSQL != nil {
		out.SchemaSQL = *d.SchemaSQL
	}
	if d.InsertSQL != nil {
		out.InsertSQL = *d.InsertSQL
	}
	if d.ValidationIssues != nil {
		out.ValidationIssues = append([]model.ValidationIssue{}, (*d.ValidationIssues)...)
	}
	if d.IterationCount != nil {
		out.IterationCount = *d.IterationCount
	}
	if d.Error != nil {
		out.Error = *d.Error
	}
	out.TotalCost += d.Cost
	return out
}
