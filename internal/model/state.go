package model

import "time"

// Status is the pipeline's current position. Non-terminal statuses name the
// stage that runs next; Complete and Failed are terminal.
type Status string

const (
	StatusParsing    Status = "parsing"
	StatusInferring  Status = "inferring"
	StatusGenerating Status = "generating"
	StatusValidating Status = "validating"
	StatusCorrecting Status = "correcting"
	StatusInserting  Status = "inserting"
	StatusExecuting  Status = "executing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further stage runs from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

const (
	DefaultMaxIterations = 3
	DefaultDialect       = DialectPostgres
)

// PipelineState is the single aggregate threaded through every stage.
type PipelineState struct {
	SessionID        string            `json:"sessionId"`
	FileKeys         []string          `json:"fileKeys"`
	ParsedFiles      []ParsedFile      `json:"parsedFiles"`
	Entities         []Entity          `json:"entities"`
	SchemaSQL        string            `json:"sqlSchema"`
	InsertSQL        string            `json:"sqlInserts"`
	ValidationIssues []ValidationIssue `json:"validationIssues"`
	IterationCount   int               `json:"iterationCount"`
	MaxIterations    int               `json:"maxIterations"`
	Status           Status            `json:"status"`
	Error            string            `json:"error,omitempty"`
	TargetDialect    Dialect           `json:"targetDialect"`
	TotalCost        float64           `json:"totalCost"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Options are the per-run overrides accepted with a trigger.
//
// MaxIterations of 0 (or omitted) selects the configured default, which is
// always at least 1. Negative values are rejected by the trigger.
type Options struct {
	TargetDialect string `json:"targetDialect,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

// NewState builds the initial state for a run: empty collections, status parsing.
// Zero-valued options fall back to the given defaults.
func NewState(sessionID string, fileKeys []string, dialect Dialect, maxIterations int) PipelineState {
	if dialect == "" {
		dialect = DefaultDialect
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	keys := append([]string(nil), fileKeys...)
	return PipelineState{
		SessionID:        sessionID,
		FileKeys:         keys,
		ParsedFiles:      []ParsedFile{},
		Entities:         []Entity{},
		ValidationIssues: []ValidationIssue{},
		MaxIterations:    maxIterations,
		Status:           StatusParsing,
		TargetDialect:    dialect,
	}
}

// UsableFiles returns the parsed files that carry data.
func (s PipelineState) UsableFiles() []ParsedFile {
	out := make([]ParsedFile, 0, len(s.ParsedFiles))
	for _, f := range s.ParsedFiles {
		if f.OK() {
			out = append(out, f)
		}
	}
	return out
}

// Delta is a stage's partial update. Nil pointer fields are left untouched by
// the reducer; Cost is added to the running total.
type Delta struct {
	ParsedFiles      *[]ParsedFile
	Entities         *[]Entity
	SchemaSQL        *string
	InsertSQL        *string
	ValidationIssues *[]ValidationIssue
	IterationCount   *int
	Error            *string
	Cost             float64
}
