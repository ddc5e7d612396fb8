// Package metrics is the process-wide metrics facade.
//
// Core code calls the Record* helpers (or IncCounter/ObserveHistogram) and
// never imports a concrete backend. A command installs a backend once at
// startup with SetBackend; until then every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions. Backends decide which keys they honor.
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use: independent sessions report
// from their own goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

// Metric names emitted by the pipeline.
const (
	StageTotal         = "pipeline_stage_total"
	StageDuration      = "pipeline_stage_duration_seconds"
	RunsTotal          = "pipeline_runs_total"
	LLMRequestsTotal   = "llm_requests_total"
	LLMRequestDuration = "llm_request_duration_seconds"
	SQLStatementsTotal = "sql_statements_total"
	FilesParsedTotal   = "files_parsed_total"
	EventsTotal        = "pipeline_events_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend when it buffers; otherwise it is a no-op.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStage counts one stage execution and its duration.
func RecordStage(stage, status string, d time.Duration) {
	IncCounter(StageTotal, 1, Labels{"stage": stage, "status": status})
	ObserveHistogram(StageDuration, d.Seconds(), Labels{"stage": stage, "status": status})
}

// RecordRun counts a finished pipeline run by terminal status.
func RecordRun(status string) {
	IncCounter(RunsTotal, 1, Labels{"status": status})
}

// RecordLLM counts one model call attempt. status is the HTTP status code as
// text, or "error" for transport failures.
func RecordLLM(model, status string, d time.Duration) {
	IncCounter(LLMRequestsTotal, 1, Labels{"model": model, "status": status})
	ObserveHistogram(LLMRequestDuration, d.Seconds(), Labels{"model": model, "status": status})
}

// RecordSQL counts one executed statement or batch. phase is "schema" or "insert".
func RecordSQL(phase, status string) {
	IncCounter(SQLStatementsTotal, 1, Labels{"phase": phase, "status": status})
}

// RecordFile counts one parsed input file.
func RecordFile(format, status string) {
	IncCounter(FilesParsedTotal, 1, Labels{"format": format, "status": status})
}

// RecordEvent counts one emitted pipeline event by type.
func RecordEvent(typ string) {
	IncCounter(EventsTotal, 1, Labels{"type": typ})
}
