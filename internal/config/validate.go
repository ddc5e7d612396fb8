package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"

	"lakeforge/internal/model"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one configuration problem. Path is the dotted config key.
type Issue struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	storeKinds   = []string{"memory", "postgres", "sqlite"}
	execKinds    = []string{"memory", "mssql", "mysql", "oracle", "postgres", "sqlite"}
	metricsKinds = []string{"datadog", "none"}
	logFormats   = []string{"console", "json"}
)

// Validate checks cfg and returns every problem found, in key order.
func Validate(cfg Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add(SeverityError, "server.port", "must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if u, err := url.Parse(cfg.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add(SeverityError, "llm.base_url", "must be an absolute URL, got %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.APIKey == "" {
		add(SeverityError, "llm.api_key", "is empty (set %s_LLM_API_KEY or OPENROUTER_API_KEY)", EnvPrefix)
	}
	if len(cfg.LLM.Models) == 0 {
		add(SeverityError, "llm.models", "at least one model is required")
	}
	if cfg.LLM.MaxAttempts < 1 {
		add(SeverityError, "llm.max_attempts", "must be >= 1, got %d", cfg.LLM.MaxAttempts)
	}
	if cfg.LLM.BaseDelay <= 0 {
		add(SeverityError, "llm.base_delay", "must be positive")
	}
	if cfg.LLM.MaxDelay < cfg.LLM.BaseDelay {
		add(SeverityWarning, "llm.max_delay", "is below llm.base_delay; every backoff is clamped to %s", cfg.LLM.MaxDelay)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add(SeverityError, "llm.temperature", "must be within [0, 2], got %g", cfg.LLM.Temperature)
	}

	if cfg.Pipeline.MaxIterations < 1 {
		add(SeverityError, "pipeline.max_iterations", "must be >= 1, got %d", cfg.Pipeline.MaxIterations)
	}
	if _, err := model.ParseDialect(cfg.Pipeline.TargetDialect); err != nil {
		add(SeverityError, "pipeline.target_dialect", "%v", err)
	}
	if cfg.Pipeline.StatementDelay < 0 {
		add(SeverityError, "pipeline.statement_delay", "must not be negative")
	}

	if cfg.Files.BaseURL != "" {
		if u, err := url.Parse(cfg.Files.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add(SeverityError, "files.base_url", "must be an absolute URL, got %q", cfg.Files.BaseURL)
		}
	} else if cfg.Files.Root == "" {
		add(SeverityError, "files.root", "is empty and files.base_url is not set")
	}
	if cfg.Files.InsecureSkipVerify {
		add(SeverityWarning, "files.insecure_skip_verify", "TLS verification is disabled for the file store")
	}
	if cfg.Files.SampleDir == "" {
		add(SeverityWarning, "files.sample_dir", "is empty; missing files will not fall back to sample data")
	}

	checkBackend(add, "store", cfg.Store, storeKinds)
	checkBackend(add, "exec", cfg.Exec, execKinds)
	if cfg.Store.Kind == "memory" {
		add(SeverityWarning, "store.kind", "memory store loses sessions on restart; resume will not survive a crash")
	}
	if cfg.Exec.Kind == "memory" {
		add(SeverityWarning, "exec.kind", "memory executor records SQL without running it")
	}

	if !oneOf(cfg.Metrics.Backend, metricsKinds) {
		add(SeverityError, "metrics.backend", "must be one of %s, got %q", strings.Join(metricsKinds, ", "), cfg.Metrics.Backend)
	}

	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		add(SeverityError, "log.level", "%v", err)
	}
	if !oneOf(cfg.Log.Format, logFormats) {
		add(SeverityError, "log.format", "must be one of %s, got %q", strings.Join(logFormats, ", "), cfg.Log.Format)
	}
	return out
}

func checkBackend(add func(Severity, string, string, ...any), prefix string, b BackendConfig, kinds []string) {
	if !oneOf(b.Kind, kinds) {
		add(SeverityError, prefix+".kind", "must be one of %s, got %q", strings.Join(kinds, ", "), b.Kind)
		return
	}
	switch b.Kind {
	case "memory", "sqlite":
	default:
		if b.DSN == "" {
			add(SeverityError, prefix+".dsn", "is required for kind %q", b.Kind)
		}
	}
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
