package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"lakeforge/internal/config"
	"lakeforge/internal/datasource"
	"lakeforge/internal/datasource/file"
	"lakeforge/internal/datasource/httpds"
	"lakeforge/internal/llm"
	"lakeforge/internal/logging"
	"lakeforge/internal/metrics"
	"lakeforge/internal/metrics/datadog"
	"lakeforge/internal/model"
	"lakeforge/internal/pipeline"
	"lakeforge/internal/server"
	"lakeforge/internal/stages"
	"lakeforge/internal/storage"

	// register every backend with the storage registry; config picks one.
	_ "lakeforge/internal/storage/all"
)

// deps are the process-level constructors the commands use. Tests replace
// them to avoid the network, real databases and global logger changes.
type deps struct {
	loadConfig   func(path string) (config.Config, error)
	newLogger    func(level, format string) (*zap.Logger, func(), error)
	newInvoker   func(cfg config.LLMConfig) llm.Invoker
	openStore    func(ctx context.Context, cfg storage.Config) (storage.Store, error)
	openExecutor func(ctx context.Context, cfg storage.Config) (storage.Executor, error)
	newMetrics   func(ctx context.Context, cfg config.MetricsConfig) (metrics.Backend, error)
	serve        func(ctx context.Context, srv *server.Server, addr string, shutdownTimeout time.Duration) error
}

func defaultDeps() deps {
	return deps{
		loadConfig:   config.Load,
		newLogger:    logging.New,
		newInvoker:   newGateway,
		openStore:    storage.NewStore,
		openExecutor: storage.NewExecutor,
		newMetrics:   newMetricsBackend,
		serve: func(ctx context.Context, srv *server.Server, addr string, shutdownTimeout time.Duration) error {
			return srv.ListenAndServe(ctx, addr, shutdownTimeout)
		},
	}
}

// app is the state shared by every subcommand of one invocation.
type app struct {
	deps
	stdout, stderr io.Writer

	cfgPath   string
	logLevel  string
	logFormat string

	cfg     config.Config
	closers []func()
}

// setup loads configuration and installs the logger.
func (a *app) setup() error {
	cfg, err := a.loadConfig(a.cfgPath)
	if err != nil {
		return usageErr(err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	_, undo, err := a.newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return usageErr(err)
	}
	a.onClose(undo)
	a.cfg = cfg
	return nil
}

func (a *app) onClose(f func()) { a.closers = append(a.closers, f) }

// close runs cleanups in reverse registration order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// checkConfig prints every configuration issue and fails on errors.
func (a *app) checkConfig() error {
	issues := config.Validate(a.cfg)
	for _, is := range issues {
		fmt.Fprintln(a.stderr, is)
	}
	if config.HasErrors(issues) {
		return usageErr(errors.New("configuration is invalid"))
	}
	return nil
}

// startMetrics installs the configured metrics backend until close.
func (a *app) startMetrics(ctx context.Context) error {
	b, err := a.newMetrics(ctx, a.cfg.Metrics)
	if err != nil {
		return eris.Wrapf(err, "metrics backend %s", a.cfg.Metrics.Backend)
	}
	if b == nil {
		return nil
	}
	metrics.SetBackend(b)
	zap.L().Info("metrics enabled", zap.String("backend", a.cfg.Metrics.Backend), zap.Strings("tags", a.cfg.Metrics.Tags))
	a.onClose(func() {
		if c, ok := b.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				zap.L().Warn("metrics close failed", zap.Error(err))
			}
		} else if err := metrics.Flush(); err != nil {
			zap.L().Warn("metrics flush failed", zap.Error(err))
		}
		metrics.SetBackend(nil)
	})
	return nil
}

// runtime is the wired pipeline for one process.
type runtime struct {
	store storage.Store
	exec  storage.Executor
	set   *stages.Set
}

// open wires the pipeline. localPaths lets file keys name absolute paths on
// this host; only foreground commands driven by an operator set it.
func (a *app) open(ctx context.Context, localPaths bool) (*runtime, error) {
	store, err := a.openStore(ctx, storage.Config{Kind: a.cfg.Store.Kind, DSN: a.cfg.Store.DSN})
	if err != nil {
		return nil, eris.Wrapf(err, "open store %s", a.cfg.Store.Kind)
	}
	a.onClose(func() { _ = store.Close() })

	exec, err := a.openExecutor(ctx, storage.Config{Kind: a.cfg.Exec.Kind, DSN: a.cfg.Exec.DSN})
	if err != nil {
		return nil, eris.Wrapf(err, "open executor %s", a.cfg.Exec.Kind)
	}
	a.onClose(func() { _ = exec.Close() })

	set := stages.New(stages.Deps{
		LLM:            a.newInvoker(a.cfg.LLM),
		Files:          newFiles(a.cfg.Files, localPaths),
		Exec:           exec,
		StatementDelay: a.cfg.Pipeline.StatementDelay,
	})
	return &runtime{store: store, exec: exec, set: set}, nil
}

// defaults are the run options applied when a trigger leaves them unset.
func (a *app) defaults() pipeline.Defaults {
	d, err := model.ParseDialect(a.cfg.Pipeline.TargetDialect)
	if err != nil {
		d = model.DefaultDialect
	}
	return pipeline.Defaults{Dialect: d, MaxIterations: a.cfg.Pipeline.MaxIterations}
}

func newGateway(cfg config.LLMConfig) llm.Invoker {
	client := llm.NewOpenAIClient(llm.ClientOptions{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Referer: cfg.Referer,
		Title:   cfg.Title,
		Timeout: cfg.Timeout,
	})
	return llm.NewGateway(client, llm.Options{
		Models:      cfg.Models,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
}

// newFiles resolves file keys against the HTTP store when files.base_url is
// set, else against files.root, with the sample directory as fallback.
func newFiles(cfg config.FilesConfig, localPaths bool) datasource.Source {
	var primary datasource.Source = file.Dir{Root: cfg.Root}
	if cfg.BaseURL != "" {
		primary = httpds.NewClient(httpds.Config{
			BaseURL:            cfg.BaseURL,
			Token:              cfg.Token,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
	}
	return datasource.Fallback{Primary: primary, SampleDir: cfg.SampleDir, AllowAbsolute: localPaths}
}

// newMetricsBackend returns nil for the "none" backend.
func newMetricsBackend(ctx context.Context, cfg config.MetricsConfig) (metrics.Backend, error) {
	switch cfg.Backend {
	case "datadog":
		// The final flush runs at shutdown, after ctx is cancelled.
		b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName:    "lakeforge",
			Tags:       cfg.Tags,
			FlushEvery: cfg.FlushEvery,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}
