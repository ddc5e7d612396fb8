package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lakeforge/internal/config"
	"lakeforge/internal/storage"
)

const pingPrompt = "Reply with the single word OK."

type checkResult int

const (
	checkOK checkResult = iota
	checkWarn
	checkFail
	checkSkip
)

type diagnosis struct {
	a                    *app
	ok, warn, fail, skip *color.Color
	failed               int
}

func (d *diagnosis) report(res checkResult, name, format string, args ...any) {
	col, label := d.ok, "ok  "
	switch res {
	case checkWarn:
		col, label = d.warn, "warn"
	case checkFail:
		col, label = d.fail, "FAIL"
		d.failed++
	case checkSkip:
		col, label = d.skip, "skip"
	}
	fmt.Fprintf(d.a.stdout, "%s %-8s %s\n", col.Sprint(label), name, fmt.Sprintf(format, args...))
}

func newDiagnoseCmd(a *app) *cobra.Command {
	var (
		skipLLM bool
		noColor bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check configuration, storage, file access and the model",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &diagnosis{
				a:    a,
				ok:   color.New(color.FgGreen),
				warn: color.New(color.FgYellow),
				fail: color.New(color.FgRed, color.Bold),
				skip: color.New(color.FgHiBlack),
			}
			if noColor {
				for _, c := range []*color.Color{d.ok, d.warn, d.fail, d.skip} {
					c.DisableColor()
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			d.config()
			d.store(ctx)
			d.executor(ctx)
			d.files()
			if skipLLM {
				d.report(checkSkip, "llm", "--skip-llm")
			} else {
				d.llm(ctx)
			}

			if d.failed > 0 {
				return fmt.Errorf("%d check(s) failed", d.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipLLM, "skip-llm", false, "do not call the model")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "overall deadline for the checks")
	return cmd
}

func (d *diagnosis) config() {
	issues := config.Validate(d.a.cfg)
	if len(issues) == 0 {
		d.report(checkOK, "config", "no issues")
		return
	}
	for _, is := range issues {
		res := checkWarn
		if is.Severity == config.SeverityError {
			res = checkFail
		}
		d.report(res, "config", "%s: %s", is.Path, is.Message)
	}
}

func (d *diagnosis) store(ctx context.Context) {
	cfg := d.a.cfg.Store
	s, err := d.a.openStore(ctx, storage.Config{Kind: cfg.Kind, DSN: cfg.DSN})
	if err != nil {
		d.report(checkFail, "store", "open %s: %v", cfg.Kind, err)
		return
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		d.report(checkFail, "store", "ping %s: %v", cfg.Kind, err)
		return
	}
	d.report(checkOK, "store", "%s reachable", cfg.Kind)
}

// probeQuery is a statement every supported target accepts.
func probeQuery(kind string) string {
	if kind == "oracle" {
		return "SELECT 1 FROM dual"
	}
	return "SELECT 1"
}

func (d *diagnosis) executor(ctx context.Context) {
	cfg := d.a.cfg.Exec
	ex, err := d.a.openExecutor(ctx, storage.Config{Kind: cfg.Kind, DSN: cfg.DSN})
	if err != nil {
		d.report(checkFail, "exec", "open %s: %v", cfg.Kind, err)
		return
	}
	defer ex.Close()
	if err := ex.Ping(ctx); err != nil {
		d.report(checkFail, "exec", "ping %s: %v", cfg.Kind, err)
		return
	}
	if err := ex.Exec(ctx, probeQuery(cfg.Kind)); err != nil {
		d.report(checkFail, "exec", "%s rejected a probe query: %v", cfg.Kind, err)
		return
	}
	d.report(checkOK, "exec", "%s accepts statements", cfg.Kind)
}

func (d *diagnosis) files() {
	cfg := d.a.cfg.Files
	if cfg.BaseURL != "" {
		d.report(checkOK, "files", "remote store %s", cfg.BaseURL)
	} else if fi, err := os.Stat(cfg.Root); err != nil {
		d.report(checkFail, "files", "root %s: %v", cfg.Root, err)
	} else if !fi.IsDir() {
		d.report(checkFail, "files", "root %s is not a directory", cfg.Root)
	} else {
		d.report(checkOK, "files", "root %s", cfg.Root)
	}

	if cfg.SampleDir == "" {
		return
	}
	if fi, err := os.Stat(cfg.SampleDir); err != nil || !fi.IsDir() {
		d.report(checkWarn, "files", "sample dir %s is not available", cfg.SampleDir)
		return
	}
	d.report(checkOK, "files", "sample dir %s", cfg.SampleDir)
}

func (d *diagnosis) llm(ctx context.Context) {
	start := time.Now()
	reply, err := d.a.newInvoker(d.a.cfg.LLM).Invoke(ctx, pingPrompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.report(checkFail, "llm", "no reply before the deadline")
			return
		}
		d.report(checkFail, "llm", "%v", err)
		return
	}
	d.report(checkOK, "llm", "%s replied %q in %s (cost $%.6f)",
		reply.Model, strings.TrimSpace(reply.Text), time.Since(start).Truncate(time.Millisecond), reply.Cost)
}
