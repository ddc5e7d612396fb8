// Command lakeforge builds a working relational database from uploaded data
// files: it parses them, asks a model for a schema and inserts, validates and
// corrects the schema, and executes the result against a target database.
//
// Subcommands:
//
//	serve     run the HTTP API
//	run       build one session in the foreground
//	resume    continue a session from its checkpoint
//	parse     parse local files or URLs and print the result
//	diagnose  check configuration and connectivity
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// exitError carries the process exit code for err.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// usageErr marks err as a usage problem (exit code 2).
func usageErr(err error) error {
	return &exitError{code: 2, err: err}
}

// usageArgs turns cobra's argument validation failures into usage errors.
func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return usageErr(err)
		}
		return nil
	}
}

// runMain executes the CLI and returns the process exit code:
// 0 on success, 1 on a failed run or check, 2 on usage or configuration errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, d deps) int {
	a := &app{deps: d, stdout: stdout, stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, "error:", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "lakeforge",
		Short: "Turn uploaded data files into a working database",
		Long: `lakeforge parses CSV, JSON, XML, HTML and text uploads, infers the
entities they describe, generates and validates a schema for the target
dialect, and loads the sample data into it.

Configuration is read from ./lakeforge.yaml (or --config), a .env file and
LAKEFORGE_* environment variables, in increasing precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageErr(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default is ./lakeforge.yaml when present)")
	pf.StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "", "override log.format (json, console)")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newResumeCmd(a),
		newParseCmd(a),
		newDiagnoseCmd(a),
	)
	return root
}
