package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lakeforge/internal/events"
	"lakeforge/internal/model"
	"lakeforge/internal/pipeline"
	"lakeforge/internal/storage"
)

type consoleFlags struct {
	noColor    bool
	noProgress bool
}

func (f *consoleFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "disable colored output")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "disable the stage progress bar")
}

func (f consoleFlags) console(a *app) *events.Console {
	return events.NewConsole(a.stdout, events.ConsoleOptions{NoColor: f.noColor, Progress: !f.noProgress})
}

func newRunCmd(a *app) *cobra.Command {
	var (
		session string
		dialect string
		maxIter int
		cf      consoleFlags
	)
	cmd := &cobra.Command{
		Use:   "run [flags] FILE_KEY...",
		Short: "Build a database from files in the foreground",
		Long: `run drives one session to completion and prints its events. Keys resolve
against files.root (or files.base_url), then the sample directory; absolute
paths are read as-is. The exit code is 1 when the build fails.`,
		Example: `  lakeforge run uploads/customers.csv uploads/orders.json
  lakeforge run --dialect sqlite --max-iterations 2 /data/export.xml`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.startMetrics(ctx); err != nil {
				return err
			}
			rt, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			if session == "" {
				session = uuid.NewString()
			}

			console := cf.console(a)
			orch := pipeline.NewOrchestrator(rt.set, rt.store, console, a.defaults())
			st, err := orch.Run(ctx, pipeline.Trigger{
				SessionID: session,
				FileKeys:  args,
				Options:   model.Options{TargetDialect: dialect, MaxIterations: maxIter},
			})
			console.Stop()
			if errors.Is(err, pipeline.ErrInvalidTrigger) {
				return usageErr(err)
			}
			return a.report(session, st, err)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (default: a new UUID)")
	cmd.Flags().StringVar(&dialect, "dialect", "", "target SQL dialect (default: pipeline.target_dialect)")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "validation/correction rounds (default: pipeline.max_iterations)")
	cf.bind(cmd)
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var cf consoleFlags
	cmd := &cobra.Command{
		Use:   "resume SESSION_ID",
		Short: "Continue a session from its last checkpoint",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.startMetrics(ctx); err != nil {
				return err
			}
			rt, err := a.open(ctx, true)
			if err != nil {
				return err
			}

			id := args[0]
			console := cf.console(a)
			orch := pipeline.NewOrchestrator(rt.set, rt.store, console, a.defaults())
			st, err := orch.Resume(ctx, id)
			console.Stop()
			switch {
			case errors.Is(err, pipeline.ErrAlreadyComplete):
				fmt.Fprintf(a.stdout, "session %s is already complete\n", id)
				return nil
			case errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("session %s has no checkpoint: %w", id, err)
			}
			return a.report(id, st, err)
		},
	}
	cf.bind(cmd)
	return cmd
}

// report prints the outcome of a foreground run.
func (a *app) report(id string, st model.PipelineState, err error) error {
	if err != nil {
		return fmt.Errorf("session %s failed: %w", id, err)
	}
	fmt.Fprintf(a.stdout, "session %s %s: %d tables, %d iterations, cost $%.4f\n",
		id, st.Status, len(st.Entities), st.IterationCount, st.TotalCost)
	return nil
}
