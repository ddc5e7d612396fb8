package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lakeforge/internal/events"
	"lakeforge/internal/pipeline"
	"lakeforge/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `serve accepts pipeline triggers over HTTP, runs them in the background and
streams their events to subscribers. SIGINT or SIGTERM drains in-flight
requests and cancels running sessions; their checkpoints allow a resume.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				a.cfg.Server.Port = port
			}
			if err := a.checkConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.startMetrics(ctx); err != nil {
				return err
			}
			rt, err := a.open(ctx, false)
			if err != nil {
				return err
			}

			broker := events.NewBroker()
			orch := pipeline.NewOrchestrator(rt.set, rt.store, events.Fanout{broker, events.LogSink{}}, a.defaults())
			svc := pipeline.NewService(orch, rt.store)
			srv := server.New(svc, rt.store, broker)

			addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
			zap.L().Info("listening",
				zap.String("addr", addr),
				zap.String("store", a.cfg.Store.Kind),
				zap.String("exec", a.cfg.Exec.Kind),
				zap.Strings("models", a.cfg.LLM.Models))
			return a.serve(ctx, srv, addr, a.cfg.Server.ShutdownTimeout)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}
