// Package server exposes pipeline runs over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"lakeforge/internal/events"
	"lakeforge/internal/pipeline"
	"lakeforge/internal/storage"
)

const serviceName = "lakeforge"

// Server wires the HTTP routes to a pipeline Service.
type Server struct {
	svc    *pipeline.Service
	store  storage.Store
	broker *events.Broker
	engine *gin.Engine
}

// New builds the router. broker feeds the SSE stream; it must also be a sink
// of the orchestrator behind svc.
func New(svc *pipeline.Service, store storage.Store, broker *events.Broker) *Server {
	s := &Server{svc: svc, store: store, broker: broker}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(), cors())

	r.GET("/health", s.health)
	r.POST("/run", s.run)
	r.POST("/sessions", s.createSession)
	r.GET("/sessions/:id", s.getSession)
	r.POST("/sessions/:id/resume", s.resume)
	r.GET("/sessions/:id/stream", s.stream)
	r.GET("/events", s.listEvents)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx ends, then drains in-flight
// requests and runs for up to shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrapf(err, "listen %s", addr)
	case <-ctx.Done():
	}

	zap.L().Info("http server shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return eris.Wrap(err, "http shutdown")
	}
	if err := s.svc.Shutdown(sctx); err != nil {
		return eris.Wrap(err, "wait for runs")
	}
	return nil
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func parseSeq(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
