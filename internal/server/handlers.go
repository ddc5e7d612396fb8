package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lakeforge/internal/events"
	"lakeforge/internal/model"
	"lakeforge/internal/pipeline"
	"lakeforge/internal/storage"
)

const keepAlive = 15 * time.Second

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": serviceName})
}

// run starts a pipeline for an explicit session id and returns immediately.
// options.maxIterations of 0 means the configured pipeline.max_iterations.
func (s *Server) run(c *gin.Context) {
	var tr pipeline.Trigger
	if err := c.ShouldBindJSON(&tr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.Start(tr); err != nil {
		s.startError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "sessionId": tr.SessionID})
}

type createRequest struct {
	FileKeys []string      `json:"fileKeys"`
	Options  model.Options `json:"options"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.svc.Create(c.Request.Context(), req.FileKeys, req.Options)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidTrigger) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.internal(c, "create session", err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type checkpointSummary struct {
	Status         model.Status  `json:"status"`
	IterationCount int           `json:"iterationCount"`
	MaxIterations  int           `json:"maxIterations"`
	EntityCount    int           `json:"entityCount"`
	TargetDialect  model.Dialect `json:"targetDialect"`
	TotalCost      float64       `json:"totalCost"`
	Error          string        `json:"error,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s.internal(c, "get session", err)
		return
	}

	var summary *checkpointSummary
	st, err := s.store.LoadCheckpoint(c.Request.Context(), id)
	switch {
	case err == nil:
		summary = &checkpointSummary{
			Status:         st.Status,
			IterationCount: st.IterationCount,
			MaxIterations:  st.MaxIterations,
			EntityCount:    len(st.Entities),
			TargetDialect:  st.TargetDialect,
			TotalCost:      st.TotalCost,
			Error:          st.Error,
			UpdatedAt:      st.UpdatedAt,
		}
	case !errors.Is(err, storage.ErrNotFound):
		s.internal(c, "load checkpoint", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":    sess,
		"checkpoint": summary,
		"running":    s.svc.Running(id),
	})
}

func (s *Server) resume(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.StartResume(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint for session"})
			return
		}
		s.startError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "sessionId": id})
}

func (s *Server) listEvents(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	after, err := parseSeq(c.Query("after"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after " + err.Error()})
		return
	}
	evs, err := s.store.ListEvents(c.Request.Context(), id, after)
	if err != nil {
		s.internal(c, "list events", err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// stream replays stored events after Last-Event-ID (or ?after=) and then
// forwards live ones. Each frame carries the event seq as its id. It ends
// after a terminal build event.
func (s *Server) stream(c *gin.Context) {
	id := c.Param("id")
	cursor := c.GetHeader("Last-Event-ID")
	if cursor == "" {
		cursor = c.Query("after")
	}
	last, err := parseSeq(cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after " + err.Error()})
		return
	}

	// Subscribe before the replay query so nothing falls between the two.
	live, unsubscribe := s.broker.Subscribe(id, 0)
	defer unsubscribe()

	replay, err := s.store.ListEvents(c.Request.Context(), id, last)
	if err != nil {
		s.internal(c, "list events", err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	done := false
	send := func(ev events.Event) {
		if ev.Seq <= last {
			return
		}
		last = ev.Seq
		// id lets EventSource clients reconnect with Last-Event-ID.
		c.Render(-1, sse.Event{Id: strconv.FormatInt(ev.Seq, 10), Event: string(ev.Type), Data: ev})
		done = terminal(ev.Type)
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		if replay != nil {
			for _, ev := range replay {
				send(ev)
			}
			replay = nil
			return !done
		}
		select {
		case ev, ok := <-live:
			if !ok {
				return false
			}
			send(ev)
			return !done
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"seq": last})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func terminal(t events.Type) bool {
	return t == events.BuildSucceeded || t == events.BuildFailed
}

func (s *Server) startError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidTrigger):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
	default:
		s.internal(c, "start run", err)
	}
}

func (s *Server) internal(c *gin.Context, op string, err error) {
	zap.L().Error(op+" failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}
