package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"goa.design/clue/log"

	"github.com/flitsinc/runledger/internal/agents"
	"github.com/flitsinc/runledger/internal/eventbus"
	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/idgen"
	"github.com/flitsinc/runledger/internal/runlog"
	"github.com/flitsinc/runledger/internal/runner"
)

const defaultAgent = "echo"

type Server struct {
	Coordinator *runner.Coordinator
	Store       runlog.Store
	Bus         *eventbus.Bus
	Agents      *agents.Registry
	// LogContext carries the logger requests are logged with.
	LogContext context.Context
	StartedAt  time.Time
}

type runBody struct {
	Agent          string           `json:"agent"`
	RunID          string           `json:"runId"`
	Messages       []events.Message `json:"messages"`
	State          json.RawMessage  `json:"state"`
	Tools          json.RawMessage  `json:"tools"`
	Context        json.RawMessage  `json:"context"`
	ForwardedProps json.RawMessage  `json:"forwardedProps"`
}

type statusResponse struct {
	ThreadID  string     `json:"thread_id"`
	Running   bool       `json:"running"`
	RunID     string     `json:"run_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(s.LogContext))

	e.GET("/api/health", s.handleHealth)
	e.GET("/api/agents", s.handleAgents)
	e.GET("/api/runs/active", s.handleActiveRuns)
	e.GET("/api/runs/ws", s.handleNoticesWS)
	e.GET("/api/notices", s.handleNotices)
	e.POST("/api/threads/:thread_id/runs", s.handleRun)
	e.GET("/api/threads/:thread_id/runs", s.handleListRuns)
	e.GET("/api/threads/:thread_id/status", s.handleStatus)
	e.POST("/api/threads/:thread_id/stop", s.handleStop)
	e.GET("/api/threads/:thread_id/connect", s.handleConnect)

	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC(),
		"started_at":  s.StartedAt,
		"active_runs": len(s.Coordinator.ActiveRuns()),
	})
}

func (s *Server) handleAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"agents": s.Agents.Names()})
}

func (s *Server) handleActiveRuns(c echo.Context) error {
	runs := s.Coordinator.ActiveRuns()
	if runs == nil {
		runs = []runner.RunInfo{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleNotices(c echo.Context) error {
	if s.Bus == nil {
		return writeError(c, http.StatusNotFound, errNotFound("notice bus"))
	}
	q := c.QueryParams()
	notices := s.Bus.List(eventbus.ListOptions{
		ThreadID: q.Get("thread_id"),
		Limit:    parseInt(q.Get("limit"), 50),
		Order:    q.Get("order"),
	})
	if notices == nil {
		notices = []eventbus.Notice{}
	}
	return c.JSON(http.StatusOK, notices)
}

// handleRun starts a run and streams its events as newline delimited JSON
// until the terminal event. A client that goes away only detaches; the run
// keeps going and can be rejoined with connect.
func (s *Server) handleRun(c echo.Context) error {
	threadID := c.Param("thread_id")
	if err := idgen.ValidateThreadID(threadID); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	var body runBody
	if err := decodeJSON(c.Request().Body, &body); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	name := body.Agent
	if name == "" {
		name = defaultAgent
	}
	agent, err := s.Agents.New(name)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}

	ctx := c.Request().Context()
	exec, err := s.Coordinator.Run(ctx, runner.RunRequest{
		ThreadID:       threadID,
		RunID:          body.RunID,
		Agent:          agent,
		Messages:       body.Messages,
		State:          body.State,
		Tools:          body.Tools,
		Context:        body.Context,
		ForwardedProps: body.ForwardedProps,
	})
	if err != nil {
		var active *runner.ActiveRunError
		switch {
		case errors.As(err, &active):
			return c.JSON(http.StatusConflict, map[string]any{"error": err.Error(), "run_id": active.RunID})
		case errors.Is(err, runner.ErrRunExists):
			return writeError(c, http.StatusConflict, err)
		case errors.Is(err, runner.ErrClosed):
			return writeError(c, http.StatusServiceUnavailable, err)
		default:
			return writeError(c, http.StatusInternalServerError, err)
		}
	}

	stream := exec.Subscribe()
	defer stream.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.Header().Set("X-Run-Id", exec.RunID)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	enc := json.NewEncoder(res)
	for {
		e, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			log.Debug(ctx, log.KV{K: "msg", V: "run stream detached"}, log.KV{K: "run_id", V: exec.RunID})
			return nil
		}
		if err := enc.Encode(e); err != nil {
			return nil
		}
		res.Flush()
	}
}

func (s *Server) handleListRuns(c echo.Context) error {
	threadID := c.Param("thread_id")
	if err := idgen.ValidateThreadID(threadID); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	recs, err := s.Store.ListRuns(c.Request().Context(), threadID)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err)
	}
	if recs == nil {
		recs = []runlog.Record{}
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) handleStatus(c echo.Context) error {
	threadID := c.Param("thread_id")
	if err := idgen.ValidateThreadID(threadID); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	resp := statusResponse{ThreadID: threadID}
	if info, ok := s.Coordinator.ActiveRun(threadID); ok {
		resp.Running = true
		resp.RunID = info.RunID
		resp.StartedAt = &info.StartedAt
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStop(c echo.Context) error {
	threadID := c.Param("thread_id")
	if err := idgen.ValidateThreadID(threadID); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	stopped := s.Coordinator.Stop(c.Request().Context(), threadID)
	return c.JSON(http.StatusOK, map[string]any{"thread_id": threadID, "stopped": stopped})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeError(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]any{"error": err.Error()})
}

// requestLogger attaches the base logger to each request context and logs
// the request once it is served.
func requestLogger(base context.Context) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			if base != nil {
				ctx = log.WithContext(ctx, base)
			}
			ctx = log.With(ctx, log.KV{K: "method", V: req.Method}, log.KV{K: "route", V: c.Path()})
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			log.Info(ctx, log.KV{K: "msg", V: "request served"},
				log.KV{K: "status", V: c.Response().Status},
				log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()})
			return nil
		}
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
