package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/flitsinc/runledger/internal/eventbus"
	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/idgen"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

type eventSource interface {
	Next(ctx context.Context) (events.Event, error)
}

// handleConnect replays the thread's current or last run over a websocket,
// one text frame per event, and closes normally after the terminal event.
func (s *Server) handleConnect(c echo.Context) error {
	threadID := c.Param("thread_id")
	if err := idgen.ValidateThreadID(threadID); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	stream, err := s.Coordinator.Connect(c.Request().Context(), threadID)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err)
	}
	defer stream.Close()

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := conn.CloseRead(c.Request().Context())
	if err := streamRun(ctx, stream, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return nil
	}
	_ = conn.Close(websocket.StatusNormalClosure, "run ended")
	return nil
}

// handleNoticesWS feeds lifecycle notices, optionally filtered by the kinds
// query parameter, until the client goes away.
func (s *Server) handleNoticesWS(c echo.Context) error {
	if s.Bus == nil {
		return writeError(c, http.StatusNotFound, errNotFound("notice bus"))
	}
	var kinds []eventbus.Kind
	for _, k := range splitComma(c.QueryParam("kinds")) {
		kinds = append(kinds, eventbus.Kind(k))
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := conn.CloseRead(c.Request().Context())
	if err := streamNotices(ctx, s.Bus, kinds, conn); err != nil && !errors.Is(err, context.Canceled) {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return nil
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

func streamRun(ctx context.Context, src eventSource, writer wsWriter) error {
	for {
		e, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
			return err
		}
	}
}

func streamNotices(ctx context.Context, bus *eventbus.Bus, kinds []eventbus.Kind, writer wsWriter) error {
	sub := bus.Subscribe(ctx, kinds...)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notice, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(notice)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
