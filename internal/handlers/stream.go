package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/message/event"
)

const (
	streamBuffer      = 128
	heartbeatInterval = 20 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Subscriber hands out event streams.
type Subscriber interface {
	Subscribe(buffer int) (string, <-chan event.Event, func())
}

// StreamHandler pushes the current user's new messages over WebSocket and SSE.
type StreamHandler struct {
	logger   *slog.Logger
	events   Subscriber
	upgrader websocket.Upgrader
}

func NewStreamHandler(log *slog.Logger, events Subscriber) *StreamHandler {
	return &StreamHandler{
		logger: log.With(slog.String("handler", "stream")),
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the dashboard origin; the JWT guards access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.WebSocket)
	e.GET("/events", h.SSE)
}

// StreamFrame is one pushed notification.
type StreamFrame struct {
	Event string          `json:"event"`
	Data  message.Message `json:"data"`
}

func frameFor(evt event.Event, userID string) (StreamFrame, bool) {
	if evt.Type != event.EventTypeNewMessage || evt.OwnerID != userID {
		return StreamFrame{}, false
	}
	return StreamFrame{Event: string(evt.Type), Data: evt.Message}, true
}

// WebSocket upgrades the request and writes one JSON frame per message.
func (h *StreamHandler) WebSocket(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer conn.Close()

	subID, stream, cancel := h.events.Subscribe(streamBuffer)
	defer cancel()
	h.logger.Debug("websocket subscribed", slog.String("user_id", userID), slog.String("subscriber_id", subID))

	// The read side only drains control frames and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		case evt, ok := <-stream:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return nil
			}
			frame, ok := frameFor(evt, userID)
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Debug("websocket write failed", slog.Any("error", err))
				return nil
			}
		}
	}
}

// SSE godoc
// @Summary Stream new messages as server-sent events
// @Tags stream
// @Produce text/event-stream
// @Success 200 {string} string
// @Router /events [get]
func (h *StreamHandler) SSE(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	writer := bufio.NewWriter(c.Response().Writer)

	_, stream, cancel := h.events.Subscribe(streamBuffer)
	defer cancel()

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-heartbeatTicker.C:
			if err := writeSSEJSON(writer, flusher, map[string]any{"type": "ping"}); err != nil {
				return nil
			}
		case evt, ok := <-stream:
			if !ok {
				return nil
			}
			frame, ok := frameFor(evt, userID)
			if !ok {
				continue
			}
			if err := writeSSEJSON(writer, flusher, frame); err != nil {
				return nil
			}
		}
	}
}

func writeSSEData(writer *bufio.Writer, flusher http.Flusher, payload string) error {
	if _, err := writer.WriteString(fmt.Sprintf("data: %s\n\n", payload)); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEJSON(writer *bufio.Writer, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeSSEData(writer, flusher, string(data))
}
