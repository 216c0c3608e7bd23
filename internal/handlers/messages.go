package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/inbox"
	"github.com/memohai/omnibox/internal/message"
)

type MessagesHandler struct {
	logger   *slog.Logger
	inbox    *inbox.Service
	registry *channel.Registry
}

func NewMessagesHandler(log *slog.Logger, inboxService *inbox.Service, registry *channel.Registry) *MessagesHandler {
	return &MessagesHandler{
		logger:   log.With(slog.String("handler", "messages")),
		inbox:    inboxService,
		registry: registry,
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	group := e.Group("/messages/:platform/:roomId")
	group.GET("", h.List)
	group.POST("", h.Send)
	group.GET("/summary", h.Summary)
}

type SendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// List godoc
// @Summary Stored history of a room
// @Tags messages
// @Param platform path string true "Platform"
// @Param roomId path string true "Room id"
// @Param limit query int false "Max messages"
// @Param before query string false "RFC3339 time or unix milliseconds"
// @Success 200 {array} message.Message
// @Failure 403 {object} ErrorResponse
// @Router /messages/{platform}/{roomId} [get]
func (h *MessagesHandler) List(c echo.Context) error {
	userID, platform, roomID, q, err := h.request(c)
	if err != nil {
		return err
	}
	msgs, err := h.inbox.Messages(c.Request().Context(), userID, platform, roomID, q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// Send godoc
// @Summary Send a message into a room
// @Tags messages
// @Param platform path string true "Platform"
// @Param roomId path string true "Room id"
// @Param payload body SendMessageRequest true "Message"
// @Success 201 {object} message.Message
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /messages/{platform}/{roomId} [post]
func (h *MessagesHandler) Send(c echo.Context) error {
	userID, platform, roomID, _, err := h.request(c)
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	msg, err := h.inbox.Send(c.Request().Context(), userID, platform, roomID, req.Content)
	if err != nil {
		h.logger.Warn("send failed", slog.String("platform", platform.String()), slog.String("room_id", roomID), slog.Any("error", err))
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// Summary godoc
// @Summary Summary of a room's stored history
// @Tags messages
// @Param platform path string true "Platform"
// @Param roomId path string true "Room id"
// @Success 200 {object} analysis.Summary
// @Router /messages/{platform}/{roomId}/summary [get]
func (h *MessagesHandler) Summary(c echo.Context) error {
	userID, platform, roomID, q, err := h.request(c)
	if err != nil {
		return err
	}
	summary, err := h.inbox.Summarize(c.Request().Context(), userID, platform, roomID, q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *MessagesHandler) request(c echo.Context) (string, message.Platform, string, message.Query, error) {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return "", "", "", message.Query{}, err
	}
	platform, err := h.registry.ParsePlatform(c.Param("platform"))
	if err != nil {
		return "", "", "", message.Query{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	roomID := strings.TrimSpace(c.Param("roomId"))
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return "", "", "", message.Query{}, err
	}
	before, err := parseTime(c.QueryParam("before"))
	if err != nil {
		return "", "", "", message.Query{}, err
	}
	return userID, platform, roomID, message.Query{Limit: limit, Before: before}, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid before")
	}
	return t.UTC(), nil
}
