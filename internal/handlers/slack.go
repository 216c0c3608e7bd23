package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/inbox"
	"github.com/memohai/omnibox/internal/message"
)

// SlackHandler reads Slack workspaces live instead of from the store.
type SlackHandler struct {
	logger *slog.Logger
	inbox  *inbox.Service
}

func NewSlackHandler(log *slog.Logger, inboxService *inbox.Service) *SlackHandler {
	return &SlackHandler{
		logger: log.With(slog.String("handler", "slack")),
		inbox:  inboxService,
	}
}

func (h *SlackHandler) Register(e *echo.Echo) {
	group := e.Group("/slack/channels")
	group.GET("", h.Channels)
	group.GET("/:id/messages", h.Messages)
	group.GET("/:id/summary", h.Summary)
}

// Channels godoc
// @Summary Slack conversations the bot is a member of
// @Tags slack
// @Success 200 {array} channel.Room
// @Failure 409 {object} ErrorResponse
// @Router /slack/channels [get]
func (h *SlackHandler) Channels(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	rooms, err := h.inbox.LiveRooms(c.Request().Context(), userID, message.PlatformSlack)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rooms)
}

// Messages godoc
// @Summary Live history of a Slack conversation
// @Tags slack
// @Param id path string true "Conversation id"
// @Success 200 {array} message.Message
// @Router /slack/channels/{id}/messages [get]
func (h *SlackHandler) Messages(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	msgs, err := h.inbox.LiveHistory(c.Request().Context(), userID, message.PlatformSlack, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h *SlackHandler) Summary(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	summary, err := h.inbox.LiveSummary(c.Request().Context(), userID, message.PlatformSlack, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}
