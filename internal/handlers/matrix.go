package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/inbox"
	"github.com/memohai/omnibox/internal/message"
)

// MatrixHandler reads the shared Matrix session live instead of from the store.
type MatrixHandler struct {
	logger *slog.Logger
	inbox  *inbox.Service
}

func NewMatrixHandler(log *slog.Logger, inboxService *inbox.Service) *MatrixHandler {
	return &MatrixHandler{
		logger: log.With(slog.String("handler", "matrix")),
		inbox:  inboxService,
	}
}

func (h *MatrixHandler) Register(e *echo.Echo) {
	group := e.Group("/matrix/rooms")
	group.GET("", h.Rooms)
	group.GET("/:id/messages", h.Messages)
	group.GET("/:id/summary", h.Summary)
	group.GET("/:id/customer", h.Customer)
}

// Rooms godoc
// @Summary Joined Matrix rooms owned by the caller
// @Tags matrix
// @Success 200 {array} channel.Room
// @Failure 409 {object} ErrorResponse
// @Router /matrix/rooms [get]
func (h *MatrixHandler) Rooms(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	rooms, err := h.inbox.LiveRooms(c.Request().Context(), userID, message.PlatformMatrix)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rooms)
}

// Messages godoc
// @Summary Live history of a Matrix room
// @Tags matrix
// @Param id path string true "Room id"
// @Success 200 {array} message.Message
// @Router /matrix/rooms/{id}/messages [get]
func (h *MatrixHandler) Messages(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	msgs, err := h.inbox.LiveHistory(c.Request().Context(), userID, message.PlatformMatrix, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h *MatrixHandler) Summary(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	summary, err := h.inbox.LiveSummary(c.Request().Context(), userID, message.PlatformMatrix, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// Customer godoc
// @Summary External participant of a Matrix room
// @Tags matrix
// @Param id path string true "Room id"
// @Success 200 {object} channel.Customer
// @Failure 404 {object} ErrorResponse
// @Router /matrix/rooms/{id}/customer [get]
func (h *MatrixHandler) Customer(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	customer, err := h.inbox.LiveCustomer(c.Request().Context(), userID, message.PlatformMatrix, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, customer)
}
