package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

type PlatformsHandler struct {
	logger   *slog.Logger
	accounts AccountLister
	status   StatusReader
}

func NewPlatformsHandler(log *slog.Logger, accts AccountLister, status StatusReader) *PlatformsHandler {
	return &PlatformsHandler{
		logger:   log.With(slog.String("handler", "platforms")),
		accounts: accts,
		status:   status,
	}
}

func (h *PlatformsHandler) Register(e *echo.Echo) {
	e.GET("/platforms", h.List)
}

type PlatformResponse struct {
	Platform    message.Platform `json:"platform"`
	DisplayName string           `json:"displayName"`
	Pairing     bool             `json:"pairing"`
	Linked      bool             `json:"linked"`
	Connected   bool             `json:"connected"`
	Status      channel.Status   `json:"status"`
}

// List godoc
// @Summary Supported platforms
// @Description Registered platforms with the current user's connection state
// @Tags platforms
// @Success 200 {array} PlatformResponse
// @Router /platforms [get]
func (h *PlatformsHandler) List(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.accounts.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return httpError(err)
	}
	linked := make(map[message.Platform]bool, len(items))
	for _, acct := range items {
		linked[acct.Platform] = true
	}
	registry := h.status.Registry()
	descriptors := registry.ListDescriptors()
	out := make([]PlatformResponse, 0, len(descriptors))
	for _, desc := range descriptors {
		status := channel.StatusDisconnected
		if linked[desc.Platform] {
			status = h.status.Status(registry.KeyFor(desc.Platform, userID)).Status
		}
		out = append(out, PlatformResponse{
			Platform:    desc.Platform,
			DisplayName: desc.DisplayName,
			Pairing:     desc.Pairing,
			Linked:      linked[desc.Platform],
			Connected:   status == channel.StatusConnected,
			Status:      status,
		})
	}
	return c.JSON(http.StatusOK, out)
}
