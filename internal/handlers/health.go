package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/healthcheck"
	"github.com/memohai/omnibox/internal/users"
)

type HealthHandler struct {
	logger  *slog.Logger
	checker healthcheck.Checker
}

func NewHealthHandler(log *slog.Logger, checker healthcheck.Checker) *HealthHandler {
	return &HealthHandler{
		logger:  log.With(slog.String("handler", "health")),
		checker: checker,
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health/connections", h.Connections)
}

func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HealthHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type ConnectionsHealthResponse struct {
	Status string                    `json:"status"`
	Checks []healthcheck.CheckResult `json:"checks"`
}

// Connections godoc
// @Summary Connection health
// @Description Connection checks of the current user; admins see every connection
// @Tags health
// @Success 200 {object} ConnectionsHealthResponse
// @Failure 401 {object} ErrorResponse
// @Router /health/connections [get]
func (h *HealthHandler) Connections(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	if auth.RoleFromContext(c) == users.RoleAdmin {
		userID = ""
	}
	checks := h.checker.ListChecks(c.Request().Context(), userID)
	return c.JSON(http.StatusOK, ConnectionsHealthResponse{
		Status: healthcheck.Worst(checks),
		Checks: checks,
	})
}
