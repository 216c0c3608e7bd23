package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

// ConnectHandler drives the connection flow of every platform.
type ConnectHandler struct {
	logger    *slog.Logger
	lifecycle *channel.Lifecycle
	registry  *channel.Registry
	jwtSecret string
	publicURL string
}

func NewConnectHandler(log *slog.Logger, lifecycle *channel.Lifecycle, registry *channel.Registry, jwtSecret, publicURL string) *ConnectHandler {
	return &ConnectHandler{
		logger:    log.With(slog.String("handler", "connect")),
		lifecycle: lifecycle,
		registry:  registry,
		jwtSecret: jwtSecret,
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
	}
}

func (h *ConnectHandler) Register(e *echo.Echo) {
	group := e.Group("/connect/:platform")
	group.POST("/initiate", h.Initiate)
	group.POST("/finalize", h.Finalize)
	group.GET("/status", h.Status)
	e.GET("/slack/callback", h.SlackCallback)
}

// Initiate godoc
// @Summary Start connecting a platform
// @Tags connect
// @Param platform path string true "Platform"
// @Success 200 {object} channel.Initiation
// @Failure 400 {object} ErrorResponse
// @Router /connect/{platform}/initiate [post]
func (h *ConnectHandler) Initiate(c echo.Context) error {
	userID, platform, err := h.target(c)
	if err != nil {
		return err
	}
	initiation, err := h.lifecycle.Initiate(c.Request().Context(), userID, platform)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, initiation)
}

// Finalize godoc
// @Summary Finish connecting a platform
// @Description The body carries platform specific fields such as botToken or code
// @Tags connect
// @Param platform path string true "Platform"
// @Success 200 {object} accounts.Account
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /connect/{platform}/finalize [post]
func (h *ConnectHandler) Finalize(c echo.Context) error {
	userID, platform, err := h.target(c)
	if err != nil {
		return err
	}
	input := map[string]string{}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&input); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	acct, err := h.lifecycle.Finalize(c.Request().Context(), userID, platform, input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, acct)
}

// Status godoc
// @Summary Connection status of a platform
// @Tags connect
// @Param platform path string true "Platform"
// @Success 200 {object} channel.StatusReport
// @Router /connect/{platform}/status [get]
func (h *ConnectHandler) Status(c echo.Context) error {
	userID, platform, err := h.target(c)
	if err != nil {
		return err
	}
	report, err := h.lifecycle.Status(c.Request().Context(), userID, platform)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// SlackCallback completes the Slack OAuth install. The user comes from the
// signed state, the request itself carries no session.
func (h *ConnectHandler) SlackCallback(c echo.Context) error {
	if reason := strings.TrimSpace(c.QueryParam("error")); reason != "" {
		return h.finishCallback(c, http.StatusBadRequest, "error", reason)
	}
	code := strings.TrimSpace(c.QueryParam("code"))
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	state, err := auth.ParseStateToken(c.QueryParam("state"), h.jwtSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state")
	}
	if state.Platform != "" && state.Platform != message.PlatformSlack.String() {
		return echo.NewHTTPError(http.StatusBadRequest, "state was issued for another platform")
	}
	if _, err := h.lifecycle.Finalize(c.Request().Context(), state.UserID, message.PlatformSlack, map[string]string{"code": code}); err != nil {
		h.logger.Warn("slack oauth finalize failed", slog.String("user_id", state.UserID), slog.Any("error", err))
		return httpError(err)
	}
	h.logger.Info("slack installed", slog.String("user_id", state.UserID))
	return h.finishCallback(c, http.StatusOK, "status", "connected")
}

func (h *ConnectHandler) finishCallback(c echo.Context, status int, key, value string) error {
	if h.publicURL == "" {
		return c.JSON(status, map[string]string{"platform": message.PlatformSlack.String(), key: value})
	}
	q := url.Values{}
	q.Set("platform", message.PlatformSlack.String())
	q.Set(key, value)
	return c.Redirect(http.StatusFound, h.publicURL+"/?"+q.Encode())
}

func (h *ConnectHandler) target(c echo.Context) (string, message.Platform, error) {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return "", "", err
	}
	platform, err := h.registry.ParsePlatform(c.Param("platform"))
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return userID, platform, nil
}
