package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/inbox"
	"github.com/memohai/omnibox/internal/message"
)

// AccountLister lists the accounts of a user.
type AccountLister interface {
	ListByUser(ctx context.Context, userID string) ([]accounts.Account, error)
}

// StatusReader reports runtime connection state.
type StatusReader interface {
	Registry() *channel.Registry
	Status(key channel.Key) channel.ConnectionStatus
}

type AccountsHandler struct {
	logger   *slog.Logger
	accounts AccountLister
	inbox    *inbox.Service
}

func NewAccountsHandler(log *slog.Logger, accts AccountLister, inboxService *inbox.Service) *AccountsHandler {
	return &AccountsHandler{
		logger:   log.With(slog.String("handler", "accounts")),
		accounts: accts,
		inbox:    inboxService,
	}
}

func (h *AccountsHandler) Register(e *echo.Echo) {
	group := e.Group("/accounts")
	group.GET("", h.List)
	group.GET("/inbox", h.Inbox)
	group.GET("/contacts", h.Contacts)
}

// List godoc
// @Summary Connected accounts of the current user
// @Tags accounts
// @Success 200 {array} accounts.Account
// @Router /accounts [get]
func (h *AccountsHandler) List(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.accounts.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// Inbox godoc
// @Summary Consolidated inbox, newest first
// @Tags accounts
// @Param limit query int false "Messages per platform"
// @Success 200 {array} message.Message
// @Router /accounts/inbox [get]
func (h *AccountsHandler) Inbox(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	msgs, err := h.inbox.GetInbox(c.Request().Context(), userID, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// Contacts godoc
// @Summary Contacts merged across live connections
// @Tags accounts
// @Success 200 {object} map[string]string
// @Router /accounts/contacts [get]
func (h *AccountsHandler) Contacts(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	contacts, err := h.inbox.GetContacts(c.Request().Context(), userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, contacts)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	if limit > message.MaxLimit {
		limit = message.MaxLimit
	}
	return limit, nil
}
