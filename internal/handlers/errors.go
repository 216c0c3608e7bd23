package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/inbox"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/ownership"
	"github.com/memohai/omnibox/internal/users"
)

// ErrorResponse is the body echo writes for *echo.HTTPError.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Validator adapts go-playground/validator to echo.Validator.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a request validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *Validator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// bindAndValidate decodes the request body into req and validates it.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(req)
}

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	var validation *message.ValidationError
	var sendErr *channel.SendError
	switch {
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, inbox.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, ownership.ErrNotFound),
		errors.Is(err, users.ErrNotFound),
		errors.Is(err, channel.ErrNoCustomer):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, users.ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, channel.ErrUnsupported):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, channel.ErrNotConnected):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &sendErr), errors.Is(err, channel.ErrEnableChannelFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
