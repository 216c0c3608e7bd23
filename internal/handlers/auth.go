package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/users"
)

type AuthHandler struct {
	logger    *slog.Logger
	users     *users.Service
	jwtSecret string
	expiresIn time.Duration
}

func NewAuthHandler(log *slog.Logger, userService *users.Service, jwtSecret string, expiresIn time.Duration) *AuthHandler {
	return &AuthHandler{
		logger:    log.With(slog.String("handler", "auth")),
		users:     userService,
		jwtSecret: jwtSecret,
		expiresIn: expiresIn,
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	group := e.Group("/auth")
	group.POST("/signup", h.Signup)
	group.POST("/login", h.Login)
	group.GET("/verify", h.Verify)
}

type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"omitempty,min=2,max=64"`
	Password string `json:"password" validate:"required,min=8"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	AccessToken string     `json:"accessToken"`
	TokenType   string     `json:"tokenType"`
	ExpiresAt   string     `json:"expiresAt"`
	User        users.User `json:"user"`
}

// Signup godoc
// @Summary Create a user
// @Tags auth
// @Param payload body SignupRequest true "Signup payload"
// @Success 201 {object} TokenResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/signup [post]
func (h *AuthHandler) Signup(c echo.Context) error {
	var req SignupRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	user, err := h.users.Signup(c.Request().Context(), req.Email, req.Username, req.Password)
	if err != nil {
		return httpError(err)
	}
	h.logger.Info("user signed up", slog.String("user_id", user.ID))
	return h.issue(c, http.StatusCreated, user)
}

// Login godoc
// @Summary Log in
// @Tags auth
// @Param payload body LoginRequest true "Login payload"
// @Success 200 {object} TokenResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	user, err := h.users.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return httpError(err)
	}
	return h.issue(c, http.StatusOK, user)
}

// Verify returns the user behind the presented token.
func (h *AuthHandler) Verify(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	user, err := h.users.Get(c.Request().Context(), userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"valid": true, "user": user})
}

func (h *AuthHandler) issue(c echo.Context, status int, user users.User) error {
	token, expiresAt, err := auth.GenerateToken(user.ID, user.Role, h.jwtSecret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(status, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		User:        user,
	})
}
