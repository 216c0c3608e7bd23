// Package server assembles the echo instance every HTTP handler registers on.
package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/omnibox/internal/auth"
)

// Handler registers its routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

var jwtSkipPaths = map[string]struct{}{
	"/ping":           {},
	"/health":         {},
	"/metrics":        {},
	"/auth/signup":    {},
	"/auth/login":     {},
	"/slack/callback": {},
}

type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the echo instance with recovery, request logging and JWT
// auth, then lets every handler register itself.
func NewServer(log *slog.Logger, addr, jwtSecret string, validator echo.Validator, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}
	logger := log.With(slog.String("component", "http"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validator
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))
	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}
	return &Server{echo: e, addr: addr}
}

// Echo exposes the underlying instance, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Start() error { return s.echo.Start(s.addr) }

func (s *Server) Stop(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func shouldSkipJWT(path string) bool {
	_, ok := jwtSkipPaths[strings.TrimRight(path, "/")]
	return ok
}
