package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// MetricsHandler exposes the Prometheus scrape endpoint.
type MetricsHandler struct {
	handler http.Handler
}

func NewMetricsHandler(h http.Handler) *MetricsHandler {
	return &MetricsHandler{handler: h}
}

func (h *MetricsHandler) Register(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(h.handler))
}
