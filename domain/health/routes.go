package health

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers health and queue metrics routes.
func RegisterRoutes(e *echo.Echo, h *Handler, m *MetricsHandler) {
	e.GET("/health", h.Health)
	e.GET("/healthz", h.Healthz)
	e.GET("/ready", h.Ready)
	e.GET("/api/health", h.Health)

	e.GET("/api/queues", m.QueueStats)
}
