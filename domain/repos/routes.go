package repos

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the tracked repositories routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/repos")

	g.GET("", h.List)
	g.POST("", h.Create)
	g.POST("/:id/scan", h.TriggerScan)
}
