package improvejobs

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the improvement jobs routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/jobs")

	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}
