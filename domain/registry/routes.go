package registry

import (
	"github.com/labstack/echo/v4"

	"github.com/fnf-ea/mcp-orch/pkg/auth"
)

// RegisterRoutes registers registry management routes. Management always
// requires a verified caller, independent of per-server jwt_required.
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/projects/:projectId/servers")
	g.Use(authMiddleware.Authenticate())
	g.Use(authMiddleware.RequireAuth())

	g.GET("", h.ListServers)
	g.POST("", h.CreateServer)
	g.GET("/:ref", h.GetServer)
	g.PATCH("/:ref", h.UpdateServer)
	g.DELETE("/:ref", h.DeleteServer)
	g.GET("/:ref/status", h.InspectServer)
}
