package gateway

import (
	"github.com/labstack/echo/v4"

	"github.com/fnf-ea/mcp-orch/pkg/auth"
)

// RegisterRoutes registers the unified MCP endpoint. Authentication is
// attached but not required here: the connection-level and per-server
// requirements are enforced inside the bridge and orchestrator.
func RegisterRoutes(e *echo.Echo, b *Bridge, authMiddleware *auth.Middleware) {
	g := e.Group("/projects/:projectId/unified")
	g.Use(authMiddleware.Authenticate())

	g.GET("/sse", b.HandleSSE)
	g.POST("/messages", b.HandleMessage)
}
