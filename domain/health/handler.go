// Package health exposes liveness, readiness, and metrics endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/fnf-ea/mcp-orch/domain/session"
)

// Handler handles health check requests.
type Handler struct {
	pool     *pgxpool.Pool
	sessions *session.Manager
	startAt  time.Time
}

// NewHandler creates a new health handler.
func NewHandler(pool *pgxpool.Pool, sessions *session.Manager) *Handler {
	return &Handler{
		pool:     pool,
		sessions: sessions,
		startAt:  time.Now(),
	}
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status         string           `json:"status"`
	Timestamp      string           `json:"timestamp"`
	Uptime         string           `json:"uptime"`
	ActiveSessions int              `json:"activeSessions"`
	Checks         map[string]Check `json:"checks"`
}

// Check is one dependency check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	dbMessage := ""
	if err := h.pool.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
		dbMessage = err.Error()
	}

	overall := "healthy"
	statusCode := http.StatusOK
	if dbStatus == "unhealthy" {
		overall = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, HealthResponse{
		Status:         overall,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Uptime:         time.Since(h.startAt).String(),
		ActiveSessions: len(h.sessions.Active()),
		Checks: map[string]Check{
			"database": {Status: dbStatus, Message: dbMessage},
		},
	})
}

// Healthz handles GET /healthz, the liveness probe.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready handles GET /health/ready, the readiness probe.
func (h *Handler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.pool.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "database connection failed",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
}
