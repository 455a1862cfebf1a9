// Package main provides the entry point for the MCP orchestration gateway.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/fnf-ea/mcp-orch/domain/gateway"
	"github.com/fnf-ea/mcp-orch/domain/health"
	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/domain/session"
	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/internal/database"
	"github.com/fnf-ea/mcp-orch/internal/server"
	"github.com/fnf-ea/mcp-orch/pkg/auth"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
	"github.com/fnf-ea/mcp-orch/pkg/secret"
)

func main() {
	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		server.Module,

		// Auth and credential sealing
		auth.Module,
		secret.Module,

		// Domain modules
		health.Module,
		registry.Module,
		session.Module,
		gateway.Module,
	).Run()
}
