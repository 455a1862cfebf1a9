package session

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/internal/config"
)

// Module provides the session layer.
//
// Features:
// - One pooled, initialized session per (project, server)
// - At-most-once construction under concurrent demand
// - JSON-RPC id rewriting for safe multiplexing
// - Idle eviction on a schedule, full drain on shutdown
var Module = fx.Module("session",
	fx.Provide(
		NewTransportFactory,
		provideManager,
		NewJanitor,
	),
	fx.Invoke(
		registerJanitorLifecycle,
	),
)

// provideManager binds the registry service as the manager's SpecSource.
func provideManager(reg *registry.Service, factory TransportFactory, cfg *config.Config, log *slog.Logger) *Manager {
	return NewManager(reg, factory, cfg, log)
}

func registerJanitorLifecycle(lc fx.Lifecycle, j *Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return j.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return j.Stop(ctx)
		},
	})
}
