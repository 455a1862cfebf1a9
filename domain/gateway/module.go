package gateway

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/domain/session"
	"github.com/fnf-ea/mcp-orch/internal/config"
)

// Module provides the unified MCP gateway surface.
//
// Features:
// - One SSE stream plus message POST per client channel
// - Routing by _server param, tool name prefix, or fan-out
// - Auto-approve policy with a pluggable approval hook
// - Backend notification fan-out to connected clients
var Module = fx.Module("gateway",
	fx.Provide(
		NewApprovalHook,
		provideOrchestrator,
		NewBridge,
	),
	fx.Invoke(
		RegisterRoutes,
		RegisterNotificationSink,
	),
)

// provideOrchestrator binds the registry service as both the spec source
// and the audit recorder.
func provideOrchestrator(
	sessions *session.Manager,
	reg *registry.Service,
	approval ApprovalHook,
	cfg *config.Config,
	log *slog.Logger,
) *Orchestrator {
	return NewOrchestrator(sessions, reg, reg, approval, cfg, log)
}
