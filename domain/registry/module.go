package registry

import (
	"go.uber.org/fx"
)

// Module provides the backend server registry.
//
// Features:
// - Per-project registry of backend MCP servers (stdio and sse)
// - Credentials encrypted at rest, decrypted only on read
// - Tool call audit log
// - REST API at /projects/:projectId/servers, including the ephemeral
//   status diagnostic
var Module = fx.Module("registry",
	fx.Provide(
		NewRepository,
		NewService,
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
	),
)
