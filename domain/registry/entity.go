// Package registry stores backend MCP server definitions per project.
// Credentials (args, env, headers) are encrypted at rest and only
// decrypted on read; a decrypted Spec never goes back to the database.
package registry

import (
	"time"

	"github.com/uptrace/bun"
)

// TransportKind is the wire type of a backend server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
)

// AuthMode controls whether calls routed to this server require a
// verified caller identity.
type AuthMode string

const (
	AuthInherit  AuthMode = "inherit"
	AuthRequired AuthMode = "required"
	AuthDisabled AuthMode = "disabled"
)

// BackendServer is one registered backend MCP server.
// Table: mcp_servers
type BackendServer struct {
	bun.BaseModel `bun:"table:mcp_servers,alias:ms"`

	ID            string        `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ProjectID     string        `bun:"project_id,type:uuid,notnull" json:"projectId"`
	Name          string        `bun:"name,notnull" json:"name"`
	Transport     TransportKind `bun:"transport,notnull" json:"transport"`
	Enabled       bool          `bun:"enabled,notnull,default:true" json:"enabled"`
	DisabledUntil *time.Time    `bun:"disabled_on_startup_until" json:"disabledUntil,omitempty"`
	TimeoutMS     int           `bun:"timeout_ms,notnull,default:30000" json:"timeoutMs"`
	AutoApprove   []string      `bun:"auto_approve,type:jsonb,default:'[]'" json:"autoApprove"`
	JWTRequired   AuthMode      `bun:"jwt_required,notnull,default:'inherit'" json:"jwtRequired"`

	// stdio
	Command       string `bun:"command" json:"command,omitempty"`
	ArgsEncrypted string `bun:"args_encrypted" json:"-"`
	EnvEncrypted  string `bun:"env_encrypted" json:"-"`
	Cwd           string `bun:"cwd" json:"cwd,omitempty"`

	// sse
	URL              string `bun:"url" json:"url,omitempty"`
	HeadersEncrypted string `bun:"headers_encrypted" json:"-"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// ToolCallLog records one tool invocation routed through the gateway.
// Rows are written best-effort off the reply path.
// Table: tool_call_logs
type ToolCallLog struct {
	bun.BaseModel `bun:"table:tool_call_logs,alias:tcl"`

	ID         int64          `bun:"id,pk,autoincrement" json:"id"`
	ProjectID  string         `bun:"project_id,type:uuid,notnull" json:"projectId"`
	ServerID   string         `bun:"server_id,type:uuid,notnull" json:"serverId"`
	ServerName string         `bun:"server_name,notnull" json:"serverName"`
	ToolName   string         `bun:"tool_name,notnull" json:"toolName"`
	Arguments  map[string]any `bun:"arguments,type:jsonb,default:'{}'" json:"arguments,omitempty"`
	Status     string         `bun:"status,notnull" json:"status"` // success | failed | timeout
	DurationMS int64          `bun:"duration_ms,notnull" json:"durationMs"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// Spec is the decrypted, runtime view of a BackendServer. It is what the
// session manager and orchestrator work with; ciphertext never leaves the
// registry.
type Spec struct {
	ID        string
	ProjectID string
	Name      string
	Transport TransportKind

	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	URL     string
	Headers map[string]string

	Timeout       time.Duration
	AutoApprove   []string
	AuthMode      AuthMode
	Enabled       bool
	DisabledUntil *time.Time
}

// Available reports whether the server may be connected to right now.
func (s *Spec) Available(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.DisabledUntil != nil && s.DisabledUntil.After(now) {
		return false
	}
	return true
}

// AutoApproved reports whether the tool may be invoked without an
// external approval decision. A single "*" entry approves everything.
func (s *Spec) AutoApproved(tool string) bool {
	for _, name := range s.AutoApprove {
		if name == "*" || name == tool {
			return true
		}
	}
	return false
}

// --- DTOs ---

// CreateServerDTO is the request body for registering a server.
type CreateServerDTO struct {
	Name        string            `json:"name" validate:"required"`
	Transport   TransportKind     `json:"transport" validate:"required,oneof=stdio sse"`
	Enabled     *bool             `json:"enabled"`
	TimeoutMS   *int              `json:"timeoutMs"`
	AutoApprove []string          `json:"autoApprove"`
	JWTRequired AuthMode          `json:"jwtRequired"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Cwd         string            `json:"cwd"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
}

// UpdateServerDTO is the request body for updating a server. Nil fields
// are left untouched.
type UpdateServerDTO struct {
	Name          *string            `json:"name"`
	Enabled       *bool              `json:"enabled"`
	DisabledUntil *time.Time         `json:"disabledUntil"`
	TimeoutMS     *int               `json:"timeoutMs"`
	AutoApprove   []string           `json:"autoApprove"`
	JWTRequired   *AuthMode          `json:"jwtRequired"`
	Command       *string            `json:"command"`
	Args          []string           `json:"args"`
	Env           *map[string]string `json:"env"`
	Cwd           *string            `json:"cwd"`
	URL           *string            `json:"url"`
	Headers       *map[string]string `json:"headers"`
}

// InspectDTO is the diagnostic snapshot returned by the status endpoint.
type InspectDTO struct {
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName"`
	Status     string `json:"status"` // ok | error
	Error      string `json:"error,omitempty"`
	LatencyMS  int64  `json:"latencyMs"`

	ProtocolVersion string   `json:"protocolVersion,omitempty"`
	BackendName     string   `json:"backendName,omitempty"`
	BackendVersion  string   `json:"backendVersion,omitempty"`
	ToolCount       int      `json:"toolCount"`
	ToolNames       []string `json:"toolNames,omitempty"`
}
