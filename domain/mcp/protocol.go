package mcp

import "encoding/json"

// ProtocolVersion is the MCP revision the gateway speaks on both sides.
const ProtocolVersion = "2024-11-05"

// MCP method names used by the gateway.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodCancelled     = "notifications/cancelled"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
)

// ClientInfo identifies the gateway to backend servers.
var ClientInfo = Implementation{
	Name:    "mcp-orch",
	Version: "1.0.0",
}

// ServerInfo identifies the gateway to its own clients.
var ServerInfo = Implementation{
	Name:    "mcp-orch-unified",
	Version: "1.0.0",
}

// Implementation names one MCP endpoint implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is the backend's answer to initialize.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
}

// GatewayCapabilities is what the gateway advertises when it initiates a
// backend handshake. Mirrors the original orchestrator's client offer.
func GatewayCapabilities() map[string]any {
	return map[string]any{
		"roots":    map[string]any{"listChanged": true},
		"sampling": map[string]any{},
	}
}

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// ToolsCallParams is the payload of tools/call as seen by the bridge.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Tool is one tool definition from a backend's tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the payload of a tools/list response.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// Resource is one resource definition from a backend's resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult is the payload of a resources/list response.
type ResourcesListResult struct {
	Resources []Resource `json:"resources"`
}
