package registry

import (
	"context"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// inspectTimeout bounds one diagnostic connection attempt.
const inspectTimeout = 15 * time.Second

// Inspect test-connects to a server with a fresh, ephemeral client (never
// a pooled session), captures the InitializeResult and tool listing, then
// disconnects. Connection failures come back inside the DTO so the status
// endpoint can always answer 200.
func (s *Service) Inspect(ctx context.Context, projectID, ref string) (*InspectDTO, error) {
	spec, err := s.Get(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}

	dto := &InspectDTO{
		ServerID:   spec.ID,
		ServerName: spec.Name,
		ToolNames:  []string{},
	}

	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	start := time.Now()
	client, initResult, err := connectEphemeral(ctx, spec)
	dto.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		dto.Status = "error"
		dto.Error = err.Error()
		return dto, nil
	}
	defer client.Close()

	dto.Status = "ok"
	dto.ProtocolVersion = initResult.ProtocolVersion
	dto.BackendName = initResult.ServerInfo.Name
	dto.BackendVersion = initResult.ServerInfo.Version

	tools, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err == nil {
		dto.ToolCount = len(tools.Tools)
		for _, tool := range tools.Tools {
			dto.ToolNames = append(dto.ToolNames, tool.Name)
		}
	}
	return dto, nil
}

func connectEphemeral(ctx context.Context, spec *Spec) (*mcpclient.Client, *mcpgo.InitializeResult, error) {
	var (
		client *mcpclient.Client
		err    error
	)
	switch spec.Transport {
	case TransportStdio:
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		client, err = mcpclient.NewStdioMCPClient(spec.Command, env, spec.Args...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdio client: %w", err)
		}

	case TransportSSE:
		var opts []mcptransport.ClientOption
		if len(spec.Headers) > 0 {
			opts = append(opts, mcptransport.WithHeaders(spec.Headers))
		}
		client, err = mcpclient.NewSSEMCPClient(spec.URL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating sse client: %w", err)
		}
		if err := client.Start(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("starting sse client: %w", err)
		}

	default:
		return nil, nil, fmt.Errorf("unsupported transport %q", spec.Transport)
	}

	initResult, err := client.Initialize(ctx, mcpgo.InitializeRequest{
		Params: mcpgo.InitializeParams{
			ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpgo.Implementation{
				Name:    "mcp-orch",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("initializing session with %q: %w", spec.Name, err)
	}
	return client, initResult, nil
}
