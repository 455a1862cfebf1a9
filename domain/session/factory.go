package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/domain/transport"
	"github.com/fnf-ea/mcp-orch/internal/config"
)

// TransportFactory builds the wire channel for a resolved server spec.
// Tests substitute their own.
type TransportFactory interface {
	Build(ctx context.Context, spec *registry.Spec) (transport.Transport, error)
}

type specFactory struct {
	cfg *config.Config
	log *slog.Logger
}

// NewTransportFactory creates the production factory.
func NewTransportFactory(cfg *config.Config, log *slog.Logger) TransportFactory {
	return &specFactory{cfg: cfg, log: log}
}

func (f *specFactory) Build(ctx context.Context, spec *registry.Spec) (transport.Transport, error) {
	switch spec.Transport {
	case registry.TransportStdio:
		return transport.NewStdio(ctx, transport.StdioConfig{
			Command:       spec.Command,
			Args:          spec.Args,
			Env:           spec.Env,
			Dir:           spec.Cwd,
			MaxFrameBytes: f.cfg.Session.MaxFrameBytes,
		}, f.log)
	case registry.TransportSSE:
		return transport.NewSSE(ctx, transport.SSEConfig{
			URL:           spec.URL,
			Headers:       spec.Headers,
			MaxFrameBytes: f.cfg.Session.MaxFrameBytes,
		}, f.log)
	}
	return nil, fmt.Errorf("unknown transport %q for server %s", spec.Transport, spec.Name)
}
