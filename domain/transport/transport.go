// Package transport provides the two wire adapters to backend MCP
// servers: a child process speaking newline-delimited JSON over
// stdin/stdout, and a remote endpoint speaking SSE plus HTTP POST.
// Both expose the same uniform JSON-RPC channel.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
)

// Kind discriminates the sealed transport set.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindSSE   Kind = "sse"
)

var (
	// ErrClosed is returned once a transport has gone down; the owning
	// session must transition to Dead.
	ErrClosed = errors.New("transport closed")

	// ErrFrameTooLarge is returned when a backend emits a frame over the
	// configured cap. The transport is dead afterwards.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// InitError is the typed handshake failure returned to the session
// manager. Sessions that fail to initialize are never cached.
type InitError struct {
	Stage string // "spawn", "connect", "initialize", "initialized"
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init failed during %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Transport is one live JSON-RPC channel to a backend server. Send is
// safe for concurrent use; Recv must have a single consumer (the owning
// session's reader task). The interface is sealed: the only
// implementations are Stdio and SSE.
type Transport interface {
	Kind() Kind

	// Send writes one JSON-RPC message. Concurrent senders are serialized
	// so frames never interleave.
	Send(ctx context.Context, msg *mcp.Message) error

	// Recv returns the next inbound frame. It returns ErrClosed (or the
	// underlying failure) once the channel is gone; there is no recovery.
	Recv(ctx context.Context) (*mcp.Message, error)

	// Drain shuts the channel down, politely first, forcibly after the
	// grace periods. Safe to call more than once.
	Drain(ctx context.Context) error

	sealed()
}

// handshakeID is the JSON-RPC id used for the initialize request. The
// transport is exclusively owned by the handshake until it completes, so
// a fixed id cannot collide.
const handshakeID = `0`

// Handshake runs the MCP initialization sequence on a fresh transport:
// initialize, await the response, then notifications/initialized. The
// session becomes Ready only after this returns. Failures come back as
// *InitError and the caller is expected to drain the transport.
func Handshake(ctx context.Context, t Transport, timeout time.Duration) (*mcp.InitializeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := mcp.NewRequest([]byte(handshakeID), mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    mcp.GatewayCapabilities(),
		ClientInfo:      mcp.ClientInfo,
	})
	if err != nil {
		return nil, &InitError{Stage: "initialize", Err: err}
	}
	if err := t.Send(ctx, req); err != nil {
		return nil, &InitError{Stage: "initialize", Err: err}
	}

	// Servers may emit notifications before answering initialize.
	var resp *mcp.Message
	for {
		msg, err := t.Recv(ctx)
		if err != nil {
			return nil, &InitError{Stage: "initialize", Err: err}
		}
		if msg.IsResponse() && string(msg.ID) == handshakeID {
			resp = msg
			break
		}
	}

	if resp.Error != nil {
		return nil, &InitError{
			Stage: "initialize",
			Err:   fmt.Errorf("server rejected initialize: %s", resp.Error.Message),
		}
	}

	result := &mcp.InitializeResult{}
	if err := unmarshalResult(resp, result); err != nil {
		return nil, &InitError{Stage: "initialize", Err: err}
	}

	note, err := mcp.NewNotification(mcp.MethodInitialized, map[string]any{})
	if err != nil {
		return nil, &InitError{Stage: "initialized", Err: err}
	}
	if err := t.Send(ctx, note); err != nil {
		return nil, &InitError{Stage: "initialized", Err: err}
	}

	return result, nil
}

func unmarshalResult(msg *mcp.Message, v any) error {
	if len(msg.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	return json.Unmarshal(msg.Result, v)
}
