package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
)

// helperConfig returns a StdioConfig that re-executes the test binary as
// a fake MCP server. The mode selects the server's behavior.
func helperConfig(mode string) StdioConfig {
	return StdioConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
		Env: map[string]string{
			"GO_TEST_HELPER_PROCESS": "1",
			"GO_TEST_HELPER_MODE":    mode,
		},
		MaxFrameBytes: 1 << 20,
	}
}

// TestHelperProcess is not a real test. It runs as the child of the
// stdio transport tests and speaks newline-delimited JSON-RPC on
// stdin/stdout.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_TEST_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Getenv("GO_TEST_HELPER_MODE")

	switch mode {
	case "garbage":
		fmt.Println("this is not json")
		os.Exit(0)
	case "huge":
		fmt.Println(strings.Repeat("x", 2<<20))
		os.Exit(0)
	case "crash":
		os.Exit(3)
	case "stderr-then-crash":
		fmt.Fprintln(os.Stderr, "fatal: missing API key")
		fmt.Fprintln(os.Stderr, "usage: backend --key <key>")
		os.Exit(1)
	}

	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		var msg mcp.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			os.Exit(1)
		}
		switch msg.Method {
		case mcp.MethodInitialize:
			out.Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(msg.ID),
				"result": map[string]any{
					"protocolVersion": mcp.ProtocolVersion,
					"capabilities":    map[string]any{"tools": map[string]any{}},
					"serverInfo":      map[string]any{"name": "helper", "version": "0.0.1"},
				},
			})
		case mcp.MethodInitialized:
			// no reply to a notification
		case mcp.MethodExit:
			os.Exit(0)
		case mcp.MethodShutdown:
			out.Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(msg.ID),
				"result":  map[string]any{},
			})
		case "test/echo":
			out.Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(msg.ID),
				"result":  map[string]any{"echo": json.RawMessage(msg.Params)},
			})
		case "test/notify":
			// emit an unsolicited notification before the reply
			out.Encode(map[string]any{
				"jsonrpc": "2.0",
				"method":  "notifications/progress",
				"params":  map[string]any{"progress": 1},
			})
			out.Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(msg.ID),
				"result":  map[string]any{},
			})
		}
	}
	os.Exit(0)
}

func newStdioForTest(t *testing.T, mode string) *Stdio {
	t.Helper()
	tr, err := NewStdio(context.Background(), helperConfig(mode), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tr.Drain(ctx)
	})
	return tr
}

func TestStdioHandshakeAndEcho(t *testing.T) {
	tr := newStdioForTest(t, "echo")

	ctx := context.Background()
	result, err := Handshake(ctx, tr, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, mcp.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "helper", result.ServerInfo.Name)

	req, err := mcp.NewRequest(json.RawMessage(`7`), "test/echo", map[string]any{"ping": "pong"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, req))

	resp, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, resp.IsResponse())
	assert.Equal(t, "7", string(resp.ID))
	assert.Contains(t, string(resp.Result), "pong")
}

func TestStdioUnsolicitedNotificationBeforeReply(t *testing.T) {
	tr := newStdioForTest(t, "echo")

	ctx := context.Background()
	_, err := Handshake(ctx, tr, 5*time.Second)
	require.NoError(t, err)

	req, _ := mcp.NewRequest(json.RawMessage(`1`), "test/notify", nil)
	require.NoError(t, tr.Send(ctx, req))

	first, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, first.IsNotification())
	assert.Equal(t, "notifications/progress", first.Method)

	second, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, second.IsResponse())
}

func TestStdioOversizedFrameKillsTransport(t *testing.T) {
	tr := newStdioForTest(t, "huge")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Recv(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// The failure is sticky.
	_, err = tr.Recv(ctx)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStdioMalformedFrameKillsTransport(t *testing.T) {
	tr := newStdioForTest(t, "garbage")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Recv(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed frame")
}

func TestStdioChildCrashSurfacesOnRecv(t *testing.T) {
	tr := newStdioForTest(t, "crash")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Recv(ctx)
	require.Error(t, err)
}

func TestStdioStderrTail(t *testing.T) {
	tr := newStdioForTest(t, "stderr-then-crash")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tr.Recv(ctx)
	require.Error(t, err)

	// Give the stderr collector a moment to finish its pipe.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.StderrTail()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	tail := tr.StderrTail()
	require.Len(t, tail, 2)
	assert.Equal(t, "fatal: missing API key", tail[0])
}

func TestStdioDrainIsIdempotent(t *testing.T) {
	tr := newStdioForTest(t, "echo")

	ctx := context.Background()
	_, err := Handshake(ctx, tr, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, tr.Drain(ctx))
	require.NoError(t, tr.Drain(ctx))

	err = tr.Send(ctx, &mcp.Message{JSONRPC: "2.0", Method: "test/echo"})
	assert.Error(t, err)
}

func TestStdioHandshakeTimeout(t *testing.T) {
	// "crash" exits immediately, so initialize never gets a response.
	tr := newStdioForTest(t, "crash")

	_, err := Handshake(context.Background(), tr, 500*time.Millisecond)
	require.Error(t, err)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "initialize", initErr.Stage)
}

func TestLineRing(t *testing.T) {
	r := newLineRing(3)
	assert.Empty(t, r.Tail())

	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"a", "b"}, r.Tail())

	r.Append("c")
	r.Append("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.Tail())
}
