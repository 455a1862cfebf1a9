package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
)

// fakeSSEBackend is an in-process MCP server over SSE: the GET stream
// announces a relative endpoint, and every POSTed request is answered on
// the stream.
type fakeSSEBackend struct {
	srv *httptest.Server

	mu      sync.Mutex
	events  chan string
	headers http.Header
}

func newFakeSSEBackend(t *testing.T) *fakeSSEBackend {
	t.Helper()
	b := &fakeSSEBackend{events: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		fmt.Fprintf(w, "event: endpoint\ndata: /messages?session=s1\n\n")
		flusher.Flush()

		for {
			select {
			case ev := <-b.events:
				fmt.Fprint(w, ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.headers = r.Header.Clone()
		b.mu.Unlock()

		body, _ := io.ReadAll(r.Body)
		var msg mcp.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)

		switch {
		case msg.Method == mcp.MethodInitialize:
			b.emitMessage(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":%q,"capabilities":{},"serverInfo":{"name":"fake-sse","version":"0.0.1"}}}`,
				msg.ID, mcp.ProtocolVersion))
		case msg.IsRequest():
			b.emitMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, msg.ID))
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeSSEBackend) emitMessage(payload string) {
	b.events <- fmt.Sprintf("event: message\ndata: %s\n\n", payload)
}

func (b *fakeSSEBackend) emitRaw(ev string) {
	b.events <- ev
}

func (b *fakeSSEBackend) lastHeaders() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers
}

func newSSEForTest(t *testing.T, b *fakeSSEBackend, headers map[string]string) *SSE {
	t.Helper()
	tr, err := NewSSE(context.Background(), SSEConfig{
		URL:     b.srv.URL + "/sse",
		Headers: headers,
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Drain(context.Background()) })
	return tr
}

func TestSSEHandshakeAndCall(t *testing.T) {
	backend := newFakeSSEBackend(t)
	tr := newSSEForTest(t, backend, nil)

	ctx := context.Background()
	result, err := Handshake(ctx, tr, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fake-sse", result.ServerInfo.Name)

	req, _ := mcp.NewRequest(json.RawMessage(`9`), mcp.MethodToolsList, nil)
	require.NoError(t, tr.Send(ctx, req))

	resp, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9", string(resp.ID))
	assert.Contains(t, string(resp.Result), "ok")
}

func TestSSEEndpointResolvedAgainstBase(t *testing.T) {
	backend := newFakeSSEBackend(t)
	tr := newSSEForTest(t, backend, nil)

	assert.Equal(t, backend.srv.URL+"/messages?session=s1", tr.postURL)
}

func TestSSECustomHeadersOnPost(t *testing.T) {
	backend := newFakeSSEBackend(t)
	tr := newSSEForTest(t, backend, map[string]string{"Authorization": "Bearer backend-token"})

	ctx := context.Background()
	req, _ := mcp.NewRequest(json.RawMessage(`1`), mcp.MethodToolsList, nil)
	require.NoError(t, tr.Send(ctx, req))

	assert.Equal(t, "Bearer backend-token", backend.lastHeaders().Get("Authorization"))
}

func TestSSEServerNotificationForwarded(t *testing.T) {
	backend := newFakeSSEBackend(t)
	tr := newSSEForTest(t, backend, nil)

	backend.emitMessage(`{"jsonrpc":"2.0","method":"notifications/resources/updated","params":{"uri":"file:///x"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, msg.IsNotification())
	assert.Equal(t, "notifications/resources/updated", msg.Method)
}

func TestSSEMultiLineDataJoined(t *testing.T) {
	backend := newFakeSSEBackend(t)
	tr := newSSEForTest(t, backend, nil)

	// Multi-line data fields are joined with newlines per the SSE spec;
	// JSON parses across them.
	backend.emitRaw("event: message\ndata: {\"jsonrpc\":\"2.0\",\ndata: \"method\":\"x\"}\n\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Method)
}

func TestSSECommentsAndUnknownEventsIgnored(t *testing.T) {
	backend := newFakeSSEBackend(t)
	tr := newSSEForTest(t, backend, nil)

	backend.emitRaw(": keep-alive\n\n")
	backend.emitRaw("event: ping\ndata: {}\n\n")
	backend.emitMessage(`{"jsonrpc":"2.0","method":"after"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", msg.Method)
}

func TestSSEStreamDropKillsTransport(t *testing.T) {
	backend := newFakeSSEBackend(t)
	tr, err := NewSSE(context.Background(), SSEConfig{URL: backend.srv.URL + "/sse"}, slog.Default())
	require.NoError(t, err)
	defer tr.Drain(context.Background())

	backend.srv.CloseClientConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tr.Recv(ctx)
	require.Error(t, err)

	// No transparent reconnect: Send fails too once the stream is gone.
	req, _ := mcp.NewRequest(json.RawMessage(`1`), mcp.MethodToolsList, nil)
	assert.Error(t, tr.Send(ctx, req))
}

func TestSSEConnectRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSSE(context.Background(), SSEConfig{URL: srv.URL}, slog.Default())
	require.Error(t, err)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "connect", initErr.Stage)
	assert.Contains(t, err.Error(), "503")
}

func TestSSEConnectRequiresEndpointEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Stream stays open but never announces an endpoint.
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewSSE(ctx, SSEConfig{URL: srv.URL}, slog.Default())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "endpoint") || strings.Contains(err.Error(), "context"))
}
