package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
)

// endpointWait bounds how long we wait for the server's endpoint event
// after the stream opens.
const endpointWait = 10 * time.Second

// SSEConfig describes a remote MCP server reachable over SSE.
type SSEConfig struct {
	URL           string
	Headers       map[string]string
	HTTPClient    *http.Client
	MaxFrameBytes int
}

// SSE connects to a remote MCP server: one long-lived GET carrying
// server-to-client events, plus one POST per client-to-server message to
// the URL announced in the stream's endpoint event. A dropped stream
// kills the transport; the session layer rebuilds from scratch rather
// than resuming a half-known stream.
type SSE struct {
	client  *http.Client
	headers map[string]string
	postURL string
	log     *slog.Logger

	cancel context.CancelFunc
	body   io.Closer

	frames chan *mcp.Message

	done     chan struct{}
	doneOnce sync.Once
	readErr  error

	// stop tells the reader to quit once Drain begins.
	stop chan struct{}

	drain sync.Once
}

var _ Transport = (*SSE)(nil)

// NewSSE opens the event stream and waits for the endpoint event that
// names the POST URL. The returned transport has not been handshaken yet.
func NewSSE(ctx context.Context, cfg SSEConfig, log *slog.Logger) (*SSE, error) {
	if cfg.URL == "" {
		return nil, &InitError{Stage: "connect", Err: fmt.Errorf("url is empty")}
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4 << 20
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &InitError{Stage: "connect", Err: fmt.Errorf("parse url: %w", err)}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, &InitError{Stage: "connect", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, &InitError{Stage: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &InitError{Stage: "connect", Err: fmt.Errorf("stream returned %d", resp.StatusCode)}
	}

	t := &SSE{
		client:  client,
		headers: cfg.Headers,
		log:     log.With(logger.Scope("transport.sse"), slog.String("url", cfg.URL)),
		cancel:  cancel,
		body:    resp.Body,
		frames:  make(chan *mcp.Message, recvBuffer),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}

	endpointCh := make(chan string, 1)
	go t.readLoop(resp.Body, base, endpointCh, cfg.MaxFrameBytes)

	select {
	case post := <-endpointCh:
		t.postURL = post
	case <-t.done:
		cancel()
		return nil, &InitError{Stage: "connect", Err: t.closedErr()}
	case <-time.After(endpointWait):
		cancel()
		resp.Body.Close()
		return nil, &InitError{Stage: "connect", Err: fmt.Errorf("no endpoint event within %s", endpointWait)}
	case <-ctx.Done():
		cancel()
		resp.Body.Close()
		return nil, &InitError{Stage: "connect", Err: ctx.Err()}
	}

	t.log.Debug("sse stream established", slog.String("post_url", t.postURL))
	return t, nil
}

func (*SSE) sealed() {}

func (*SSE) Kind() Kind { return KindSSE }

// Send POSTs one message to the endpoint the server announced. The
// response body is ignored; replies arrive on the event stream.
func (t *SSE) Send(ctx context.Context, msg *mcp.Message) error {
	select {
	case <-t.done:
		return t.closedErr()
	default:
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post message: server returned %d", resp.StatusCode)
	}
	return nil
}

// Recv returns the next message event from the stream. After the stream
// drops the stored failure is returned forever.
func (t *SSE) Recv(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg := <-t.frames:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.frames:
		return msg, nil
	case <-t.done:
		select {
		case msg := <-t.frames:
			return msg, nil
		default:
		}
		return nil, t.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain tears the stream down. There is no protocol goodbye over SSE;
// closing the GET is the shutdown. Idempotent.
func (t *SSE) Drain(_ context.Context) error {
	t.drain.Do(func() {
		close(t.stop)
		t.cancel()
		t.body.Close()
	})
	return nil
}

func (t *SSE) closedErr() error {
	if t.readErr != nil {
		return t.readErr
	}
	return ErrClosed
}

func (t *SSE) fail(err error) {
	t.doneOnce.Do(func() {
		t.readErr = err
		close(t.done)
	})
}

// readLoop parses the event stream. Only two event names matter:
// "endpoint" carries the POST URL (possibly relative to the stream URL)
// and "message" carries a JSON-RPC frame. Everything else, including
// comment keep-alives, is skipped.
func (t *SSE) readLoop(body io.Reader, base *url.URL, endpointCh chan<- string, maxFrame int) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrame)

	var eventName string
	var data strings.Builder

	dispatch := func() bool {
		defer func() {
			eventName = ""
			data.Reset()
		}()
		payload := data.String()
		if payload == "" {
			return true
		}
		switch eventName {
		case "endpoint":
			ref, err := url.Parse(strings.TrimSpace(payload))
			if err != nil {
				t.fail(fmt.Errorf("bad endpoint event %q: %w", payload, err))
				return false
			}
			select {
			case endpointCh <- base.ResolveReference(ref).String():
			default:
			}
		case "message", "":
			msg, err := mcp.Decode([]byte(payload))
			if err != nil {
				t.fail(fmt.Errorf("malformed frame from stream: %w", err))
				return false
			}
			select {
			case t.frames <- msg:
			case <-t.stop:
				t.fail(ErrClosed)
				return false
			}
		}
		return true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !dispatch() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment keep-alive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			t.fail(ErrFrameTooLarge)
		} else {
			t.fail(fmt.Errorf("read event stream: %w", err))
		}
		return
	}
	t.fail(ErrClosed)
}
