package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/domain/session"
	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/pkg/apperror"
	"github.com/fnf-ea/mcp-orch/pkg/auth"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
	"github.com/fnf-ea/mcp-orch/pkg/sse"
)

// Bridge owns the client-facing SSE channels: the long GET stream each
// client holds open and the POST endpoint its messages arrive on.
type Bridge struct {
	orch *Orchestrator
	cfg  *config.Config
	log  *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewBridge creates the client bridge.
func NewBridge(orch *Orchestrator, cfg *config.Config, log *slog.Logger) *Bridge {
	return &Bridge{
		orch:     orch,
		cfg:      cfg,
		log:      log.With(logger.Scope("gateway.bridge")),
		channels: make(map[string]*Channel),
	}
}

// HandleSSE handles GET /projects/:projectId/unified/sse. The stream
// opens with an endpoint event naming the channel's POST URL, then
// carries message events and keepalive pings until the client leaves.
func (b *Bridge) HandleSSE(c echo.Context) error {
	projectID := c.Param("projectId")
	caller := auth.GetCaller(c)
	if b.cfg.AuthRequired && caller == nil {
		return apperror.ErrUnauthorized
	}

	ch := newChannel(uuid.NewString(), projectID, caller, b.cfg.Bridge.QueueSize)
	b.register(ch)
	defer b.unregister(ch)

	w := sse.NewWriter(c.Response())
	if err := w.Start(); err != nil {
		return apperror.ErrInternal.WithInternal(err)
	}
	defer w.Close()

	postURL := fmt.Sprintf("/projects/%s/unified/messages/?channel_id=%s", projectID, ch.ID)
	if err := w.WriteRawEvent(sse.EventEndpoint, postURL); err != nil {
		return nil
	}
	ch.markOpen()
	b.log.Info("client channel opened",
		slog.String("project_id", projectID),
		slog.String("channel_id", ch.ID))

	ping := time.NewTicker(b.cfg.Bridge.PingInterval)
	defer ping.Stop()

	clientGone := c.Request().Context().Done()
	for {
		select {
		case msg := <-ch.queue:
			data, err := msg.Encode()
			if err != nil {
				b.log.Error("encoding outbound message", logger.Error(err))
				continue
			}
			if err := w.WriteRawEvent(sse.EventMessage, string(data)); err != nil {
				return nil
			}
		case <-ping.C:
			if err := w.WriteEvent(sse.EventPing, map[string]any{"ts": time.Now().Unix()}); err != nil {
				return nil
			}
		case <-clientGone:
			return nil
		case <-ch.Context().Done():
			return nil
		}
	}
}

// HandleMessage handles POST /projects/:projectId/unified/messages/.
// Requests are accepted with 202 and answered asynchronously on the
// channel's stream; protocol bootstrap messages are answered by the
// bridge itself.
func (b *Bridge) HandleMessage(c echo.Context) error {
	projectID := c.Param("projectId")
	caller := auth.GetCaller(c)

	channelID := c.QueryParam("channel_id")
	if channelID == "" {
		return apperror.ErrBadRequest.WithMessage("channel_id query parameter is required")
	}
	ch := b.lookup(channelID)
	if ch == nil {
		return apperror.ErrNotFound.WithMessage("unknown channel_id")
	}
	if ch.ProjectID != projectID {
		return apperror.ErrNotFound.WithMessage("unknown channel_id")
	}
	if channelState(ch.state.Load()) >= channelClosing {
		return apperror.ErrChannelClosed
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperror.ErrBadRequest.WithInternal(err)
	}
	msg, err := mcp.Decode(body)
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("body is not a JSON-RPC message")
	}
	if msg.JSONRPC != "2.0" {
		return apperror.ErrBadRequest.WithMessage("jsonrpc must be \"2.0\"")
	}

	// Reserve the reply's queue slot before accepting: a 202 promises
	// the reply can be delivered, even with concurrent POSTs racing for
	// the last slot. Retry-After comes from the error handler.
	if err := ch.Reserve(); err != nil {
		return err
	}

	// The gateway speaks for itself during protocol bootstrap.
	if handled, err := b.handleLocal(ch, msg); handled {
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusAccepted)
	}

	if err := b.orch.Authorize(c.Request().Context(), projectID, caller, msg); err != nil {
		ch.Unreserve()
		return err
	}

	go b.dispatch(ch, caller, msg)
	return c.NoContent(http.StatusAccepted)
}

// handleLocal answers protocol bootstrap without touching any backend.
// The caller has reserved a reply slot; messages that produce no reply
// give it back.
func (b *Bridge) handleLocal(ch *Channel, msg *mcp.Message) (bool, error) {
	switch msg.Method {
	case mcp.MethodInitialize:
		reply, err := mcp.NewResponse(msg.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mustJSON(mcp.GatewayCapabilities()),
			ServerInfo:      mcp.ServerInfo,
		})
		if err != nil {
			ch.Unreserve()
			return true, apperror.ErrInternal.WithInternal(err)
		}
		return true, ch.EnqueueReserved(reply)
	case mcp.MethodInitialized:
		ch.Unreserve()
		return true, nil
	case "ping":
		if msg.IsRequest() {
			reply, _ := mcp.NewResponse(msg.ID, map[string]any{})
			return true, ch.EnqueueReserved(reply)
		}
		ch.Unreserve()
		return true, nil
	}
	return false, nil
}

// dispatch routes one message and queues the reply. Runs on its own
// goroutine under the channel's context so closing the channel cancels
// the backend work.
func (b *Bridge) dispatch(ch *Channel, caller *auth.Caller, msg *mcp.Message) {
	resp := b.orch.Dispatch(ch.Context(), ch.ProjectID, caller, msg)
	if resp == nil {
		ch.Unreserve()
		return
	}
	if err := ch.EnqueueReserved(resp); err != nil {
		b.log.Warn("dropping reply",
			slog.String("channel_id", ch.ID),
			slog.String("id", msg.IDString()),
			logger.Error(err))
	}
}

// forwardNotification fans a backend notification out to every channel
// of the project, best effort. Wired as the session manager's sink.
func (b *Bridge) forwardNotification(projectID, serverName string, msg *mcp.Message) {
	b.mu.RLock()
	targets := make([]*Channel, 0, 4)
	for _, ch := range b.channels {
		if ch.ProjectID == projectID {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	annotated := annotateNotification(msg, serverName)
	for _, ch := range targets {
		if err := ch.Enqueue(annotated); err != nil {
			b.log.Debug("dropping notification",
				slog.String("channel_id", ch.ID), logger.Error(err))
		}
	}
}

// register publishes a channel for POST lookup.
func (b *Bridge) register(ch *Channel) {
	b.mu.Lock()
	b.channels[ch.ID] = ch
	b.mu.Unlock()
	metricChannelsActive.Inc()
}

// unregister closes and removes a channel.
func (b *Bridge) unregister(ch *Channel) {
	b.mu.Lock()
	delete(b.channels, ch.ID)
	b.mu.Unlock()
	ch.Close()
	metricChannelsActive.Dec()
	b.log.Info("client channel closed", slog.String("channel_id", ch.ID))
}

func (b *Bridge) lookup(id string) *Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels[id]
}

// RegisterNotificationSink wires the bridge into the session manager.
func RegisterNotificationSink(manager *session.Manager, b *Bridge) {
	manager.SetNotificationSink(b.forwardNotification)
}
