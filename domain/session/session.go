// Package session owns the live connections to backend MCP servers: one
// initialized session per (project, server), built at most once no
// matter how many requests race for it, and torn down when idle, dead,
// or explicitly evicted.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/domain/transport"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
)

// Key identifies one session.
type Key struct {
	ProjectID string
	ServerID  string
}

// State is the session lifecycle phase.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

var (
	// ErrTransportGone reports a mid-session transport failure. The
	// session is gone; the next acquire builds a fresh one.
	ErrTransportGone = errors.New("backend transport gone")

	// ErrNotReady reports an acquire against a session that is draining
	// or dead.
	ErrNotReady = errors.New("session is not ready")

	// ErrServerDisabled reports a server that exists but may not be
	// connected to right now.
	ErrServerDisabled = errors.New("server is disabled")
)

// Session is one live, initialized connection to a backend server. All
// requests from all clients of the (project, server) pair multiplex over
// it; JSON-RPC ids are rewritten on the way in and restored on the way
// out so concurrent callers never collide.
type Session struct {
	key        Key
	serverName string
	timeout    time.Duration
	tr         transport.Transport
	log        *slog.Logger

	state    atomic.Int32
	inflight atomic.Int64
	lastUsed atomic.Int64 // unix nanos
	nextID   atomic.Int64

	capabilities json.RawMessage

	mu      sync.Mutex
	pending map[string]chan *mcp.Message

	// done is closed when the session dies; deadErr is set before.
	done    chan struct{}
	deadErr error

	// onDead removes the session from the manager's table.
	onDead func(*Session)
	// onNotify forwards backend-originated notifications.
	onNotify func(serverName string, msg *mcp.Message)

	dieOnce   sync.Once
	drainOnce sync.Once
}

func newSession(key Key, spec *registry.Spec, tr transport.Transport, log *slog.Logger) *Session {
	s := &Session{
		key:        key,
		serverName: spec.Name,
		timeout:    spec.Timeout,
		tr:         tr,
		log: log.With(logger.Scope("session"),
			slog.String("project_id", key.ProjectID),
			slog.String("server", spec.Name)),
		pending: make(map[string]chan *mcp.Message),
		done:    make(chan struct{}),
	}
	s.touch()
	return s
}

// Key returns the session's identity.
func (s *Session) Key() Key { return s.key }

// ServerName returns the backend server's registry name.
func (s *Session) ServerName() string { return s.serverName }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Inflight returns the number of invocations currently using the session.
func (s *Session) Inflight() int64 { return s.inflight.Load() }

// IdleSince returns the time of the last acquire or release.
func (s *Session) IdleSince() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// Capabilities returns the backend's advertised capabilities from its
// initialize response.
func (s *Session) Capabilities() json.RawMessage { return s.capabilities }

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// Invoke sends one request and waits for its response. The outbound id
// is a fresh session-scoped integer; the caller's original id is
// restored on the reply. On deadline the backend gets a best-effort
// notifications/cancelled before the error returns.
func (s *Session) Invoke(ctx context.Context, req *mcp.Message) (*mcp.Message, error) {
	if s.State() != StateReady {
		return nil, ErrNotReady
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	backendID := strconv.FormatInt(s.nextID.Add(1), 10)
	ch := make(chan *mcp.Message, 1)

	s.mu.Lock()
	s.pending[backendID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, backendID)
		s.mu.Unlock()
	}()

	rewritten := *req
	rewritten.ID = json.RawMessage(backendID)
	if err := s.tr.Send(ctx, &rewritten); err != nil {
		// A write failure kills the session the same way a read failure
		// does; the next acquire builds a fresh one.
		s.die(err)
		return nil, errors.Join(ErrTransportGone, err)
	}

	select {
	case resp := <-ch:
		reply := *resp
		reply.ID = req.ID
		return &reply, nil
	case <-s.done:
		return nil, errors.Join(ErrTransportGone, s.deadErr)
	case <-ctx.Done():
		s.cancelBackend(backendID, ctx.Err())
		return nil, ctx.Err()
	}
}

// Notify forwards a notification to the backend. Notifications have no
// id, so nothing is rewritten.
func (s *Session) Notify(ctx context.Context, note *mcp.Message) error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	if err := s.tr.Send(ctx, note); err != nil {
		s.die(err)
		return errors.Join(ErrTransportGone, err)
	}
	return nil
}

// cancelBackend tells the backend the rewritten request is abandoned.
func (s *Session) cancelBackend(backendID string, cause error) {
	reason := "cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "timeout"
	}
	note, err := mcp.NewNotification(mcp.MethodCancelled, mcp.CancelledParams{
		RequestID: json.RawMessage(backendID),
		Reason:    reason,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.tr.Send(ctx, note)
}

// readLoop is the single consumer of the transport: responses are
// matched to pending invocations by the rewritten id, notifications go
// to the notification sink, and a transport failure kills the session.
func (s *Session) readLoop() {
	for {
		msg, err := s.tr.Recv(context.Background())
		if err != nil {
			s.die(err)
			return
		}
		switch {
		case msg.IsResponse():
			s.mu.Lock()
			ch, ok := s.pending[string(msg.ID)]
			s.mu.Unlock()
			if !ok {
				s.log.Debug("response for unknown id", slog.String("id", msg.IDString()))
				continue
			}
			select {
			case ch <- msg:
			default:
			}
		case msg.IsNotification():
			if s.onNotify != nil {
				s.onNotify(s.serverName, msg)
			}
		default:
			// Backend-originated requests (sampling) are not supported;
			// answer so the backend does not wait forever.
			reply := mcp.NewError(msg.ID, mcp.ErrCodeMethodNotFound, "method not supported by gateway", nil)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.tr.Send(ctx, reply)
			cancel()
		}
	}
}

// die marks the session dead, fails every pending invocation, and tears
// the transport down. Read and write failures both land here; whichever
// arrives first wins.
func (s *Session) die(cause error) {
	s.dieOnce.Do(func() {
		s.state.Store(int32(StateDead))
		s.deadErr = cause
		close(s.done)
		s.log.Warn("session died", logger.Error(cause))

		// A write failure leaves the read side open (an SSE stream whose
		// POST endpoint broke); closing the transport also stops the
		// readLoop.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.tr.Drain(ctx)
		}()

		if s.onDead != nil {
			s.onDead(s)
		}
	})
}

// drain shuts the transport down. Pending invocations have either
// completed or will observe done.
func (s *Session) drain(ctx context.Context) {
	s.drainOnce.Do(func() {
		s.state.Store(int32(StateDraining))
		_ = s.tr.Drain(ctx)
	})
}
