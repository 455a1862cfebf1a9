package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/domain/transport"
	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
)

// NotificationSink receives backend-originated notifications. The bridge
// registers one per running gateway; nil sinks drop notifications.
type NotificationSink func(projectID, serverName string, msg *mcp.Message)

// SpecSource resolves a server ref (id or name) to a decrypted spec.
// Implemented by the registry service.
type SpecSource interface {
	Get(ctx context.Context, projectID, ref string) (*registry.Spec, error)
	ListEnabled(ctx context.Context, projectID string) ([]*registry.Spec, error)
}

// refKey indexes live sessions by the ref a caller used, so a Ready
// session is found without touching the registry.
type refKey struct {
	projectID string
	ref       string
}

// Manager owns the session table. Construction of a missing session is
// collapsed through singleflight so a burst of requests for the same
// server spawns exactly one process and runs exactly one handshake.
type Manager struct {
	registry SpecSource
	factory  TransportFactory
	cfg      *config.Config
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*Session
	refs     map[refKey]Key

	group singleflight.Group

	notifyMu sync.RWMutex
	notify   NotificationSink
}

// NewManager creates the session manager.
func NewManager(reg SpecSource, factory TransportFactory, cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{
		registry: reg,
		factory:  factory,
		cfg:      cfg,
		log:      log.With(logger.Scope("session.manager")),
		sessions: make(map[Key]*Session),
		refs:     make(map[refKey]Key),
	}
}

// SetNotificationSink wires the bridge's fan-out. Setter injection keeps
// the bridge depending on the manager and not the other way around.
func (m *Manager) SetNotificationSink(sink NotificationSink) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.notify = sink
}

func (m *Manager) dispatchNotification(projectID, serverName string, msg *mcp.Message) {
	m.notifyMu.RLock()
	sink := m.notify
	m.notifyMu.RUnlock()
	if sink != nil {
		sink(projectID, serverName, msg)
	}
}

// Acquire resolves ref, returns the live session for it (building one if
// needed), and marks it in use. Callers must Release exactly once.
// The registry is consulted only on a miss: a Ready session is found
// through the ref index without a database round-trip, and availability
// is re-validated on build, not per call.
func (m *Manager) Acquire(ctx context.Context, projectID, ref string) (*Session, error) {
	if s := m.tryAcquire(projectID, ref); s != nil {
		return s, nil
	}

	spec, err := m.registry.Get(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}
	if !spec.Available(time.Now()) {
		return nil, ErrServerDisabled
	}

	key := Key{ProjectID: spec.ProjectID, ServerID: spec.ID}

	// First acquire by name for a server whose session was built under
	// its id (or the reverse) lands here.
	if s := m.tryAcquire(key.ProjectID, key.ServerID); s != nil {
		return s, nil
	}

	// Collapse concurrent builds. The flight key is the resolved server
	// id, so id-vs-name racers for the same server collapse too. The
	// build runs on a context detached from the first caller: one client
	// disconnecting mid-handshake must not fail every coalesced acquire.
	// Each waiter still honors its own deadline through the select below.
	resCh := m.group.DoChan(key.ProjectID+"/"+key.ServerID, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[key]; ok && s.State() == StateReady {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()
		return m.build(context.WithoutCancel(ctx), key, spec)
	})

	var s *Session
	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		s = res.Val.(*Session)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The flight result is shared by every waiter, so the per-caller
	// inflight bump happens here, and only against the session still
	// published in the table: a concurrently evicted one is not handed
	// out.
	m.mu.Lock()
	if cur, ok := m.sessions[key]; !ok || cur != s || s.State() != StateReady {
		m.mu.Unlock()
		return nil, ErrNotReady
	}
	s.inflight.Add(1)
	s.touch()
	m.mu.Unlock()
	return s, nil
}

// tryAcquire returns the cached Ready session for the ref with its
// inflight count already bumped, or nil. The bump happens under the
// table lock so eviction can never observe inflight 0 and then lose the
// race.
func (m *Manager) tryAcquire(projectID, ref string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.refs[refKey{projectID, ref}]
	if !ok {
		return nil
	}
	s, ok := m.sessions[key]
	if !ok || s.State() != StateReady {
		return nil
	}
	s.inflight.Add(1)
	s.touch()
	return s
}

// Release marks one acquired use as finished.
func (m *Manager) Release(s *Session) {
	s.inflight.Add(-1)
	s.touch()
}

// Call is the common acquire, invoke, release cycle.
func (m *Manager) Call(ctx context.Context, projectID, ref string, req *mcp.Message) (*mcp.Message, error) {
	s, err := m.Acquire(ctx, projectID, ref)
	if err != nil {
		metricInvocations.WithLabelValues("error").Inc()
		return nil, err
	}
	defer m.Release(s)

	resp, err := s.Invoke(ctx, req)
	switch {
	case err == nil:
		metricInvocations.WithLabelValues("success").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		metricInvocations.WithLabelValues("timeout").Inc()
	default:
		metricInvocations.WithLabelValues("error").Inc()
	}
	return resp, err
}

// build spawns the transport, runs the handshake, and publishes the
// session. Runs inside the singleflight.
func (m *Manager) build(ctx context.Context, key Key, spec *registry.Spec) (*Session, error) {
	start := time.Now()
	tr, err := m.factory.Build(ctx, spec)
	if err != nil {
		metricSessionsFailed.Inc()
		return nil, err
	}

	s := newSession(key, spec, tr, m.log)
	s.state.Store(int32(StateInitializing))
	s.onDead = m.removeDead
	s.onNotify = func(serverName string, msg *mcp.Message) {
		m.dispatchNotification(key.ProjectID, serverName, msg)
	}

	handshakeTimeout := spec.Timeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = m.cfg.Session.DefaultTimeout
	}

	// The handshake is the transport's sole consumer until it completes;
	// the session's reader takes over afterwards.
	result, err := transport.Handshake(ctx, tr, handshakeTimeout)
	if err != nil {
		metricSessionsFailed.Inc()
		drainCtx, cancel := context.WithTimeout(context.Background(), m.cfg.Session.DrainGrace)
		defer cancel()
		s.drain(drainCtx)
		return nil, err
	}
	s.capabilities = result.Capabilities
	s.state.Store(int32(StateReady))
	go s.readLoop()

	m.mu.Lock()
	m.sessions[key] = s
	m.refs[refKey{key.ProjectID, key.ServerID}] = key
	m.refs[refKey{key.ProjectID, spec.Name}] = key
	m.mu.Unlock()

	metricSessionsCreated.Inc()
	metricSessionsActive.Inc()
	m.log.Info("session established",
		slog.String("project_id", key.ProjectID),
		slog.String("server", spec.Name),
		slog.String("backend", result.ServerInfo.Name),
		slog.Duration("took", time.Since(start)))
	return s, nil
}

// removeDead drops a dead session from the table. Pending invocations
// already observed the death through the session's done channel.
func (m *Manager) removeDead(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.key]; ok && cur == s {
		delete(m.sessions, s.key)
		m.dropRefsLocked(s)
		metricSessionsActive.Dec()
		metricSessionsEvicted.WithLabelValues("dead").Inc()
	}
	m.mu.Unlock()
}

// dropRefsLocked removes the session's ref index entries. Caller holds
// mu.
func (m *Manager) dropRefsLocked(s *Session) {
	delete(m.refs, refKey{s.key.ProjectID, s.key.ServerID})
	delete(m.refs, refKey{s.key.ProjectID, s.serverName})
}

// Evict removes a session if it is idle. Returns false when the session
// is absent or has invocations in flight.
func (m *Manager) Evict(ctx context.Context, key Key, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok || s.Inflight() > 0 {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, key)
	m.dropRefsLocked(s)
	m.mu.Unlock()

	metricSessionsActive.Dec()
	metricSessionsEvicted.WithLabelValues(reason).Inc()
	s.drain(ctx)
	m.log.Info("session evicted",
		slog.String("project_id", key.ProjectID),
		slog.String("server", s.serverName),
		slog.String("reason", reason))
	return true
}

// EvictIdle drains every session idle past the configured timeout.
// Called by the janitor.
func (m *Manager) EvictIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.Session.IdleTimeout())

	m.mu.Lock()
	var idle []Key
	for key, s := range m.sessions {
		if s.Inflight() == 0 && s.IdleSince().Before(cutoff) {
			idle = append(idle, key)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, key := range idle {
		if m.Evict(ctx, key, "idle") {
			evicted++
		}
	}
	return evicted
}

// DrainAll tears every session down. Used at shutdown.
func (m *Manager) DrainAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[Key]*Session)
	m.refs = make(map[refKey]Key)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.drain(ctx)
			metricSessionsActive.Dec()
			metricSessionsEvicted.WithLabelValues("shutdown").Inc()
		}(s)
	}
	wg.Wait()
	m.log.Info("all sessions drained", slog.Int("count", len(all)))
}

// Active returns a snapshot of live session keys, for diagnostics.
func (m *Manager) Active() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	return keys
}
