package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/domain/transport"
	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/pkg/apperror"
)

const (
	testProject  = "0b6f9a62-1111-4a5e-9d2f-000000000001"
	testServerID = "0b6f9a62-2222-4a5e-9d2f-000000000002"
)

// stubSource serves one spec under both its id and its name, counting
// every resolve.
type stubSource struct {
	spec *registry.Spec
	gets atomic.Int64
}

func (s *stubSource) Get(_ context.Context, projectID, ref string) (*registry.Spec, error) {
	s.gets.Add(1)
	if s.spec == nil || projectID != s.spec.ProjectID {
		return nil, apperror.ErrServerNotFound
	}
	if ref != s.spec.ID && ref != s.spec.Name {
		return nil, apperror.ErrServerNotFound
	}
	copied := *s.spec
	return &copied, nil
}

func (s *stubSource) ListEnabled(_ context.Context, projectID string) ([]*registry.Spec, error) {
	if s.spec == nil || projectID != s.spec.ProjectID {
		return nil, nil
	}
	copied := *s.spec
	return []*registry.Spec{&copied}, nil
}

// pipeFactory builds Pipe transports with a scripted fake backend
// attached, counting every build.
type pipeFactory struct {
	mu         sync.Mutex
	builds     atomic.Int64
	pipes      []*transport.Pipe
	notes      chan *mcp.Message
	buildDelay time.Duration
	failWith   error
}

// notifications returns the channel of non-request frames the fake
// backend consumed; serveBackend is the pipe's only reader, so tests
// observe swallowed frames here instead of racing it on ServerRecv.
func (f *pipeFactory) notifications() chan *mcp.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notes == nil {
		f.notes = make(chan *mcp.Message, 64)
	}
	return f.notes
}

func (f *pipeFactory) Build(_ context.Context, _ *registry.Spec) (transport.Transport, error) {
	f.builds.Add(1)
	if f.buildDelay > 0 {
		time.Sleep(f.buildDelay)
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	p := transport.NewPipe()
	f.mu.Lock()
	f.pipes = append(f.pipes, p)
	f.mu.Unlock()
	go serveBackend(p, f.notifications())
	return p, nil
}

func (f *pipeFactory) lastPipe() *transport.Pipe {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pipes) == 0 {
		return nil
	}
	return f.pipes[len(f.pipes)-1]
}

// serveBackend answers initialize and echoes every other request.
func serveBackend(p *transport.Pipe, notes chan<- *mcp.Message) {
	ctx := context.Background()
	for {
		msg, err := p.ServerRecv(ctx)
		if err != nil {
			return
		}
		if !msg.IsRequest() {
			select {
			case notes <- msg:
			default:
			}
			continue
		}
		switch msg.Method {
		case mcp.MethodInitialize:
			resp, _ := mcp.NewResponse(msg.ID, mcp.InitializeResult{
				ProtocolVersion: mcp.ProtocolVersion,
				Capabilities:    json.RawMessage(`{"tools":{}}`),
				ServerInfo:      mcp.Implementation{Name: "pipe-backend", Version: "0.0.1"},
			})
			p.ServerSend(resp)
		case "test/sleep":
			// never answers; used for timeout and cancellation tests
		default:
			resp, _ := mcp.NewResponse(msg.ID, map[string]any{"echo": msg.Method})
			p.ServerSend(resp)
		}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			TimeoutMinutes:         30,
			CleanupIntervalMinutes: 5,
			DefaultTimeout:         5 * time.Second,
			DrainGrace:             time.Second,
			MaxFrameBytes:          4 << 20,
		},
	}
}

func testSpec() *registry.Spec {
	return &registry.Spec{
		ID:        testServerID,
		ProjectID: testProject,
		Name:      "filesystem",
		Transport: registry.TransportStdio,
		Command:   "unused",
		Timeout:   5 * time.Second,
		Enabled:   true,
	}
}

func newTestManager(t *testing.T) (*Manager, *pipeFactory) {
	t.Helper()
	factory := &pipeFactory{}
	m := NewManager(&stubSource{spec: testSpec()}, factory, testConfig(), slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.DrainAll(ctx)
	})
	return m, factory
}

func TestAcquireBuildsOnce(t *testing.T) {
	m, factory := newTestManager(t)

	const callers = 50
	var wg sync.WaitGroup
	sessions := make([]*Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Acquire(context.Background(), testProject, "filesystem")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
		m.Release(sessions[i])
	}
	assert.EqualValues(t, 1, factory.builds.Load())
}

func TestAcquireByIDAndNameShareSession(t *testing.T) {
	m, factory := newTestManager(t)

	byName, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	defer m.Release(byName)

	byID, err := m.Acquire(context.Background(), testProject, testServerID)
	require.NoError(t, err)
	defer m.Release(byID)

	assert.Same(t, byName, byID)
	assert.EqualValues(t, 1, factory.builds.Load())
}

func TestAcquireUnknownServer(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Acquire(context.Background(), testProject, "nope")
	assert.ErrorIs(t, err, apperror.ErrServerNotFound)
}

func TestAcquireDisabledServer(t *testing.T) {
	spec := testSpec()
	spec.Enabled = false
	m := NewManager(&stubSource{spec: spec}, &pipeFactory{}, testConfig(), slog.Default())

	_, err := m.Acquire(context.Background(), testProject, "filesystem")
	assert.ErrorIs(t, err, ErrServerDisabled)
}

func TestAcquireDisabledUntilFuture(t *testing.T) {
	future := time.Now().Add(time.Hour)
	spec := testSpec()
	spec.DisabledUntil = &future
	m := NewManager(&stubSource{spec: spec}, &pipeFactory{}, testConfig(), slog.Default())

	_, err := m.Acquire(context.Background(), testProject, "filesystem")
	assert.ErrorIs(t, err, ErrServerDisabled)
}

func TestInvokeRewritesAndRestoresID(t *testing.T) {
	m, factory := newTestManager(t)

	req, _ := mcp.NewRequest(json.RawMessage(`"client-77"`), "tools/list", nil)
	resp, err := m.Call(context.Background(), testProject, "filesystem", req)
	require.NoError(t, err)
	assert.Equal(t, `"client-77"`, string(resp.ID))

	// The backend never saw the client id: the pipe's fake answers with
	// whatever id it received, and a string id would not have matched the
	// session's integer counter.
	assert.NotNil(t, factory.lastPipe())
}

func TestInvokeConcurrentCallersDoNotCollide(t *testing.T) {
	m, _ := newTestManager(t)

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _ := json.Marshal(i)
			req, _ := mcp.NewRequest(id, "tools/list", nil)
			resp, err := m.Call(context.Background(), testProject, "filesystem", req)
			if assert.NoError(t, err) {
				assert.Equal(t, string(id), string(resp.ID))
			}
		}(i)
	}
	wg.Wait()
}

func TestInvokeTimeout(t *testing.T) {
	m, _ := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req, _ := mcp.NewRequest(json.RawMessage(`1`), "test/sleep", nil)
	_, err := m.Call(ctx, testProject, "filesystem", req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeCancellationNotifiesBackend(t *testing.T) {
	m, factory := newTestManager(t)

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	defer m.Release(s)

	pipe := factory.lastPipe()
	require.NotNil(t, pipe)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := mcp.NewRequest(json.RawMessage(`1`), "test/sleep", nil)
	_, err = s.Invoke(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The fake backend swallowed the sleep request; the next frame it
	// sees must be the cancellation.
	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	for {
		var frame *mcp.Message
		select {
		case frame = <-factory.notifications():
		case <-recvCtx.Done():
			t.Fatalf("backend never saw the cancellation: %v", recvCtx.Err())
		}
		if frame.Method == mcp.MethodCancelled {
			var params mcp.CancelledParams
			require.NoError(t, json.Unmarshal(frame.Params, &params))
			assert.Equal(t, "timeout", params.Reason)
			return
		}
	}
}

func TestEvictRespectsInflight(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)

	key := s.Key()
	assert.False(t, m.Evict(context.Background(), key, "test"), "in-use session must not be evicted")

	m.Release(s)
	assert.True(t, m.Evict(context.Background(), key, "test"))
	assert.Empty(t, m.Active())
}

func TestEvictIdleHonorsCutoff(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	m.Release(s)

	// Fresh session: not past the 30 minute idle cutoff.
	assert.Zero(t, m.EvictIdle(context.Background()))

	// Backdate the last use.
	s.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())
	assert.Equal(t, 1, m.EvictIdle(context.Background()))
	assert.Empty(t, m.Active())
}

func TestDeadSessionRemovedAndRebuilt(t *testing.T) {
	m, factory := newTestManager(t)

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	m.Release(s)

	factory.lastPipe().Kill(errors.New("backend crashed"))

	// Death propagates through the reader; wait for removal.
	require.Eventually(t, func() bool {
		return len(m.Active()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDead, s.State())

	rebuilt, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	defer m.Release(rebuilt)
	assert.NotSame(t, s, rebuilt)
	assert.EqualValues(t, 2, factory.builds.Load())
}

func TestInvokeAfterDeathReturnsTransportGone(t *testing.T) {
	m, factory := newTestManager(t)

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	defer m.Release(s)

	done := make(chan error, 1)
	go func() {
		req, _ := mcp.NewRequest(json.RawMessage(`1`), "test/sleep", nil)
		_, err := s.Invoke(context.Background(), req)
		done <- err
	}()

	// Let the request reach the backend, then kill the transport.
	time.Sleep(50 * time.Millisecond)
	factory.lastPipe().Kill(errors.New("connection reset"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransportGone)
	case <-time.After(2 * time.Second):
		t.Fatal("pending invoke did not observe transport death")
	}
}

func TestFailedBuildIsNotCached(t *testing.T) {
	factory := &pipeFactory{failWith: errors.New("spawn failed")}
	m := NewManager(&stubSource{spec: testSpec()}, factory, testConfig(), slog.Default())

	_, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.Error(t, err)
	assert.Empty(t, m.Active())

	// The next acquire tries again instead of returning a cached failure.
	factory.failWith = nil
	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	m.Release(s)
	assert.EqualValues(t, 2, factory.builds.Load())
}

func TestNotificationSinkReceivesBackendNotifications(t *testing.T) {
	m, factory := newTestManager(t)

	got := make(chan string, 1)
	m.SetNotificationSink(func(projectID, serverName string, msg *mcp.Message) {
		got <- serverName + ":" + msg.Method
	})

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	defer m.Release(s)

	note, _ := mcp.NewNotification("notifications/resources/updated", nil)
	factory.lastPipe().ServerSend(note)

	select {
	case v := <-got:
		assert.Equal(t, "filesystem:notifications/resources/updated", v)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not forwarded")
	}
}

func TestDrainAllEmptiesTable(t *testing.T) {
	m, factory := newTestManager(t)

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	m.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.DrainAll(ctx)

	assert.Empty(t, m.Active())
	assert.True(t, factory.lastPipe().Drained())
}

func TestAcquireHotPathSkipsRegistry(t *testing.T) {
	src := &stubSource{spec: testSpec()}
	factory := &pipeFactory{}
	m := NewManager(src, factory, testConfig(), slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.DrainAll(ctx)
	})

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	m.Release(s)
	require.EqualValues(t, 1, src.gets.Load())

	for i := 0; i < 10; i++ {
		byName, err := m.Acquire(context.Background(), testProject, "filesystem")
		require.NoError(t, err)
		m.Release(byName)

		byID, err := m.Acquire(context.Background(), testProject, testServerID)
		require.NoError(t, err)
		m.Release(byID)
	}
	assert.EqualValues(t, 1, src.gets.Load(), "acquires against a live session must not hit the registry")

	// Eviction clears the ref index; the next acquire resolves again.
	require.True(t, m.Evict(context.Background(), s.Key(), "test"))
	s2, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	m.Release(s2)
	assert.EqualValues(t, 2, src.gets.Load())
}

func TestWriteFailureKillsSession(t *testing.T) {
	m, factory := newTestManager(t)

	s, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)

	// Only writes fail; the read side stays open, like an SSE stream
	// whose POST endpoint broke.
	factory.lastPipe().BreakSend(errors.New("post message: server returned 500"))

	req, _ := mcp.NewRequest(json.RawMessage(`1`), "tools/list", nil)
	_, err = s.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrTransportGone)
	m.Release(s)

	require.Eventually(t, func() bool {
		return len(m.Active()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDead, s.State())

	rebuilt, err := m.Acquire(context.Background(), testProject, "filesystem")
	require.NoError(t, err)
	defer m.Release(rebuilt)
	assert.NotSame(t, s, rebuilt)
	assert.EqualValues(t, 2, factory.builds.Load())
}

func TestAcquireWaiterSurvivesFirstCallerCancel(t *testing.T) {
	factory := &pipeFactory{buildDelay: 200 * time.Millisecond}
	m := NewManager(&stubSource{spec: testSpec()}, factory, testConfig(), slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.DrainAll(ctx)
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(firstCtx, testProject, "filesystem")
		firstErr <- err
	}()

	// Let the first caller start the build, join its flight, then
	// abandon the first caller mid-build.
	time.Sleep(50 * time.Millisecond)
	secondErr := make(chan error, 1)
	go func() {
		s, err := m.Acquire(context.Background(), testProject, "filesystem")
		if err == nil {
			m.Release(s)
		}
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	require.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-secondErr, "a waiter must not inherit the first caller's cancellation")
	assert.EqualValues(t, 1, factory.builds.Load())
}

func TestAcquireNeverReturnsEvictedSession(t *testing.T) {
	m, _ := newTestManager(t)
	key := Key{ProjectID: testProject, ServerID: testServerID}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.Evict(context.Background(), key, "test")
			}
		}
	}()

	for i := 0; i < 100; i++ {
		s, err := m.Acquire(context.Background(), testProject, "filesystem")
		if err != nil {
			require.ErrorIs(t, err, ErrNotReady)
			continue
		}
		// A handed-out session is pinned: eviction must observe the
		// inflight count and leave it in the table until released.
		assert.Contains(t, m.Active(), s.Key())
		m.Release(s)
	}
	close(stop)
	wg.Wait()
}
