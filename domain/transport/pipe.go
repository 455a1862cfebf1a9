package transport

import (
	"context"
	"sync"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
)

// Pipe is an in-process Transport for tests, in the spirit of net.Pipe:
// the test plays the backend by reading what the gateway sent with
// ServerRecv and injecting frames with ServerSend. It lives here because
// the Transport set is sealed.
type Pipe struct {
	toBackend chan *mcp.Message
	toClient  chan *mcp.Message

	done     chan struct{}
	doneOnce sync.Once
	readErr  error

	sendMu  sync.Mutex
	sendErr error

	drained chan struct{}
	drain   sync.Once
}

var _ Transport = (*Pipe)(nil)

// NewPipe creates an open pipe transport.
func NewPipe() *Pipe {
	return &Pipe{
		toBackend: make(chan *mcp.Message, recvBuffer),
		toClient:  make(chan *mcp.Message, recvBuffer),
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
	}
}

func (*Pipe) sealed() {}

func (*Pipe) Kind() Kind { return KindStdio }

func (p *Pipe) Send(ctx context.Context, msg *mcp.Message) error {
	p.sendMu.Lock()
	err := p.sendErr
	p.sendMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return p.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	case p.toBackend <- msg:
		return nil
	}
}

func (p *Pipe) Recv(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg := <-p.toClient:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.toClient:
		return msg, nil
	case <-p.done:
		return nil, p.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipe) Drain(_ context.Context) error {
	p.drain.Do(func() {
		close(p.drained)
		p.fail(ErrClosed)
	})
	return nil
}

// ServerRecv returns the next frame the gateway sent.
func (p *Pipe) ServerRecv(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg := <-p.toBackend:
		return msg, nil
	case <-p.done:
		return nil, p.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServerSend injects a frame toward the gateway.
func (p *Pipe) ServerSend(msg *mcp.Message) {
	select {
	case p.toClient <- msg:
	case <-p.done:
	}
}

// Kill simulates a transport failure with the given cause.
func (p *Pipe) Kill(err error) {
	p.fail(err)
}

// BreakSend makes every later Send fail while the read side stays open,
// like an SSE POST endpoint going away under a live stream.
func (p *Pipe) BreakSend(err error) {
	p.sendMu.Lock()
	p.sendErr = err
	p.sendMu.Unlock()
}

// Drained reports whether Drain has been called.
func (p *Pipe) Drained() bool {
	select {
	case <-p.drained:
		return true
	default:
		return false
	}
}

func (p *Pipe) closedErr() error {
	if p.readErr != nil {
		return p.readErr
	}
	return ErrClosed
}

func (p *Pipe) fail(err error) {
	p.doneOnce.Do(func() {
		p.readErr = err
		close(p.done)
	})
}
