package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/pkg/apperror"
	"github.com/fnf-ea/mcp-orch/pkg/auth"
)

// channelState is the client channel lifecycle phase.
type channelState int32

const (
	channelOpening channelState = iota
	channelOpen
	channelClosing
	channelClosed
)

// Channel is one connected SSE client. Outbound messages pass through a
// bounded FIFO; a full queue is the backpressure signal, never a block
// on the dispatch path. Accepted requests reserve their reply slot up
// front, so a 202 means the reply will fit.
type Channel struct {
	ID        string
	ProjectID string
	Caller    *auth.Caller

	queue chan *mcp.Message
	state atomic.Int32

	// resMu guards reserved. Invariant: reserved + len(queue) <= cap(queue).
	resMu    sync.Mutex
	reserved int

	// ctx is cancelled on close, aborting in-flight dispatches that were
	// started on behalf of this channel.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newChannel(id, projectID string, caller *auth.Caller, queueSize int) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		ID:        id,
		ProjectID: projectID,
		Caller:    caller,
		queue:     make(chan *mcp.Message, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.state.Store(int32(channelOpening))
	return c
}

// Context returns the per-channel context.
func (c *Channel) Context() context.Context { return c.ctx }

// markOpen transitions Opening to Open once the endpoint event is on the
// wire.
func (c *Channel) markOpen() {
	c.state.CompareAndSwap(int32(channelOpening), int32(channelOpen))
}

// Reserve claims queue capacity for a reply that will be enqueued
// later. Closed channels reject with ErrChannelClosed, exhausted
// capacity with ErrBackpressure.
func (c *Channel) Reserve() error {
	if channelState(c.state.Load()) >= channelClosing {
		return apperror.ErrChannelClosed
	}
	c.resMu.Lock()
	defer c.resMu.Unlock()
	if c.reserved+len(c.queue) >= cap(c.queue) {
		return apperror.ErrBackpressure
	}
	c.reserved++
	return nil
}

// Unreserve returns an unused reservation, for accepted messages that
// produce no reply.
func (c *Channel) Unreserve() {
	c.resMu.Lock()
	if c.reserved > 0 {
		c.reserved--
	}
	c.resMu.Unlock()
}

// Enqueue queues one outbound message without a reservation; used for
// notifications, which are droppable. Closed channels reject with
// ErrChannelClosed; a queue full of messages or reservations rejects
// with ErrBackpressure.
func (c *Channel) Enqueue(msg *mcp.Message) error {
	if channelState(c.state.Load()) >= channelClosing {
		return apperror.ErrChannelClosed
	}
	c.resMu.Lock()
	defer c.resMu.Unlock()
	if c.reserved+len(c.queue) >= cap(c.queue) {
		return apperror.ErrBackpressure
	}
	c.queue <- msg
	return nil
}

// EnqueueReserved queues one outbound message against a reservation
// made at accept time. The reservation guarantees capacity.
func (c *Channel) EnqueueReserved(msg *mcp.Message) error {
	if channelState(c.state.Load()) >= channelClosing {
		return apperror.ErrChannelClosed
	}
	c.resMu.Lock()
	defer c.resMu.Unlock()
	if c.reserved > 0 {
		c.reserved--
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return apperror.ErrBackpressure
	}
}

// Close cancels the channel's context and rejects further traffic.
// Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(channelClosing))
		c.cancel()
		c.state.Store(int32(channelClosed))
	})
}
