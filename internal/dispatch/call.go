package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/park285/chess-tempo/internal/protocol"
)

const progressBuffer = 16

// Call is one in-flight request. It settles exactly once: with a terminal reply,
// or with an error (protocol, deadline, cancel, close).
type Call struct {
	id       uint64
	req      protocol.Request
	deadline time.Time

	d          *Dispatcher
	onProgress func(protocol.Reply)

	mu       sync.Mutex
	settled  bool
	reply    protocol.Reply
	err      error
	done     chan struct{}
	progress chan protocol.Reply
	timer    *time.Timer
}

// CallOption customises a single Send.
type CallOption func(*Call)

// WithProgress registers fn for non-terminal replies. It runs on the dispatcher's
// reader goroutine and must not block.
func WithProgress(fn func(protocol.Reply)) CallOption {
	return func(c *Call) { c.onProgress = fn }
}

func newCall(d *Dispatcher, id uint64, req protocol.Request, opts []CallOption) *Call {
	c := &Call{
		id:       id,
		req:      req,
		d:        d,
		done:     make(chan struct{}),
		progress: make(chan protocol.Reply, progressBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Call) ID() uint64                { return c.id }
func (c *Call) Request() protocol.Request { return c.req }
func (c *Call) Deadline() time.Time       { return c.deadline }

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// Progress delivers non-terminal replies in arrival order and is closed on settle.
// When the reader falls behind, the oldest buffered update is discarded.
func (c *Call) Progress() <-chan protocol.Reply { return c.progress }

// Wait blocks until the call settles. If ctx ends first the call is cancelled.
func (c *Call) Wait(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		if c.Cancel() {
			return protocol.Reply{}, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		}
		return c.Result()
	}
}

// Result returns the settled outcome, or ErrPending.
func (c *Call) Result() (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settled {
		return protocol.Reply{}, ErrPending
	}
	return c.reply, c.err
}

// Cancel rejects the call with ErrCanceled. It reports false if the call had already settled.
// A reply arriving later is dropped.
func (c *Call) Cancel() bool {
	return c.d.settle(c, protocol.Reply{}, ErrCanceled)
}

func (c *Call) pushProgress(rep protocol.Reply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return false
	}
	select {
	case c.progress <- rep:
		return true
	default:
	}
	select {
	case <-c.progress:
	default:
	}
	select {
	case c.progress <- rep:
	default:
	}
	return true
}

// finish records the outcome. Callers must have removed c from the table first.
func (c *Call) finish(rep protocol.Reply, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return
	}
	c.settled = true
	c.reply = rep
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.progress)
	close(c.done)
}
