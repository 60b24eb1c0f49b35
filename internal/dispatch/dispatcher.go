// Package dispatch multiplexes search requests to one worker and matches replies by id.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/transport"
)

const (
	DefaultCapacity = 64
	DefaultGrace    = 2 * time.Second

	minDepthTimeout = 6 * time.Second
	maxDepthTimeout = 20 * time.Second
	perDepthTimeout = 300 * time.Millisecond
)

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = obslog.OrNop(l) }
}

// WithCapacity bounds the number of calls that may be pending at once.
func WithCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithGrace sets how long past a request's timeMs the worker may take to answer.
func WithGrace(g time.Duration) Option {
	return func(d *Dispatcher) {
		if g >= 0 {
			d.grace = g
		}
	}
}

// Dispatcher owns the pending-call table for one worker link.
type Dispatcher struct {
	conn     transport.Conn
	logger   *zap.Logger
	capacity int
	grace    time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Call
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func New(conn transport.Conn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:     conn,
		logger:   obslog.Named("dispatch"),
		capacity: DefaultCapacity,
		grace:    DefaultGrace,
		pending:  make(map[uint64]*Call),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send assigns the next id, records the call and writes the request to the worker.
// Only analyze and play requests carry an id; use Stop for the global stop.
func (d *Dispatcher) Send(ctx context.Context, req protocol.Request, opts ...CallOption) (*Call, error) {
	if req.Type != protocol.TypeAnalyze && req.Type != protocol.TypePlay {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidRequest, req.Type)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if len(d.pending) >= d.capacity {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d pending", ErrTooManyInFlight, d.capacity)
	}
	d.nextID++
	req.ID = d.nextID
	call := newCall(d, req.ID, req, opts)
	call.deadline = d.deadlineFor(ctx, req)
	d.pending[req.ID] = call
	call.timer = time.AfterFunc(time.Until(call.deadline), func() { d.expire(call) })
	d.mu.Unlock()

	frame, err := protocol.EncodeRequest(req)
	if err == nil {
		err = d.conn.Send(ctx, frame)
	}
	if err != nil {
		d.settle(call, protocol.Reply{}, fmt.Errorf("send request %d: %w", req.ID, err))
		return nil, fmt.Errorf("send request: %w", err)
	}

	d.logger.Debug("dispatch_sent",
		zap.Uint64("id", req.ID),
		zap.String("type", string(req.Type)),
		zap.Int64("budget_ms", req.TimeMs),
		zap.Time("deadline", call.deadline))
	return call, nil
}

// Stop asks the worker to end its current search. Pending calls stay pending until
// the worker answers them or their deadlines pass.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	frame, err := protocol.EncodeRequest(protocol.Stop())
	if err != nil {
		return err
	}
	if err := d.conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	d.logger.Debug("dispatch_stop_sent", zap.Int("in_flight", d.InFlight()))
	return nil
}

// Run reads replies until ctx ends or the link fails. A link failure closes the
// dispatcher and rejects every pending call.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		frame, err := d.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				d.rejectAll(ErrClosed)
				return nil
			}
			d.logger.Warn("dispatch_link_failed", zap.Error(err))
			d.rejectAll(fmt.Errorf("%w: %v", ErrClosed, err))
			return err
		}
		d.handle(frame)
	}
}

func (d *Dispatcher) handle(frame []byte) {
	rep, err := protocol.DecodeReply(frame)
	if err != nil {
		d.logger.Warn("dispatch_malformed_reply", zap.Error(err), zap.ByteString("frame", truncate(frame, 256)))
		return
	}

	d.mu.Lock()
	call, ok := d.pending[rep.ID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("dispatch_unknown_id", zap.Uint64("id", rep.ID), zap.String("type", string(rep.Type)))
		return
	}

	switch rep.Kind() {
	case protocol.KindProgress:
		if call.pushProgress(rep) && call.onProgress != nil {
			call.onProgress(rep)
		}
	case protocol.KindFinal:
		d.settle(call, rep, nil)
	default:
		msg := rep.Message
		if msg == "" {
			msg = "unrecognized reply"
		}
		d.settle(call, rep, fmt.Errorf("%w: %s reply for %d: %s", ErrProtocol, rep.Type, rep.ID, msg))
	}
}

// settle removes call from the table and records the outcome. Only the first
// settle of a call takes effect.
func (d *Dispatcher) settle(call *Call, rep protocol.Reply, err error) bool {
	d.mu.Lock()
	cur, ok := d.pending[call.id]
	if !ok || cur != call {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, call.id)
	d.mu.Unlock()

	call.finish(rep, err)
	if err != nil {
		d.logger.Debug("dispatch_rejected", zap.Uint64("id", call.id), zap.Error(err))
	}
	return true
}

func (d *Dispatcher) expire(call *Call) {
	if d.settle(call, protocol.Reply{}, ErrDeadline) {
		d.logger.Warn("dispatch_deadline",
			zap.Uint64("id", call.id),
			zap.String("type", string(call.req.Type)),
			zap.Int64("budget_ms", call.req.TimeMs))
	}
}

func (d *Dispatcher) rejectAll(err error) {
	d.mu.Lock()
	calls := make([]*Call, 0, len(d.pending))
	for _, c := range d.pending {
		calls = append(calls, c)
	}
	d.pending = make(map[uint64]*Call)
	d.closed = true
	d.mu.Unlock()

	for _, c := range calls {
		c.finish(protocol.Reply{}, err)
	}
}

// Close rejects every pending call with ErrClosed and closes the worker link,
// even when Run already saw the link fail.
func (d *Dispatcher) Close() error {
	d.rejectAll(ErrClosed)
	d.closeOnce.Do(func() { d.closeErr = d.conn.Close() })
	return d.closeErr
}

// InFlight returns the number of pending calls.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) deadlineFor(ctx context.Context, req protocol.Request) time.Time {
	deadline := time.Now().Add(d.timeoutFor(req))
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

// timeoutFor follows the engine watchdog: timed searches get their budget plus
// grace, depth-only searches scale with depth.
func (d *Dispatcher) timeoutFor(req protocol.Request) time.Duration {
	if req.TimeMs > 0 {
		return time.Duration(req.TimeMs)*time.Millisecond + d.grace
	}
	depth := req.Depth
	if req.DepthCap > depth {
		depth = req.DepthCap
	}
	if depth > 0 {
		base := time.Duration(depth) * perDepthTimeout
		return min(max(base, minDepthTimeout), maxDepthTimeout)
	}
	return minDepthTimeout
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
