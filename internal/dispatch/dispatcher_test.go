package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/transport"
)

type harness struct {
	t      *testing.T
	d      *Dispatcher
	worker transport.Conn
	ctx    context.Context
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	coord, worker := transport.Pipe()
	d := New(coord, opts...)
	runDone := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		_ = d.Close()
		cancel()
		<-runDone
	})
	return &harness{t: t, d: d, worker: worker, ctx: ctx}
}

func (h *harness) recvRequest() protocol.Request {
	h.t.Helper()
	frame, err := h.worker.Recv(h.ctx)
	if err != nil {
		h.t.Fatalf("worker recv: %v", err)
	}
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		h.t.Fatalf("decode request: %v", err)
	}
	return req
}

func (h *harness) reply(rep protocol.Reply) {
	h.t.Helper()
	frame, err := protocol.EncodeReply(rep)
	if err != nil {
		h.t.Fatalf("encode reply: %v", err)
	}
	h.raw(frame)
}

func (h *harness) raw(frame []byte) {
	h.t.Helper()
	if err := h.worker.Send(h.ctx, frame); err != nil {
		h.t.Fatalf("worker send: %v", err)
	}
}

func (h *harness) send(req protocol.Request, opts ...CallOption) *Call {
	h.t.Helper()
	call, err := h.d.Send(h.ctx, req, opts...)
	if err != nil {
		h.t.Fatalf("send: %v", err)
	}
	return call
}

func waitDone(t *testing.T, c *Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("call %d did not settle", c.ID())
	}
}

func isDone(c *Call) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func analysis(id uint64, final bool, move string) protocol.Reply {
	return protocol.Reply{
		Type:  protocol.TypeAnalysis,
		ID:    id,
		Final: final,
		Depth: 10,
		Lines: []protocol.Line{{Move: move, Score: 20}},
	}
}

func TestSendAssignsMonotonicIDs(t *testing.T) {
	h := newHarness(t)
	for want := uint64(1); want <= 3; want++ {
		call := h.send(protocol.Play("startpos", 1500, 10, 500))
		if call.ID() != want {
			t.Fatalf("call id = %d, want %d", call.ID(), want)
		}
		req := h.recvRequest()
		if req.ID != want || req.Type != protocol.TypePlay || req.TimeMs != 500 {
			t.Fatalf("unexpected payload: %+v", req)
		}
	}
	if got := h.d.InFlight(); got != 3 {
		t.Fatalf("in flight = %d, want 3", got)
	}
}

func TestConcurrentCallsSettleInReplyOrder(t *testing.T) {
	h := newHarness(t)
	first := h.send(protocol.Analyze("startpos", 12, 1, 1000))
	second := h.send(protocol.Play("startpos", 2000, 12, 1000))
	h.recvRequest()
	h.recvRequest()

	h.reply(protocol.Reply{Type: protocol.TypeBestMove, ID: second.ID(), UCI: "e2e4"})
	waitDone(t, second)
	if isDone(first) {
		t.Fatalf("first call settled by a reply for the second")
	}
	rep, err := second.Result()
	if err != nil || rep.UCI != "e2e4" {
		t.Fatalf("second result = %+v, %v", rep, err)
	}

	h.reply(analysis(first.ID(), true, "d2d4"))
	waitDone(t, first)
	rep, err = first.Result()
	if err != nil || rep.Best() != "d2d4" {
		t.Fatalf("first result = %+v, %v", rep, err)
	}
	if h.d.InFlight() != 0 {
		t.Fatalf("expected empty table")
	}
}

func TestUnknownIDChangesNothing(t *testing.T) {
	h := newHarness(t)
	seen := make(chan protocol.Reply, 4)
	call := h.send(protocol.Analyze("startpos", 10, 1, 1000), WithProgress(func(r protocol.Reply) { seen <- r }))
	h.recvRequest()

	h.reply(protocol.Reply{Type: protocol.TypeBestMove, ID: 99, UCI: "a2a3"})
	h.reply(analysis(call.ID(), false, "e2e4"))

	select {
	case r := <-seen:
		if r.ID != call.ID() {
			t.Fatalf("progress for wrong id %d", r.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("progress never arrived")
	}
	if isDone(call) {
		t.Fatalf("unknown id must not settle anything")
	}
	if h.d.InFlight() != 1 {
		t.Fatalf("in flight = %d, want 1", h.d.InFlight())
	}
}

func TestProgressThenFinal(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	progressed := make(chan struct{}, 4)
	call := h.send(protocol.Analyze("startpos", 10, 3, 1000), WithProgress(func(protocol.Reply) {
		calls.Add(1)
		progressed <- struct{}{}
	}))
	h.recvRequest()

	h.reply(analysis(call.ID(), false, "e2e4"))
	select {
	case <-progressed:
	case <-time.After(3 * time.Second):
		t.Fatalf("progress callback not invoked")
	}
	if isDone(call) {
		t.Fatalf("progress must not settle the call")
	}
	if _, err := call.Result(); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
	select {
	case r := <-call.Progress():
		if r.Best() != "e2e4" {
			t.Fatalf("progress channel got %+v", r)
		}
	default:
		t.Fatalf("progress channel empty")
	}

	h.reply(analysis(call.ID(), true, "d2d4"))
	waitDone(t, call)
	if calls.Load() != 1 {
		t.Fatalf("progress callback ran %d times, want 1", calls.Load())
	}
	if _, ok := <-call.Progress(); ok {
		t.Fatalf("progress channel should be closed after settle")
	}
	rep, err := call.Result()
	if err != nil || !rep.Final {
		t.Fatalf("final result = %+v, %v", rep, err)
	}
}

func TestUnrecognizedReplyRejectsOnlyThatCall(t *testing.T) {
	h := newHarness(t)
	bad := h.send(protocol.Play("startpos", 1200, 8, 500))
	good := h.send(protocol.Play("startpos", 1200, 8, 500))
	h.recvRequest()
	h.recvRequest()

	h.reply(protocol.Reply{Type: protocol.TypeError, ID: bad.ID(), Message: "engine crashed"})
	waitDone(t, bad)
	if _, err := bad.Result(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if isDone(good) {
		t.Fatalf("other call must stay pending")
	}

	h.reply(protocol.Reply{Type: protocol.TypeBestMove, ID: good.ID(), UCI: "g1f3"})
	waitDone(t, good)
	if _, err := good.Result(); err != nil {
		t.Fatalf("good call: %v", err)
	}
}

func TestMalformedReplyIsDropped(t *testing.T) {
	h := newHarness(t)
	call := h.send(protocol.Play("startpos", 1200, 8, 500))
	h.recvRequest()

	h.raw([]byte("{not json"))
	h.raw([]byte(`{"type":"bestmove"}`))
	h.reply(protocol.Reply{Type: protocol.TypeBestMove, ID: call.ID(), UCI: "e2e4"})
	waitDone(t, call)
	if rep, err := call.Result(); err != nil || rep.UCI != "e2e4" {
		t.Fatalf("result = %+v, %v", rep, err)
	}
}

func TestStopSettlesNothing(t *testing.T) {
	h := newHarness(t)
	call := h.send(protocol.Analyze("startpos", 20, 1, 5000))
	h.recvRequest()

	if err := h.d.Stop(h.ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	req := h.recvRequest()
	if req.Type != protocol.TypeStop || req.ID != 0 {
		t.Fatalf("unexpected stop payload: %+v", req)
	}
	if isDone(call) {
		t.Fatalf("stop must not settle pending calls")
	}

	h.reply(analysis(call.ID(), true, "e2e4"))
	waitDone(t, call)
}

func TestDeadlineRejectsAbandonedCall(t *testing.T) {
	h := newHarness(t, WithGrace(0))
	call := h.send(protocol.Play("startpos", 1500, 10, 30))
	h.recvRequest()

	waitDone(t, call)
	if _, err := call.Result(); !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline, got %v", err)
	}
	if h.d.InFlight() != 0 {
		t.Fatalf("expired call must leave the table")
	}

	// a stale reply is dropped
	h.reply(protocol.Reply{Type: protocol.TypeBestMove, ID: call.ID(), UCI: "e2e4"})
	next := h.send(protocol.Play("startpos", 1500, 10, 5000))
	h.recvRequest()
	h.reply(protocol.Reply{Type: protocol.TypeBestMove, ID: next.ID(), UCI: "d2d4"})
	waitDone(t, next)
	if _, err := call.Result(); !errors.Is(err, ErrDeadline) {
		t.Fatalf("stale reply changed outcome: %v", err)
	}
}

func TestContextDeadlineCapsCallDeadline(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(h.ctx, 50*time.Millisecond)
	defer cancel()
	call, err := h.d.Send(ctx, protocol.Play("startpos", 1500, 10, 60000))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	h.recvRequest()
	if time.Until(call.Deadline()) > time.Second {
		t.Fatalf("deadline should follow ctx, got %v", call.Deadline())
	}
	waitDone(t, call)
	if _, err := call.Result(); !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	call := h.send(protocol.Play("startpos", 1500, 10, 5000))
	h.recvRequest()

	if !call.Cancel() {
		t.Fatalf("first cancel should settle")
	}
	if call.Cancel() {
		t.Fatalf("second cancel must be a no-op")
	}
	if _, err := call.Result(); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if h.d.InFlight() != 0 {
		t.Fatalf("cancelled call must leave the table")
	}
}

func TestWaitCancelsOnContext(t *testing.T) {
	h := newHarness(t)
	call := h.send(protocol.Play("startpos", 1500, 10, 5000))
	h.recvRequest()

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if h.d.InFlight() != 0 {
		t.Fatalf("expected empty table")
	}
}

func TestWaitReturnsReply(t *testing.T) {
	h := newHarness(t)
	call := h.send(protocol.Play("startpos", 1500, 10, 5000))
	h.recvRequest()
	h.reply(protocol.Reply{Type: protocol.TypeBestMove, ID: call.ID(), UCI: "c2c4"})
	rep, err := call.Wait(h.ctx)
	if err != nil || rep.UCI != "c2c4" {
		t.Fatalf("wait = %+v, %v", rep, err)
	}
}

func TestCapacityBound(t *testing.T) {
	h := newHarness(t, WithCapacity(1))
	first := h.send(protocol.Play("startpos", 1500, 10, 5000))
	h.recvRequest()
	if _, err := h.d.Send(h.ctx, protocol.Play("startpos", 1500, 10, 5000)); !errors.Is(err, ErrTooManyInFlight) {
		t.Fatalf("expected ErrTooManyInFlight, got %v", err)
	}
	first.Cancel()
	if _, err := h.d.Send(h.ctx, protocol.Play("startpos", 1500, 10, 5000)); err != nil {
		t.Fatalf("slot should be free after cancel: %v", err)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	h := newHarness(t)
	a := h.send(protocol.Play("startpos", 1500, 10, 5000))
	b := h.send(protocol.Analyze("startpos", 10, 1, 5000))

	if err := h.d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, c := range []*Call{a, b} {
		waitDone(t, c)
		if _, err := c.Result(); !errors.Is(err, ErrClosed) {
			t.Fatalf("call %d: expected ErrClosed, got %v", c.ID(), err)
		}
	}
	if _, err := h.d.Send(h.ctx, protocol.Play("startpos", 1500, 10, 5000)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v", err)
	}
	if err := h.d.Stop(h.ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("stop after close = %v", err)
	}
}

func TestSendRejectsStop(t *testing.T) {
	h := newHarness(t)
	if _, err := h.d.Send(h.ctx, protocol.Stop()); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestTimeoutFor(t *testing.T) {
	d := New(nil, WithGrace(2*time.Second))
	cases := []struct {
		req  protocol.Request
		want time.Duration
	}{
		{protocol.Play("", 1500, 10, 1000), 3 * time.Second},
		{protocol.Analyze("", 4, 1, 0), 6 * time.Second},
		{protocol.Analyze("", 30, 1, 0), 9 * time.Second},
		{protocol.Analyze("", 90, 1, 0), 20 * time.Second},
		{protocol.Request{Type: protocol.TypeAnalyze}, 6 * time.Second},
	}
	for _, tc := range cases {
		if got := d.timeoutFor(tc.req); got != tc.want {
			t.Fatalf("%+v: timeout %v, want %v", tc.req, got, tc.want)
		}
	}
}

// countingConn records how often the dispatcher closes its link.
type countingConn struct {
	transport.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func TestCloseReleasesLinkAfterPeerHangup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord, worker := transport.Pipe()
	conn := &countingConn{Conn: coord}
	d := New(conn)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()
	_ = worker.Close()
	if err := <-runDone; err != nil {
		t.Fatalf("run after peer close = %v, want nil", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = d.Close()
	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("link closed %d times, want exactly once", n)
	}
}
