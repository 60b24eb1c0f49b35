package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-tempo/internal/dispatch"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/transport"
)

type fakeSearcher struct {
	mu      sync.Mutex
	jobs    []Job
	search  func(ctx context.Context, job Job, onProgress func(Progress)) (Result, error)
	stopped chan struct{}
	once    sync.Once
}

func newFakeSearcher(fn func(ctx context.Context, job Job, onProgress func(Progress)) (Result, error)) *fakeSearcher {
	return &fakeSearcher{search: fn, stopped: make(chan struct{})}
}

func (f *fakeSearcher) Search(ctx context.Context, job Job, onProgress func(Progress)) (Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return f.search(ctx, job, onProgress)
}

func (f *fakeSearcher) Stop() { f.once.Do(func() { close(f.stopped) }) }

func (f *fakeSearcher) seen() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Job(nil), f.jobs...)
}

// link wires a dispatcher to a worker over an in-memory pipe.
func link(t *testing.T, s Searcher) (*dispatch.Dispatcher, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	coord, end := transport.Pipe()
	d := dispatch.New(coord)
	w := New(end, s)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = d.Run(ctx) }()
	go func() { defer wg.Done(); _ = w.Serve(ctx) }()
	t.Cleanup(func() {
		_ = d.Close()
		cancel()
		_ = coord.Close()
		wg.Wait()
	})
	return d, ctx
}

func TestAnalyzeStreamsProgressThenFinal(t *testing.T) {
	s := newFakeSearcher(func(_ context.Context, job Job, onProgress func(Progress)) (Result, error) {
		for depth := 1; depth <= 3; depth++ {
			onProgress(Progress{Depth: depth, Lines: []protocol.Line{{Move: "e2e4", Score: 10 * depth}}})
		}
		return Result{BestMove: "e2e4", Depth: 3, Lines: []protocol.Line{{Move: "e2e4", Score: 30}, {Move: "d2d4", Score: 25}}}, nil
	})
	d, ctx := link(t, s)

	var mu sync.Mutex
	var depths []int
	call, err := d.Send(ctx, protocol.Analyze("startpos", 3, 2, 0), dispatch.WithProgress(func(rep protocol.Reply) {
		mu.Lock()
		depths = append(depths, rep.Depth)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rep, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !rep.Final || rep.Type != protocol.TypeAnalysis || len(rep.Lines) != 2 || rep.Depth != 3 {
		t.Fatalf("unexpected final reply: %+v", rep)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(depths) != 3 || depths[0] != 1 || depths[2] != 3 {
		t.Fatalf("unexpected progress depths: %v", depths)
	}
	jobs := s.seen()
	if len(jobs) != 1 || jobs[0].MultiPV != 2 || jobs[0].Depth != 3 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestPlayRepliesBestMoveWithoutProgress(t *testing.T) {
	s := newFakeSearcher(func(_ context.Context, _ Job, onProgress func(Progress)) (Result, error) {
		onProgress(Progress{Depth: 1, Lines: []protocol.Line{{Move: "g1f3"}}})
		return Result{BestMove: "g1f3", Depth: 8}, nil
	})
	d, ctx := link(t, s)

	progressed := false
	call, err := d.Send(ctx, protocol.Play("startpos", 1500, 10, 500), dispatch.WithProgress(func(protocol.Reply) {
		progressed = true
	}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rep, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rep.Type != protocol.TypeBestMove || rep.UCI != "g1f3" {
		t.Fatalf("unexpected reply: %+v", rep)
	}
	if progressed {
		t.Fatalf("play must not stream progress")
	}
	job := s.seen()[0]
	if job.Elo != 1500 || job.DepthCap != 10 || job.TimeMs != 500 {
		t.Fatalf("job fields not carried: %+v", job)
	}
}

func TestPlayFallsBackToFirstLine(t *testing.T) {
	s := newFakeSearcher(func(context.Context, Job, func(Progress)) (Result, error) {
		return Result{Lines: []protocol.Line{{Move: "c2c4"}}}, nil
	})
	d, ctx := link(t, s)

	call, err := d.Send(ctx, protocol.Play("startpos", 2000, 0, 300))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rep, err := call.Wait(ctx)
	if err != nil || rep.UCI != "c2c4" {
		t.Fatalf("got %+v, %v", rep, err)
	}
}

func TestSearchFailureRejectsCall(t *testing.T) {
	s := newFakeSearcher(func(context.Context, Job, func(Progress)) (Result, error) {
		return Result{}, errors.New("engine crashed")
	})
	d, ctx := link(t, s)

	call, err := d.Send(ctx, protocol.Play("startpos", 1500, 0, 300))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := call.Wait(ctx); !errors.Is(err, dispatch.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestEmptyResultRejectsCall(t *testing.T) {
	s := newFakeSearcher(func(context.Context, Job, func(Progress)) (Result, error) {
		return Result{}, nil
	})
	d, ctx := link(t, s)

	call, err := d.Send(ctx, protocol.Analyze("startpos", 2, 1, 0))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := call.Wait(ctx); !errors.Is(err, dispatch.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestStopEndsRunningSearch(t *testing.T) {
	started := make(chan struct{})
	var s *fakeSearcher
	s = newFakeSearcher(func(ctx context.Context, _ Job, _ func(Progress)) (Result, error) {
		close(started)
		select {
		case <-s.stopped:
			return Result{BestMove: "e2e4", Depth: 5}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	})
	d, ctx := link(t, s)

	call, err := d.Send(ctx, protocol.Play("startpos", 3000, 0, 60000))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-started
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rep, err := call.Wait(ctx)
	if err != nil || rep.UCI != "e2e4" {
		t.Fatalf("got %+v, %v", rep, err)
	}
}

func TestSearchesRunInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	active := 0
	overlap := false
	s := newFakeSearcher(func(_ context.Context, job Job, _ func(Progress)) (Result, error) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return Result{BestMove: job.FEN}, nil
	})
	d, ctx := link(t, s)

	fens := []string{"a", "b", "c"}
	calls := make([]*dispatch.Call, 0, len(fens))
	for _, fen := range fens {
		call, err := d.Send(ctx, protocol.Play(fen, 1500, 0, 100))
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		calls = append(calls, call)
	}
	for i, call := range calls {
		rep, err := call.Wait(ctx)
		if err != nil || rep.UCI != fens[i] {
			t.Fatalf("call %d: got %+v, %v", i, rep, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatalf("searches overlapped")
	}
}

func TestMalformedRequestIsSkipped(t *testing.T) {
	s := newFakeSearcher(func(context.Context, Job, func(Progress)) (Result, error) {
		return Result{BestMove: "e2e4"}, nil
	})
	coord, end := transport.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := New(end, s)
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	if err := coord.Send(ctx, []byte("not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame, _ := protocol.EncodeRequest(protocol.Request{Type: protocol.TypePlay, ID: 7, FEN: "startpos", TimeMs: 100})
	if err := coord.Send(ctx, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, err := coord.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	rep, err := protocol.DecodeReply(raw)
	if err != nil || rep.ID != 7 || rep.UCI != "e2e4" {
		t.Fatalf("got %+v, %v", rep, err)
	}

	_ = coord.Close()
	if err := <-done; err != nil {
		t.Fatalf("serve should end cleanly on close, got %v", err)
	}
}

func TestHandlerServesWebSocketLinks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newFakeSearcher(func(context.Context, Job, func(Progress)) (Result, error) {
		return Result{BestMove: "b1c3"}, nil
	})
	srv := httptest.NewServer(Handler(ctx, func() Searcher { return s }, nil))
	defer srv.Close()

	conn, err := transport.DialWS(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), transport.WithPingInterval(0))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	d := dispatch.New(conn)
	go func() { _ = d.Run(ctx) }()
	defer d.Close()

	call, err := d.Send(ctx, protocol.Play("startpos", 1500, 0, 200))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rep, err := call.Wait(ctx)
	if err != nil || rep.UCI != "b1c3" {
		t.Fatalf("got %+v, %v", rep, err)
	}
}

func TestServeHubServesRedisLinks(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	hub := transport.NewRedisHub(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newFakeSearcher(func(_ context.Context, job Job, _ func(Progress)) (Result, error) {
		return Result{BestMove: "g1f3"}, nil
	})
	served := make(chan error, 1)
	go func() { served <- ServeHub(ctx, hub, func() Searcher { return s }, nil) }()

	conn, err := hub.Open(ctx, "link-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d := dispatch.New(conn)
	go func() { _ = d.Run(ctx) }()

	call, err := d.Send(ctx, protocol.Play("startpos", 1500, 0, 200))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rep, err := call.Wait(ctx)
	if err != nil || rep.UCI != "g1f3" {
		t.Fatalf("got %+v, %v", rep, err)
	}

	_ = d.Close()
	cancel()
	if err := <-served; err != nil {
		t.Fatalf("ServeHub should stop cleanly, got %v", err)
	}
}
