package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/chess-tempo/internal/clock"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/session"
	"github.com/park285/chess-tempo/internal/transport"
	"github.com/park285/chess-tempo/internal/worker"
	"github.com/park285/chess-tempo/pkg/tempoclient"
	"github.com/park285/chess-tempo/pkg/tempodto"
)

// firstMoveSearcher answers every search with the first legal move.
type firstMoveSearcher struct{}

func (firstMoveSearcher) Search(_ context.Context, job worker.Job, onProgress func(worker.Progress)) (worker.Result, error) {
	opt, err := nchess.FEN(job.FEN)
	if err != nil {
		return worker.Result{}, err
	}
	moves := nchess.NewGame(opt).ValidMoves()
	if len(moves) == 0 {
		return worker.Result{}, worker.ErrNoMove
	}
	line := protocol.Line{Move: moves[0].String(), Score: 12, PV: []string{moves[0].String()}, MultiPV: 1}
	onProgress(worker.Progress{Depth: 1, Lines: []protocol.Line{line}})
	return worker.Result{BestMove: line.Move, Depth: 2, Lines: []protocol.Line{line}}, nil
}

func (firstMoveSearcher) Stop() {}

func newTestAPI(t *testing.T) *tempoclient.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	link := func(_ context.Context, _ string) (transport.Conn, error) {
		coord, end := transport.Pipe()
		go func() { _ = worker.New(end, firstMoveSearcher{}).Serve(ctx) }()
		return coord, nil
	}
	reg := session.NewRegistry(link, session.Options{TimeControl: clock.DefaultTimeControl, Resolution: time.Hour})
	srv := New(reg, WithSearchTimeout(5*time.Second))

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
		_ = reg.Close()
		cancel()
	})
	return tempoclient.New("http://tempo.test",
		tempoclient.WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
		tempoclient.WithTimeout(5*time.Second),
		tempoclient.WithRetry(1))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func expectAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *tempoclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected API error, got %v", err)
	}
	if apiErr.Status != status || apiErr.Body.Code != code {
		t.Fatalf("got status=%d code=%s, want %d %s", apiErr.Status, apiErr.Body.Code, status, code)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	c := newTestAPI(t)
	ctx := testCtx(t)

	st, err := c.CreateSession(ctx, tempodto.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.ID == "" || st.Status != "active" || st.Turn != "white" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.Clock.BaseMs != 300000 || st.Clock.White != "05:00" || st.Clock.Phase != "idle" {
		t.Fatalf("default time control not applied: %+v", st.Clock)
	}
	if !st.Tuning.Auto || st.Tuning.Elo != session.DefaultElo {
		t.Fatalf("unexpected tuning: %+v", st.Tuning)
	}

	got, err := c.Session(ctx, st.ID)
	if err != nil || got.ID != st.ID {
		t.Fatalf("get: %+v %v", got, err)
	}
}

func TestCreateWithOverrides(t *testing.T) {
	c := newTestAPI(t)
	ctx := testCtx(t)

	st, err := c.CreateSession(ctx, tempodto.CreateSessionRequest{
		TimeControl: "none",
		Tuning:      &tempodto.Tuning{Auto: true, Preset: "level6"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Clock.BaseMs != 0 || st.Tuning.Elo != 1900 {
		t.Fatalf("overrides not applied: %+v", st)
	}

	_, err = c.CreateSession(ctx, tempodto.CreateSessionRequest{TimeControl: "soon"})
	expectAPIError(t, err, 400, "bad_request")
	_, err = c.CreateSession(ctx, tempodto.CreateSessionRequest{FEN: "not a fen"})
	expectAPIError(t, err, 400, "invalid_position")
}

func TestPlayAndEngineMove(t *testing.T) {
	c := newTestAPI(t)
	ctx := testCtx(t)
	st, err := c.CreateSession(ctx, tempodto.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mv, err := c.Play(ctx, st.ID, "e2e4")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if mv.SAN != "e4" || mv.Source != "player" || mv.State.Clock.Phase != "running" {
		t.Fatalf("unexpected move response: %+v", mv)
	}
	_, err = c.Play(ctx, st.ID, "e2e4")
	expectAPIError(t, err, 422, "illegal_move")

	em, err := c.EngineMove(ctx, st.ID)
	if err != nil {
		t.Fatalf("engine move: %v", err)
	}
	if em.Source != "engine" || em.BudgetMs <= 0 || len(em.State.MovesUCI) != 2 {
		t.Fatalf("unexpected engine move: %+v", em)
	}
	if em.State.Clock.BlackMs != 303000 {
		t.Fatalf("black should have been credited the increment: %+v", em.State.Clock)
	}
}

func TestAnalyze(t *testing.T) {
	c := newTestAPI(t)
	ctx := testCtx(t)
	st, _ := c.CreateSession(ctx, tempodto.CreateSessionRequest{})

	res, err := c.Analyze(ctx, st.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Depth != 2 || len(res.Lines) != 1 || res.Progress != 1 {
		t.Fatalf("unexpected analysis: %+v", res)
	}
	got, _ := c.Session(ctx, st.ID)
	if len(got.Analysis) != 1 || len(got.MovesUCI) != 0 {
		t.Fatalf("analysis should be recorded without moving: %+v", got)
	}
}

func TestClockOperations(t *testing.T) {
	c := newTestAPI(t)
	ctx := testCtx(t)
	st, _ := c.CreateSession(ctx, tempodto.CreateSessionRequest{})

	cl, err := c.Clock(ctx, st.ID, "start")
	if err != nil || cl.Phase != "running" {
		t.Fatalf("start: %+v %v", cl, err)
	}
	cl, err = c.Clock(ctx, st.ID, "pause")
	if err != nil || cl.Phase != "idle" {
		t.Fatalf("pause: %+v %v", cl, err)
	}
	cl, err = c.Clock(ctx, st.ID, "reset")
	if err != nil || cl.WhiteMs != 300000 {
		t.Fatalf("reset: %+v %v", cl, err)
	}
	_, err = c.Clock(ctx, st.ID, "rewind")
	expectAPIError(t, err, 404, "not_found")
}

func TestTuningEndpoints(t *testing.T) {
	c := newTestAPI(t)
	ctx := testCtx(t)
	st, _ := c.CreateSession(ctx, tempodto.CreateSessionRequest{})

	res, err := c.SetManual(ctx, st.ID, tempodto.Tuning{Depth: 8, MoveTime: 500, MultiPV: 1})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if res.Applied || !res.Effective.Auto {
		t.Fatalf("manual must be ignored under auto: %+v", res)
	}

	res, err = c.Retune(ctx, st.ID, tempodto.Tuning{Auto: false, Depth: 8, MoveTime: 500, MultiPV: 2})
	if err != nil {
		t.Fatalf("put manual: %v", err)
	}
	if !res.Applied || res.Effective.Auto || res.Effective.Depth != 8 || res.Effective.MultiPV != 2 {
		t.Fatalf("unexpected manual tuning: %+v", res)
	}

	res, err = c.SetManual(ctx, st.ID, tempodto.Tuning{Depth: 10, MoveTime: 700, MultiPV: 1})
	if err != nil || !res.Applied || res.Effective.Depth != 10 {
		t.Fatalf("manual overrides should apply now: %+v %v", res, err)
	}

	res, err = c.Retune(ctx, st.ID, tempodto.Tuning{Mode: "analysis", Depth: 9, MoveTime: 600, MultiPV: 3})
	if err != nil || res.Effective.Mode != "analysis" {
		t.Fatalf("manual analysis: %+v %v", res, err)
	}
	res, err = c.SetManual(ctx, st.ID, tempodto.Tuning{Depth: 15})
	if err != nil || !res.Applied {
		t.Fatalf("single-control patch: %+v %v", res, err)
	}
	if e := res.Effective; e.Depth != 15 || e.MoveTime != 600 || e.MultiPV != 3 || e.Mode != "analysis" {
		t.Fatalf("patch must keep untouched controls and mode: %+v", e)
	}

	res, err = c.Retune(ctx, st.ID, tempodto.Tuning{Auto: true, Elo: 2200})
	if err != nil || !res.Effective.Auto || res.Effective.Elo != 2200 {
		t.Fatalf("back to auto: %+v %v", res, err)
	}

	_, err = c.Retune(ctx, st.ID, tempodto.Tuning{Auto: false})
	expectAPIError(t, err, 400, "bad_request")
}

func TestErrorsAndDelete(t *testing.T) {
	c := newTestAPI(t)
	ctx := testCtx(t)

	_, err := c.Session(ctx, "missing")
	expectAPIError(t, err, 404, "not_found")

	st, _ := c.CreateSession(ctx, tempodto.CreateSessionRequest{})
	err = c.Stop(ctx, st.ID)
	expectAPIError(t, err, 409, "idle")

	if err := c.DeleteSession(ctx, st.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = c.Session(ctx, st.ID)
	expectAPIError(t, err, 404, "not_found")
}

func TestSplitPath(t *testing.T) {
	got := splitPath("//sessions/abc/clock/start/")
	want := []string{"sessions", "abc", "clock", "start"}
	if len(got) != len(want) {
		t.Fatalf("splitPath = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitPath = %v", got)
		}
	}
}
