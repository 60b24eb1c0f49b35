// Package session coordinates one game: rules state, clock, strength tuning and
// the worker link that searches for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/book"
	"github.com/park285/chess-tempo/internal/clock"
	"github.com/park285/chess-tempo/internal/complexity"
	"github.com/park285/chess-tempo/internal/dispatch"
	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/strength"
	"github.com/park285/chess-tempo/internal/timealloc"
	"github.com/park285/chess-tempo/internal/transport"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrGameOver    = errors.New("game is over")
	ErrIllegalMove = errors.New("illegal move")
	ErrBusy        = errors.New("a search is already running")
	ErrStale       = errors.New("position changed during search")
	ErrIdle        = errors.New("no search running")
	ErrInvalidFEN  = errors.New("invalid start position")
)

const DefaultElo = 1500

// Status is the game's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusFlagged  Status = "flagged"
)

type Options struct {
	// StartFEN defaults to the initial position.
	StartFEN    string
	TimeControl clock.TimeControl
	Resolution  time.Duration
	// Tuning defaults to Auto at DefaultElo.
	Tuning    strength.TuningConfig
	MovesToGo int
	Capacity  int
	Grace     time.Duration
	Book      *book.Book
	Logger    *zap.Logger
}

// MoveResult describes one applied move.
type MoveResult struct {
	UCI      string
	SAN      string
	FEN      string
	Source   string // "player", "book" or "engine"
	BudgetMs int64
}

type Snapshot struct {
	ID           string
	StartFEN     string
	FEN          string
	Moves        []string
	SAN          []string
	Turn         clock.Side
	Status       Status
	Winner       string
	Reason       string
	Clock        clock.State
	Tuning       strength.Change
	OpeningCode  string
	OpeningTitle string
	Searching    bool
	Analysis     []protocol.Line
	AnalysisAt   int
}

type Session struct {
	id        string
	logger    *zap.Logger
	clock     *clock.Clock
	tuner     *strength.Tuner
	controls  *strength.Controls
	disp      *dispatch.Dispatcher
	conn      transport.Conn
	book      *book.Book
	movesToGo int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	startFEN   string
	game       *nchess.Game
	moves      []string
	sans       []string
	status     Status
	winner     string
	reason     string
	busy       bool
	analysis   []protocol.Line
	analysisAt int
	closed     bool
}

// New starts a session over conn. The session owns conn from here on.
func New(id string, conn transport.Conn, opts Options) (*Session, error) {
	game, err := newGame(opts.StartFEN)
	if err != nil {
		return nil, err
	}
	startFEN := strings.TrimSpace(opts.StartFEN)
	if startFEN == "" {
		startFEN = complexity.StartPos
	}

	logger := obslog.OrNop(opts.Logger)
	if opts.Logger == nil {
		logger = obslog.Named("session")
	}
	logger = logger.With(zap.String("session_id", id))

	clockOpts := []clock.Option{clock.WithTimeControl(opts.TimeControl)}
	if opts.Resolution > 0 {
		clockOpts = append(clockOpts, clock.WithResolution(opts.Resolution))
	}
	clk := clock.New(clockOpts...)
	clk.SetTurn(sideOf(game.Position().Turn()))

	controls := strength.NewControls()
	tuner := strength.NewTuner(controls, strength.WithTunerLogger(logger))
	cfg := opts.Tuning
	if cfg == nil {
		cfg = strength.Auto{EloLike: DefaultElo, Mode: strength.ModePlay}
	}
	if _, err := tuner.Retune(cfg); err != nil {
		return nil, err
	}

	dispOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	if opts.Capacity > 0 {
		dispOpts = append(dispOpts, dispatch.WithCapacity(opts.Capacity))
	}
	if opts.Grace > 0 {
		dispOpts = append(dispOpts, dispatch.WithGrace(opts.Grace))
	}

	movesToGo := opts.MovesToGo
	if movesToGo <= 0 {
		movesToGo = timealloc.DefaultMovesToGo
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		logger:    logger,
		clock:     clk,
		tuner:     tuner,
		controls:  controls,
		disp:      dispatch.New(conn, dispOpts...),
		conn:      conn,
		book:      opts.Book,
		movesToGo: movesToGo,
		cancel:    cancel,
		startFEN:  startFEN,
		game:      game,
		status:    StatusActive,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("session_link_down", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.watch(ctx)
	}()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Clock() *clock.Clock { return s.clock }

// PlayMove applies a move given in UCI or SAN for the side to move.
func (s *Session) PlayMove(move string) (MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return MoveResult{}, ErrGameOver
	}
	res, err := s.applyLocked(move)
	if err != nil {
		return MoveResult{}, err
	}
	res.Source = "player"
	return res, nil
}

// EngineMove searches the current position under the allocated budget and plays
// the result. Book moves are played without a search.
func (s *Session) EngineMove(ctx context.Context) (MoveResult, error) {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return MoveResult{}, ErrGameOver
	}
	if s.busy {
		s.mu.Unlock()
		return MoveResult{}, ErrBusy
	}
	if res, ok := s.bookMoveLocked(); ok {
		s.mu.Unlock()
		return res, nil
	}
	fen := s.game.FEN()
	ply := len(s.moves)
	budget := s.budgetLocked(fen)
	s.busy = true
	s.mu.Unlock()
	defer s.release()

	params := s.tuner.Effective()
	req := protocol.Play(fen, params.EloLike, s.controls.Snapshot().Depth, budget)
	call, err := s.disp.Send(ctx, req)
	if err != nil {
		return MoveResult{}, err
	}
	s.logger.Debug("engine_move_requested",
		zap.Uint64("id", call.ID()),
		zap.Int64("budget_ms", budget),
		zap.Int("elo", params.EloLike))

	rep, err := call.Wait(ctx)
	if err != nil {
		return MoveResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return MoveResult{}, ErrGameOver
	}
	if len(s.moves) != ply {
		return MoveResult{}, ErrStale
	}
	best := rep.Best()
	if best == "" {
		return MoveResult{}, fmt.Errorf("%w: empty best move", dispatch.ErrProtocol)
	}
	res, err := s.applyLocked(best)
	if err != nil {
		return MoveResult{}, fmt.Errorf("engine move %q: %w", best, err)
	}
	res.Source = "engine"
	res.BudgetMs = budget
	return res, nil
}

// Analyze searches the current position without playing. onProgress, if set,
// receives every intermediate reply.
func (s *Session) Analyze(ctx context.Context, onProgress func(protocol.Reply)) (protocol.Reply, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return protocol.Reply{}, ErrBusy
	}
	fen := s.game.FEN()
	ply := len(s.moves)
	s.busy = true
	s.mu.Unlock()
	defer s.release()

	record := func(rep protocol.Reply) {
		s.mu.Lock()
		if len(s.moves) == ply {
			s.analysis = rep.Lines
			s.analysisAt = rep.Depth
		}
		s.mu.Unlock()
	}

	ctl := s.controls.Snapshot()
	req := protocol.Analyze(fen, ctl.Depth, ctl.MultiPV, ctl.MoveTime)
	call, err := s.disp.Send(ctx, req, dispatch.WithProgress(func(rep protocol.Reply) {
		record(rep)
		if onProgress != nil {
			onProgress(rep)
		}
	}))
	if err != nil {
		return protocol.Reply{}, err
	}
	rep, err := call.Wait(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}
	record(rep)
	return rep, nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Stop asks the worker to end the running search early. The search still
// settles with the best result found so far.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.busy
	s.mu.Unlock()
	if !running {
		return ErrIdle
	}
	return s.disp.Stop(ctx)
}

// Retune replaces the tuning configuration.
func (s *Session) Retune(cfg strength.TuningConfig) (strength.Change, error) {
	if _, err := s.tuner.Retune(cfg); err != nil {
		return strength.Change{}, err
	}
	return s.tuner.Current(), nil
}

// SetManual applies manual overrides. They are ignored while tuning is automatic.
func (s *Session) SetManual(m strength.Manual) (bool, error) {
	return s.tuner.SetManual(m)
}

func (s *Session) StartClock() error {
	if s.isOver() {
		return ErrGameOver
	}
	s.clock.Start()
	return nil
}

func (s *Session) PauseClock() { s.clock.Pause() }

// ResetClock restores the time control. A game lost on time becomes active again.
func (s *Session) ResetClock() {
	s.clock.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.SetTurn(sideOf(s.game.Position().Turn()))
	if s.status == StatusFlagged {
		s.status = StatusActive
		s.winner = ""
		s.reason = ""
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, title := "", ""
	if s.startFEN == complexity.StartPos {
		code, title = book.Opening(s.moves)
	}
	return Snapshot{
		ID:           s.id,
		StartFEN:     s.startFEN,
		FEN:          s.game.FEN(),
		Moves:        append([]string(nil), s.moves...),
		SAN:          append([]string(nil), s.sans...),
		Turn:         sideOf(s.game.Position().Turn()),
		Status:       s.status,
		Winner:       s.winner,
		Reason:       s.reason,
		Clock:        s.clock.State(),
		Tuning:       s.tuner.Current(),
		OpeningCode:  code,
		OpeningTitle: title,
		Searching:    s.busy,
		Analysis:     append([]protocol.Line(nil), s.analysis...),
		AnalysisAt:   s.analysisAt,
	}
}

// Close rejects any running search and releases the link.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.clock.Pause()
	err := s.disp.Close()
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Session) watch(ctx context.Context) {
	changes := s.tuner.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.clock.Events():
			if ev.Kind == clock.EventFlag {
				s.onFlag(ctx, ev.Side)
			}
		case ch := <-changes:
			s.logger.Debug("session_tuning_applied",
				zap.Bool("auto", ch.Auto),
				zap.Int("elo", ch.Elo),
				zap.Int64("movetime", ch.MoveTime))
		}
	}
}

func (s *Session) onFlag(ctx context.Context, side clock.Side) {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return
	}
	s.status = StatusFlagged
	s.winner = side.Opponent().String()
	s.reason = "time"
	running := s.busy
	s.mu.Unlock()

	s.clock.Pause()
	s.logger.Info("session_flagged", zap.String("side", side.String()))
	if running {
		if err := s.disp.Stop(ctx); err != nil {
			s.logger.Debug("session_stop_failed", zap.Error(err))
		}
	}
}

func (s *Session) isOver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != StatusActive
}

func (s *Session) budgetLocked(fen string) int64 {
	tuned := s.controls.Snapshot().MoveTime
	if s.clock.Untimed() {
		return tuned
	}
	st := s.clock.State()
	allocated := timealloc.Allocate(timealloc.Request{
		TimeLeftMs:  st.Remaining(sideOf(s.game.Position().Turn())),
		IncrementMs: st.IncMs,
		MovesToGo:   s.movesToGo,
		Complexity:  complexity.Estimate(fen),
	})
	if tuned > 0 {
		return min(allocated, tuned)
	}
	return allocated
}

func (s *Session) bookMoveLocked() (MoveResult, bool) {
	if !s.book.Enabled() {
		return MoveResult{}, false
	}
	hit, ok, err := s.book.Lookup(s.startFEN, s.moves)
	if err != nil {
		s.logger.Debug("session_book_lookup_failed", zap.Error(err))
		return MoveResult{}, false
	}
	if !ok {
		return MoveResult{}, false
	}
	res, err := s.applyLocked(hit.Move)
	if err != nil {
		s.logger.Debug("session_book_move_rejected", zap.String("move", hit.Move), zap.Error(err))
		return MoveResult{}, false
	}
	res.Source = "book"
	return res, true
}

func (s *Session) applyLocked(raw string) (MoveResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return MoveResult{}, ErrIllegalMove
	}
	pos := s.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, strings.ToLower(text))
	if err != nil {
		mv, err = nchess.AlgebraicNotation{}.Decode(pos, text)
		if err != nil {
			return MoveResult{}, fmt.Errorf("%w: %s", ErrIllegalMove, text)
		}
	}
	if err := s.game.Move(mv, nil); err != nil {
		return MoveResult{}, fmt.Errorf("%w: %s", ErrIllegalMove, text)
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	uciMove := strings.ToLower(nchess.UCINotation{}.Encode(pos, mv))
	s.moves = append(s.moves, uciMove)
	s.sans = append(s.sans, san)
	s.analysis = nil
	s.analysisAt = 0

	s.clock.OnMoveApplied()
	if outcome := s.game.Outcome(); outcome != nchess.NoOutcome {
		s.status = StatusFinished
		s.reason = s.game.Method().String()
		switch outcome {
		case nchess.WhiteWon:
			s.winner = clock.White.String()
		case nchess.BlackWon:
			s.winner = clock.Black.String()
		}
		s.clock.Pause()
		s.logger.Info("session_finished", zap.String("outcome", string(outcome)), zap.String("reason", s.reason))
	} else if !s.clock.Untimed() {
		s.clock.StartIfNotRunning()
	}
	return MoveResult{UCI: uciMove, SAN: san, FEN: s.game.FEN()}, nil
}

func newGame(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == complexity.StartPos {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	return nchess.NewGame(opt), nil
}

func sideOf(c nchess.Color) clock.Side {
	if c == nchess.Black {
		return clock.Black
	}
	return clock.White
}
