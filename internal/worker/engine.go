package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/strength"
	"github.com/park285/chess-tempo/internal/uci"
)

const (
	analysisHashMB = 128
	maxMultiPV     = 5
)

type EngineConfig struct {
	BinaryPath string
	Threads    int
	// PerKeyCapacity bounds live engine processes per option set.
	PerKeyCapacity int
	// Factory replaces process start-up; tests use it.
	Factory uci.Factory
}

// Engine owns the UCI session pool shared by every link a worker process serves.
type Engine struct {
	pool    *uci.Pool
	threads int
	logger  *zap.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	pool, err := uci.NewPool(uci.PoolConfig{
		BinaryPath:     cfg.BinaryPath,
		PerKeyCapacity: cfg.PerKeyCapacity,
		Factory:        cfg.Factory,
	})
	if err != nil {
		return nil, err
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}
	return &Engine{pool: pool, threads: threads, logger: obslog.Named("engine")}, nil
}

// NewSearcher returns a Searcher for one link. Stop on it only reaches that
// link's running search.
func (e *Engine) NewSearcher() *EngineSearcher {
	return &EngineSearcher{engine: e}
}

func (e *Engine) Close() error { return e.pool.Close() }

type EngineSearcher struct {
	engine *Engine

	mu   sync.Mutex
	halt func()
}

func (s *EngineSearcher) Search(ctx context.Context, job Job, onProgress func(Progress)) (Result, error) {
	if err := checkPosition(job.FEN); err != nil {
		return Result{}, err
	}
	e := s.engine
	opt, limits := e.plan(job)

	// stop는 go 전송 전에 와도 이 탐색에 적용된다
	stop := make(chan struct{})
	var once sync.Once
	s.mu.Lock()
	s.halt = func() { once.Do(func() { close(stop) }) }
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.halt = nil
		s.mu.Unlock()
	}()

	session, err := e.pool.Acquire(ctx, opt)
	if err != nil {
		return Result{}, err
	}
	var releaseErr error
	defer func() { e.pool.Release(session, releaseErr) }()

	onInfo := func(info uci.Info) {
		if onProgress != nil {
			onProgress(Progress{Depth: info.Depth, Lines: toLines(info.Candidates)})
		}
	}
	resp, err := session.Search(ctx, uci.SearchRequest{FEN: job.FEN, Limits: limits, Stop: stop}, onInfo)
	if err != nil {
		releaseErr = err
		e.logger.Debug("engine_search_failed", zap.Uint64("id", job.ID), zap.Error(err))
		return Result{}, err
	}
	return Result{BestMove: resp.BestMove, Depth: resp.Depth, Lines: toLines(resp.Candidates)}, nil
}

// Stop ends the running search, if any.
func (s *EngineSearcher) Stop() {
	s.mu.Lock()
	halt := s.halt
	s.mu.Unlock()
	if halt != nil {
		halt()
	}
}

func (e *Engine) plan(job Job) (uci.Options, uci.Limits) {
	if job.Type == protocol.TypePlay {
		params := strength.MapStrength(job.Elo, strength.ModePlay)
		opt := uci.Options{
			Threads:       e.threads,
			HashMB:        strength.PresetFor(params.EloLike).HashMB,
			MultiPV:       1,
			SkillLevel:    params.SkillLevel,
			LimitStrength: params.LimitStrength,
		}
		if params.LimitStrength {
			opt.Elo = strength.EngineElo(params.EloLike)
		}
		return opt, uci.Limits{Depth: job.DepthCap, MoveTimeMillis: int(job.TimeMs)}
	}

	multiPV := min(max(job.MultiPV, 1), maxMultiPV)
	opt := uci.Options{
		Threads:    e.threads,
		HashMB:     analysisHashMB,
		MultiPV:    multiPV,
		SkillLevel: strength.MaxSkillLevel,
	}
	return opt, uci.Limits{Depth: job.Depth, MoveTimeMillis: int(job.TimeMs)}
}

// checkPosition rejects unparsable FENs and positions without a legal move.
func checkPosition(fen string) error {
	game := nchess.NewGame()
	if s := strings.TrimSpace(fen); s != "" && s != "startpos" {
		opt, err := nchess.FEN(s)
		if err != nil {
			return fmt.Errorf("invalid fen: %w", err)
		}
		game = nchess.NewGame(opt)
	}
	if len(game.ValidMoves()) == 0 {
		return ErrNoMove
	}
	return nil
}

func toLines(cands []uci.Candidate) []protocol.Line {
	if len(cands) == 0 {
		return nil
	}
	lines := make([]protocol.Line, 0, len(cands))
	for i, c := range cands {
		lines = append(lines, protocol.Line{
			Move:    c.Move,
			Score:   c.EvalCP,
			Mate:    c.Mate,
			PV:      c.Principal,
			MultiPV: i + 1,
		})
	}
	return lines
}
