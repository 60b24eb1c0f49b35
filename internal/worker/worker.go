// Package worker serves search requests arriving over a transport.Conn.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/protocol"
	"github.com/park285/chess-tempo/internal/transport"
)

const defaultQueue = 16

var ErrNoMove = errors.New("search produced no move")

// Job is one search request as seen by a Searcher.
type Job struct {
	ID       uint64
	Type     protocol.MessageType
	FEN      string
	Depth    int
	MultiPV  int
	Elo      int
	DepthCap int
	TimeMs   int64
}

func jobFrom(req protocol.Request) Job {
	return Job{
		ID:       req.ID,
		Type:     req.Type,
		FEN:      req.FEN,
		Depth:    req.Depth,
		MultiPV:  req.MultiPV,
		Elo:      req.Elo,
		DepthCap: req.DepthCap,
		TimeMs:   req.TimeMs,
	}
}

type Progress struct {
	Depth int
	Lines []protocol.Line
}

type Result struct {
	BestMove string
	Depth    int
	Lines    []protocol.Line
}

// Searcher runs one search at a time. Stop ends the running search early; Search
// then returns the best result found so far.
type Searcher interface {
	Search(ctx context.Context, job Job, onProgress func(Progress)) (Result, error)
	Stop()
}

type Option func(*Worker)

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = obslog.OrNop(l) }
}

// WithQueue bounds how many requests may wait behind the running one.
func WithQueue(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = n
		}
	}
}

type Worker struct {
	conn     transport.Conn
	searcher Searcher
	logger   *zap.Logger
	queue    int
}

func New(conn transport.Conn, searcher Searcher, opts ...Option) *Worker {
	w := &Worker{conn: conn, searcher: searcher, logger: obslog.Named("worker"), queue: defaultQueue}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Serve reads requests until ctx ends or the link closes. Searches run one at a
// time in arrival order; stop applies to the running search immediately.
func (w *Worker) Serve(ctx context.Context) error {
	jobs := make(chan Job, w.queue)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		return w.readLoop(gctx, jobs)
	})
	g.Go(func() error {
		for job := range jobs {
			w.run(gctx, job)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) readLoop(ctx context.Context, jobs chan<- Job) error {
	for {
		frame, err := w.conn.Recv(ctx)
		if err != nil {
			return err
		}
		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			w.logger.Warn("worker_malformed_request", zap.Error(err))
			continue
		}
		switch req.Type {
		case protocol.TypeStop:
			w.searcher.Stop()
		case protocol.TypeAnalyze, protocol.TypePlay:
			select {
			case jobs <- jobFrom(req):
			default:
				w.reply(ctx, protocol.Reply{Type: protocol.TypeError, ID: req.ID, Message: "worker queue full"})
			}
		default:
			w.logger.Warn("worker_unknown_request", zap.String("type", string(req.Type)), zap.Uint64("id", req.ID))
			if req.ID != 0 {
				w.reply(ctx, protocol.Reply{Type: protocol.TypeError, ID: req.ID, Message: fmt.Sprintf("unknown request type %q", req.Type)})
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, job Job) {
	logger := w.logger.With(zap.Uint64("id", job.ID), zap.String("type", string(job.Type)))
	logger.Debug("worker_search_start", zap.Int64("budget_ms", job.TimeMs))

	onProgress := func(p Progress) {
		if job.Type != protocol.TypeAnalyze {
			return
		}
		w.reply(ctx, protocol.Reply{Type: protocol.TypeAnalysis, ID: job.ID, Lines: p.Lines, Depth: p.Depth})
	}

	res, err := w.searcher.Search(ctx, job, onProgress)
	if err == nil && res.BestMove == "" && len(res.Lines) == 0 {
		err = ErrNoMove
	}
	if err != nil {
		logger.Warn("worker_search_failed", zap.Error(err))
		w.reply(ctx, protocol.Reply{Type: protocol.TypeError, ID: job.ID, Message: err.Error()})
		return
	}

	if job.Type == protocol.TypeAnalyze {
		w.reply(ctx, protocol.Reply{Type: protocol.TypeAnalysis, ID: job.ID, Lines: res.Lines, Depth: res.Depth, Final: true})
		return
	}
	best := res.BestMove
	if best == "" {
		best = res.Lines[0].Move
	}
	w.reply(ctx, protocol.Reply{Type: protocol.TypeBestMove, ID: job.ID, UCI: best})
	logger.Debug("worker_search_done", zap.String("move", best), zap.Int("depth", res.Depth))
}

func (w *Worker) reply(ctx context.Context, rep protocol.Reply) {
	frame, err := protocol.EncodeReply(rep)
	if err != nil {
		w.logger.Error("worker_encode_failed", zap.Error(err))
		return
	}
	if err := w.conn.Send(ctx, frame); err != nil {
		w.logger.Debug("worker_reply_dropped", zap.Uint64("id", rep.ID), zap.Error(err))
	}
}
