// Package tempobuilder wires coordinator and worker dependencies from config.
package tempobuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/book"
	"github.com/park285/chess-tempo/internal/config"
	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/session"
	"github.com/park285/chess-tempo/internal/transport"
	"github.com/park285/chess-tempo/internal/worker"
)

// Deps is everything the coordinator process needs.
type Deps struct {
	Registry *session.Registry
	Book     *book.Book
	// Engine is set only for the local transport.
	Engine *worker.Engine

	closers []func() error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger = obslog.OrNop(logger)

	tc, err := cfg.Clock()
	if err != nil {
		return nil, err
	}
	tuning, err := cfg.Tuning()
	if err != nil {
		return nil, err
	}
	bk, err := book.Open(cfg.PolyglotBookPath, cfg.BookMaxPly)
	if err != nil {
		return nil, fmt.Errorf("open book: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Deps{Book: bk, cancel: cancel}

	link, err := d.buildLink(ctx, cfg, logger)
	if err != nil {
		cancel()
		_ = d.Close()
		return nil, err
	}

	d.Registry = session.NewRegistry(link, session.Options{
		TimeControl: tc,
		Resolution:  cfg.ClockResolution(),
		Tuning:      tuning,
		MovesToGo:   cfg.MovesToGo,
		Capacity:    cfg.DispatchCapacity,
		Grace:       cfg.DispatchGrace(),
		Book:        bk,
		Logger:      logger.Named("session"),
	})
	logger.Info("tempo_deps_ready",
		zap.String("transport", cfg.WorkerTransport),
		zap.String("time_control", tc.String()),
		zap.Bool("book", bk.Enabled()))
	return d, nil
}

func (d *Deps) buildLink(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (session.Link, error) {
	switch cfg.WorkerTransport {
	case config.TransportLocal:
		engine, err := NewEngine(cfg)
		if err != nil {
			return nil, err
		}
		d.Engine = engine
		d.closers = append(d.closers, engine.Close)
		wlog := logger.Named("worker")
		return func(_ context.Context, name string) (transport.Conn, error) {
			coord, end := transport.Pipe()
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				w := worker.New(end, engine.NewSearcher(), worker.WithLogger(wlog.With(zap.String("link", name))))
				if err := w.Serve(ctx); err != nil {
					wlog.Warn("local_worker_stopped", zap.String("link", name), zap.Error(err))
				}
			}()
			return coord, nil
		}, nil

	case config.TransportWS:
		url := cfg.WorkerURL
		return func(ctx context.Context, name string) (transport.Conn, error) {
			conn, err := transport.DialWS(ctx, url, transport.WithWSLogger(logger.Named("ws").With(zap.String("link", name))))
			if err != nil {
				return nil, err
			}
			return conn, nil
		}, nil

	case config.TransportRedis:
		hub, err := transport.DialRedisHub(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, hub.Close)
		return func(ctx context.Context, name string) (transport.Conn, error) {
			conn, err := hub.Open(ctx, name)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown worker transport %q", cfg.WorkerTransport)
}

// NewEngine builds the pooled UCI engine a worker searches with.
func NewEngine(cfg *config.AppConfig) (*worker.Engine, error) {
	if strings.TrimSpace(cfg.StockfishPath) == "" {
		return nil, fmt.Errorf("STOCKFISH_PATH is required for the search worker")
	}
	engine, err := worker.NewEngine(worker.EngineConfig{
		BinaryPath:     cfg.StockfishPath,
		Threads:        cfg.EngineThreads,
		PerKeyCapacity: cfg.EnginePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return engine, nil
}

// Close tears down sessions first, then local workers and shared clients.
func (d *Deps) Close() error {
	var errs []error
	if d.Registry != nil {
		errs = append(errs, d.Registry.Close())
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}
