package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/transport"
)

// SearcherFactory returns a fresh Searcher for each accepted link.
type SearcherFactory func() Searcher

// Handler upgrades each request to a websocket link and serves it until the
// link closes.
func Handler(ctx context.Context, newSearcher SearcherFactory, logger *zap.Logger) http.Handler {
	logger = obslog.OrNop(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.AcceptWS(w, r, transport.WithWSLogger(logger))
		if err != nil {
			logger.Warn("worker_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		defer conn.Close()
		logger.Info("worker_link_open", zap.String("remote", r.RemoteAddr))
		if err := New(conn, newSearcher(), WithLogger(logger)).Serve(ctx); err != nil {
			logger.Warn("worker_link_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		}
		logger.Info("worker_link_closed", zap.String("remote", r.RemoteAddr))
	})
}

// ServeHub accepts announced Redis links until ctx ends, serving each on its own goroutine.
func ServeHub(ctx context.Context, hub *transport.RedisHub, newSearcher SearcherFactory, logger *zap.Logger) error {
	logger = obslog.OrNop(logger)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := hub.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := New(conn, newSearcher(), WithLogger(logger)).Serve(ctx); err != nil {
				logger.Warn("worker_link_failed", zap.Error(err))
			}
		}()
	}
}
