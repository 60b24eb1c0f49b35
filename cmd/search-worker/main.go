package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/park285/chess-tempo/internal/config"
	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/tempobuilder"
	"github.com/park285/chess-tempo/internal/transport"
	"github.com/park285/chess-tempo/internal/worker"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.Named("search-worker")
	defer func() { _ = logger.Sync() }()

	engine, err := tempobuilder.NewEngine(cfg)
	if err != nil {
		log.Fatalf("engine init error: %v", err)
	}
	defer engine.Close()
	newSearcher := func() worker.Searcher { return engine.NewSearcher() }

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	switch cfg.WorkerTransport {
	case appcfg.TransportRedis:
		hub, err := transport.DialRedisHub(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis init error: %v", err)
		}
		defer hub.Close()
		g.Go(func() error {
			logger.Info("worker_accepting_redis")
			return worker.ServeHub(gctx, hub, newSearcher, logger)
		})

	default:
		// local 모드에서도 ws 리스너로 동작
		srv := &http.Server{
			Addr:              cfg.WorkerAddr,
			Handler:           worker.Handler(gctx, newSearcher, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("worker_listening", zap.String("addr", cfg.WorkerAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("search_worker_stopped", zap.Error(err))
	}
	logger.Info("search_worker_exit")
}
