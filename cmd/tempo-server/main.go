package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/park285/chess-tempo/internal/config"
	"github.com/park285/chess-tempo/internal/httpapi"
	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/tempobuilder"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.Named("tempo-server")
	defer func() { _ = logger.Sync() }()

	deps, err := tempobuilder.New(cfg, logger)
	if err != nil {
		log.Fatalf("tempo init error: %v", err)
	}
	api := httpapi.New(deps.Registry, httpapi.WithLogger(logger.Named("http")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listening", zap.String("addr", cfg.HTTPAddr))
		return api.ListenAndServe(cfg.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tempo_server_stopped", zap.Error(err))
	}
	if err := deps.Close(); err != nil {
		logger.Warn("tempo_close_failed", zap.Error(err))
	}
	logger.Info("tempo_server_exit")
}
