package tempobuilder

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/chess-tempo/internal/config"
	"github.com/park285/chess-tempo/internal/session"
	"github.com/park285/chess-tempo/internal/transport"
	"github.com/park285/chess-tempo/internal/worker"
)

// openingSearcher always answers with 1.e4.
type openingSearcher struct{}

func (openingSearcher) Search(context.Context, worker.Job, func(worker.Progress)) (worker.Result, error) {
	return worker.Result{BestMove: "e2e4", Depth: 1}, nil
}

func (openingSearcher) Stop() {}

func newSearcher() worker.Searcher { return openingSearcher{} }

func loadConfig(t *testing.T, env map[string]string) *config.AppConfig {
	t.Helper()
	t.Setenv("TEMPO_CONFIG", "")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func playOpening(t *testing.T, deps *Deps) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := deps.Registry.Create(ctx, session.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := s.EngineMove(ctx)
	if err != nil {
		t.Fatalf("engine move: %v", err)
	}
	if res.UCI != "e2e4" || res.SAN != "e4" || res.Source != "engine" {
		t.Fatalf("unexpected move %+v", res)
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestLocalTransportNeedsEngineBinary(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"WORKER_TRANSPORT": "local", "STOCKFISH_PATH": ""})
	_, err := New(cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "STOCKFISH_PATH") {
		t.Fatalf("expected missing engine error, got %v", err)
	}
}

func TestRedisTransportEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, map[string]string{
		"WORKER_TRANSPORT": "redis",
		"REDIS_URL":        "redis://" + mr.Addr(),
	})

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- worker.ServeHub(ctx, transport.NewRedisHub(rdb), newSearcher, nil) }()

	deps, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if deps.Engine != nil {
		t.Fatalf("redis transport must not start a local engine")
	}
	playOpening(t, deps)

	if err := deps.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	cancel()
	if err := <-served; err != nil {
		t.Fatalf("worker hub: %v", err)
	}
}

func TestWebSocketTransportEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(worker.Handler(ctx, newSearcher, nil))
	defer srv.Close()

	cfg := loadConfig(t, map[string]string{
		"WORKER_TRANSPORT": "ws",
		"WORKER_URL":       "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	deps, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	playOpening(t, deps)
	// the peer may race the close handshake
	if err := deps.Close(); err != nil {
		t.Logf("close: %v", err)
	}
}
