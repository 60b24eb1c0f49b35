package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ttlQueue     = 10 * time.Minute
	popTimeout   = time.Second
	closeTimeout = time.Second
)

// Role picks which list a RedisConn reads from.
type Role int

const (
	RoleCoordinator Role = iota
	RoleWorker
)

// RedisConn links coordinator and worker through two Redis lists:
// tempo:<name>:req (coordinator → worker) and tempo:<name>:reply (worker → coordinator).
type RedisConn struct {
	rdb     *redis.Client
	name    string
	sendKey string
	recvKey string
	owned   bool
	closed  atomic.Bool
}

// NewRedisConn wraps an existing client. The client is not closed by Close.
func NewRedisConn(rdb *redis.Client, name string, role Role) *RedisConn {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	req := keyRequests(name)
	rep := keyReplies(name)
	c := &RedisConn{rdb: rdb, name: name, sendKey: req, recvKey: rep}
	if role == RoleWorker {
		c.sendKey, c.recvKey = rep, req
	}
	return c
}

// DialRedis connects to redisURL and owns the resulting client.
func DialRedis(ctx context.Context, redisURL, name string, role Role) (*RedisConn, error) {
	rdb, err := openRedis(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	c := NewRedisConn(rdb, name, role)
	c.owned = true
	return c, nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis worker transport")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisHub hands out per-link RedisConns over one client. Coordinators Open a
// named link, which is announced on tempo:links; workers Accept announced links.
type RedisHub struct {
	rdb   *redis.Client
	owned bool
}

func NewRedisHub(rdb *redis.Client) *RedisHub { return &RedisHub{rdb: rdb} }

func DialRedisHub(ctx context.Context, redisURL string) (*RedisHub, error) {
	rdb, err := openRedis(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisHub{rdb: rdb, owned: true}, nil
}

// Open announces name and returns the coordinator end of its link.
func (h *RedisHub) Open(ctx context.Context, name string) (*RedisConn, error) {
	c := NewRedisConn(h.rdb, name, RoleCoordinator)
	if err := h.rdb.LPush(ctx, keyLinks, c.name).Err(); err != nil {
		return nil, fmt.Errorf("announce %s: %w", c.name, err)
	}
	return c, nil
}

// Accept waits for the next announced link and returns its worker end.
func (h *RedisHub) Accept(ctx context.Context) (*RedisConn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := h.rdb.BRPop(ctx, popTimeout, keyLinks).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("pop %s: %w", keyLinks, err)
		}
		if len(res) != 2 {
			continue
		}
		return NewRedisConn(h.rdb, res[1], RoleWorker), nil
	}
}

func (h *RedisHub) Close() error {
	if h.owned {
		return h.rdb.Close()
	}
	return nil
}

const keyLinks = "tempo:links"

func keyRequests(name string) string { return "tempo:" + name + ":req" }
func keyReplies(name string) string  { return "tempo:" + name + ":reply" }

func (c *RedisConn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.rdb.LPush(ctx, c.sendKey, frame).Err(); err != nil {
		return fmt.Errorf("push %s: %w", c.sendKey, err)
	}
	// 큐가 버려져도 남지 않게
	_ = c.rdb.Expire(ctx, c.sendKey, ttlQueue).Err()
	return nil
}

// Recv blocks until a frame arrives, ctx ends or the conn is closed.
func (c *RedisConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := c.rdb.BRPop(ctx, popTimeout, c.recvKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if c.closed.Load() || errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("pop %s: %w", c.recvKey, err)
		}
		if len(res) != 2 {
			continue
		}
		// 빈 프레임은 상대편 Close
		if res[1] == "" {
			c.closed.Store(true)
			return nil, ErrClosed
		}
		return []byte(res[1]), nil
	}
}

// Close pushes an empty frame so the peer's Recv ends with ErrClosed.
func (c *RedisConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	if err := c.rdb.LPush(ctx, c.sendKey, "").Err(); err == nil {
		_ = c.rdb.Expire(ctx, c.sendKey, ttlQueue).Err()
	}
	cancel()
	if c.owned {
		return c.rdb.Close()
	}
	return nil
}

// ParseRedisURL accepts redis:// and rediss:// URLs with an optional /<db> path.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
