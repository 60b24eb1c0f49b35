package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-tempo/internal/obslog"
)

const (
	defaultPingInterval = 30 * time.Second
	dialTimeout         = 10 * time.Second
)

// WSConn is a Conn over a websocket. Frames are sent as text messages.
//
// nhooyr closes the socket when a Read context ends, so Recv should be driven
// by a long-lived context (the dispatcher or worker loop), not a per-call one.
type WSConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type WSOption func(*wsOptions)

type wsOptions struct {
	pingInterval time.Duration
	header       http.Header
	logger       *zap.Logger
}

func WithPingInterval(d time.Duration) WSOption {
	return func(o *wsOptions) { o.pingInterval = d }
}

func WithHeader(h http.Header) WSOption {
	return func(o *wsOptions) { o.header = h }
}

func WithWSLogger(l *zap.Logger) WSOption {
	return func(o *wsOptions) { o.logger = l }
}

func buildWSOptions(opts []WSOption) wsOptions {
	o := wsOptions{pingInterval: defaultPingInterval, logger: obslog.L()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DialWS connects to a worker listening at url.
func DialWS(ctx context.Context, url string, opts ...WSOption) (*WSConn, error) {
	o := buildWSOptions(opts)
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      o.header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", url, err)
	}
	return newWSConn(conn, o), nil
}

// AcceptWS upgrades an incoming HTTP request into a Conn.
func AcceptWS(w http.ResponseWriter, r *http.Request, opts ...WSOption) (*WSConn, error) {
	o := buildWSOptions(opts)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("accept worker link: %w", err)
	}
	return newWSConn(conn, o), nil
}

func newWSConn(conn *websocket.Conn, o wsOptions) *WSConn {
	conn.SetReadLimit(1 << 20)
	c := &WSConn{conn: conn, logger: obslog.OrNop(o.logger), stopCh: make(chan struct{})}
	if o.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(o.pingInterval)
	}
	return c
}

func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	if c.isStopping() {
		return ErrClosed
	}
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *WSConn) Recv(ctx context.Context) ([]byte, error) {
	if c.isStopping() {
		return nil, ErrClosed
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, c.mapErr(err)
	}
	return data, nil
}

func (c *WSConn) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		err = c.conn.Close(websocket.StatusNormalClosure, "close")
	})
	c.wg.Wait()
	return err
}

func (c *WSConn) pingLoop(interval time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := c.conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			c.logger.Warn("worker_link_ping_failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= 2 {
				_ = c.conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (c *WSConn) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *WSConn) mapErr(err error) error {
	if c.isStopping() {
		return ErrClosed
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
