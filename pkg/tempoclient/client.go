// Package tempoclient is a fasthttp client for the tempo coordinator API.
package tempoclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/chess-tempo/pkg/tempodto"
)

type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

// WithRetry sets how many attempts idempotent reads get.
func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDial replaces the TCP dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 3 * time.Minute, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 3 * time.Minute,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   tempodto.DomainError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tempo api error: status=%d code=%s: %s", e.Status, e.Body.Code, e.Body.Message)
}

func (c *Client) CreateSession(ctx context.Context, req tempodto.CreateSessionRequest) (*tempodto.SessionState, error) {
	var out tempodto.SessionState
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/sessions", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Session(ctx context.Context, id string) (*tempodto.SessionState, error) {
	var out tempodto.SessionState
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/sessions/"+id, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, fasthttp.MethodDelete, "/sessions/"+id, nil, nil, false)
}

func (c *Client) Play(ctx context.Context, id, move string) (*tempodto.MoveResponse, error) {
	var out tempodto.MoveResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/sessions/"+id+"/moves", tempodto.MoveRequest{Move: move}, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EngineMove(ctx context.Context, id string) (*tempodto.MoveResponse, error) {
	var out tempodto.MoveResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/sessions/"+id+"/engine-move", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Analyze(ctx context.Context, id string) (*tempodto.AnalyzeResponse, error) {
	var out tempodto.AnalyzeResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/sessions/"+id+"/analyze", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/sessions/"+id+"/stop", nil, nil, false)
}

// Clock runs op ("start", "pause" or "reset") on the session clock.
func (c *Client) Clock(ctx context.Context, id, op string) (*tempodto.ClockState, error) {
	var out tempodto.ClockState
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/sessions/"+id+"/clock/"+op, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retune replaces the session's tuning configuration.
func (c *Client) Retune(ctx context.Context, id string, t tempodto.Tuning) (*tempodto.TuningResponse, error) {
	var out tempodto.TuningResponse
	if err := c.doJSON(ctx, fasthttp.MethodPut, "/sessions/"+id+"/tuning", t, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetManual sends manual overrides; Applied is false while tuning is automatic.
func (c *Client) SetManual(ctx context.Context, id string, t tempodto.Tuning) (*tempodto.TuningResponse, error) {
	var out tempodto.TuningResponse
	if err := c.doJSON(ctx, fasthttp.MethodPatch, "/sessions/"+id+"/tuning", t, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = max(c.retryMax, 1)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else if status := resp.StatusCode(); status < 200 || status >= 300 {
			apiErr := &APIError{Status: status}
			if jerr := json.Unmarshal(resp.Body(), &apiErr.Body); jerr != nil {
				apiErr.Body.Message = truncate(string(resp.Body()), 512)
			}
			if !shouldRetryStatus(status) {
				return apiErr
			}
			lastErr = apiErr
		} else {
			if out != nil && len(resp.Body()) > 0 {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		}

		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	attempt = min(max(attempt, 1), 6)
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
