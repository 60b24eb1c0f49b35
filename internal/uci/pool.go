package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
)

// Factory starts a fresh engine session.
type Factory func(ctx context.Context, opt Options) (*Session, error)

type PoolConfig struct {
	BinaryPath string
	// PerKeyCapacity bounds live sessions per option set.
	PerKeyCapacity int
	// Factory overrides process start-up, mainly for tests.
	Factory Factory
}

// Pool keeps idle engine sessions keyed by their options.
type Pool struct {
	factory  Factory
	capacity int

	mu       sync.Mutex
	buckets  map[string]*sessionBucket
	sessions map[*Session]*sessionBucket
	closed   bool
}

var (
	ErrPoolClosed       = errors.New("engine pool closed")
	errBucketAtCapacity = errors.New("session bucket at capacity")
)

func NewPool(cfg PoolConfig) (*Pool, error) {
	factory := cfg.Factory
	if factory == nil {
		if cfg.BinaryPath == "" {
			return nil, fmt.Errorf("binary path required")
		}
		if _, err := os.Stat(cfg.BinaryPath); err != nil {
			return nil, fmt.Errorf("stockfish binary check: %w", err)
		}
		path := cfg.BinaryPath
		factory = func(ctx context.Context, opt Options) (*Session, error) {
			return NewSession(ctx, path, opt)
		}
	}
	capacity := cfg.PerKeyCapacity
	if capacity <= 0 {
		capacity = defaultPerKeyCapacity()
	}
	return &Pool{
		factory:  factory,
		capacity: capacity,
		buckets:  make(map[string]*sessionBucket),
		sessions: make(map[*Session]*sessionBucket),
	}, nil
}

// Acquire returns a ready session for opt, starting one if the bucket has room
// and waiting for a released one otherwise.
func (p *Pool) Acquire(ctx context.Context, opt Options) (*Session, error) {
	bucket, err := p.bucketFor(opt)
	if err != nil {
		return nil, err
	}

	for {
		if s, ok := bucket.tryIdle(); ok {
			if p.readyOrDiscard(ctx, s) {
				p.track(s, bucket)
				return s, nil
			}
			continue
		}

		s, err := bucket.create(ctx, p.factory)
		if err == nil {
			p.track(s, bucket)
			return s, nil
		}
		if !errors.Is(err, errBucketAtCapacity) {
			return nil, err
		}

		select {
		case s := <-bucket.idle:
			if s == nil || !p.readyOrDiscard(ctx, s) {
				continue
			}
			p.track(s, bucket)
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release hands a session back. A non-nil err discards it instead.
func (p *Pool) Release(s *Session, err error) {
	if s == nil {
		return
	}
	p.mu.Lock()
	bucket, ok := p.sessions[s]
	delete(p.sessions, s)
	closed := p.closed
	p.mu.Unlock()

	if !ok {
		_ = s.Close()
		return
	}
	if err != nil || closed || !bucket.put(s) {
		bucket.discard(s)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	buckets := make([]*sessionBucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	var errs []error
	for _, b := range buckets {
		for {
			s, ok := b.tryIdle()
			if !ok {
				break
			}
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
			b.decrement()
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) readyOrDiscard(ctx context.Context, s *Session) bool {
	if err := s.EnsureReady(ctx); err != nil {
		p.mu.Lock()
		bucket := p.buckets[optionsKey(s.opt)]
		p.mu.Unlock()
		if bucket != nil {
			bucket.discard(s)
		} else {
			_ = s.Close()
		}
		return false
	}
	return true
}

func (p *Pool) track(s *Session, bucket *sessionBucket) {
	p.mu.Lock()
	p.sessions[s] = bucket
	p.mu.Unlock()
}

func (p *Pool) bucketFor(opt Options) (*sessionBucket, error) {
	key := optionsKey(opt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	b, ok := p.buckets[key]
	if !ok {
		b = &sessionBucket{opt: opt, capacity: p.capacity, idle: make(chan *Session, p.capacity)}
		p.buckets[key] = b
	}
	return b, nil
}

type sessionBucket struct {
	opt      Options
	capacity int

	mu    sync.Mutex
	total int
	idle  chan *Session
}

func (b *sessionBucket) tryIdle() (*Session, bool) {
	for {
		select {
		case s := <-b.idle:
			if s == nil {
				continue
			}
			return s, true
		default:
			return nil, false
		}
	}
}

func (b *sessionBucket) create(ctx context.Context, factory Factory) (*Session, error) {
	b.mu.Lock()
	if b.total >= b.capacity {
		b.mu.Unlock()
		return nil, errBucketAtCapacity
	}
	b.total++
	b.mu.Unlock()

	s, err := factory(ctx, b.opt)
	if err != nil {
		b.decrement()
		return nil, err
	}
	s.opt = b.opt
	return s, nil
}

func (b *sessionBucket) put(s *Session) bool {
	select {
	case b.idle <- s:
		return true
	default:
		return false
	}
}

func (b *sessionBucket) discard(s *Session) {
	if s != nil {
		_ = s.Close()
	}
	b.decrement()
}

func (b *sessionBucket) decrement() {
	b.mu.Lock()
	if b.total > 0 {
		b.total--
	}
	b.mu.Unlock()
}

func optionsKey(opt Options) string {
	return fmt.Sprintf("thr=%d|hash=%d|multipv=%d|skill=%d|limit=%t|elo=%d",
		opt.Threads, opt.HashMB, opt.MultiPV, opt.SkillLevel, opt.LimitStrength, opt.Elo)
}

func defaultPerKeyCapacity() int {
	return min(max(runtime.NumCPU(), 2), 4)
}
