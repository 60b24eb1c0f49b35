package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-tempo/internal/obslog"
	"github.com/park285/chess-tempo/internal/transport"
)

// Link opens a dedicated worker link for the session named name.
type Link func(ctx context.Context, name string) (transport.Conn, error)

// Registry owns live sessions keyed by id.
type Registry struct {
	link     Link
	defaults Options
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns a registry that fills unset Options fields from defaults.
// TimeControl is always taken as given, since its zero value means untimed;
// callers start from Defaults and override.
func NewRegistry(link Link, defaults Options) *Registry {
	logger := defaults.Logger
	if logger == nil {
		logger = obslog.Named("session")
	}
	return &Registry{
		link:     link,
		defaults: defaults,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Defaults returns the options new sessions start from.
func (r *Registry) Defaults() Options { return r.defaults }

// Create opens a link and starts a session under a fresh id.
func (r *Registry) Create(ctx context.Context, opts Options) (*Session, error) {
	id := uuid.NewString()
	conn, err := r.link(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open worker link: %w", err)
	}
	s, err := New(id, conn, r.merge(opts))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.logger.Info("session_created", zap.String("session_id", id))
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove closes and forgets the session.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.Close()
}

// IDs lists live session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close closes every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) merge(opts Options) Options {
	d := r.defaults
	if opts.StartFEN == "" {
		opts.StartFEN = d.StartFEN
	}
	if opts.Resolution <= 0 {
		opts.Resolution = d.Resolution
	}
	if opts.Tuning == nil {
		opts.Tuning = d.Tuning
	}
	if opts.MovesToGo <= 0 {
		opts.MovesToGo = d.MovesToGo
	}
	if opts.Capacity <= 0 {
		opts.Capacity = d.Capacity
	}
	if opts.Grace <= 0 {
		opts.Grace = d.Grace
	}
	if opts.Book == nil {
		opts.Book = d.Book
	}
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}
	return opts
}
