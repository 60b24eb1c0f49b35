// Package transport carries opaque protocol frames between coordinator and worker.
package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Conn is one end of a coordinator/worker link. Send and Recv may be called from
// different goroutines; each must only be used by one goroutine at a time.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, state: shared}, &pipeEnd{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
