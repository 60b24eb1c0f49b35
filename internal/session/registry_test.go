package session

import (
	"context"
	"errors"
	"testing"

	"github.com/park285/chess-tempo/internal/transport"
)

func TestRegistryLifecycle(t *testing.T) {
	var names []string
	link := func(_ context.Context, name string) (transport.Conn, error) {
		names = append(names, name)
		return serveLink(t, newFakeSearcher()), nil
	}
	reg := NewRegistry(link, Options{MovesToGo: 20})
	t.Cleanup(func() { _ = reg.Close() })
	ctx := testCtx(t)

	a, err := reg.Create(ctx, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := reg.Create(ctx, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("ids must be unique")
	}
	if len(names) != 2 || names[0] != a.ID() {
		t.Fatalf("each session needs its own link: %v", names)
	}
	if a.movesToGo != 20 {
		t.Fatalf("defaults not applied: %d", a.movesToGo)
	}

	got, err := reg.Get(a.ID())
	if err != nil || got != a {
		t.Fatalf("get: %v", err)
	}
	if ids := reg.IDs(); len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	if err := reg.Remove(a.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.Get(a.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := reg.Remove(a.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestRegistryLinkFailure(t *testing.T) {
	boom := errors.New("no worker")
	reg := NewRegistry(func(context.Context, string) (transport.Conn, error) { return nil, boom }, Options{})
	if _, err := reg.Create(testCtx(t), Options{}); !errors.Is(err, boom) {
		t.Fatalf("expected link error, got %v", err)
	}
	if len(reg.IDs()) != 0 {
		t.Fatalf("failed create must not register")
	}
}
