package tiered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/sitecache/provider/ristretto"
)

type mapProvider struct {
	m      map[string][]byte
	setErr error
}

func newMap() *mapProvider { return &mapProvider{m: map[string][]byte{}} }

func (p *mapProvider) Get(_ context.Context, k string) ([]byte, bool, error) {
	v, ok := p.m[k]
	return v, ok, nil
}
func (p *mapProvider) Set(_ context.Context, k string, v []byte, _ int64, _ time.Duration) (bool, error) {
	if p.setErr != nil {
		return false, p.setErr
	}
	p.m[k] = v
	return true, nil
}
func (p *mapProvider) Del(_ context.Context, k string) error { delete(p.m, k); return nil }
func (p *mapProvider) Clear(context.Context) error          { p.m = map[string][]byte{}; return nil }
func (p *mapProvider) Close(context.Context) error          { return nil }

func newFront(t *testing.T) *ristretto.Provider {
	t.Helper()
	f, err := ristretto.New(ristretto.Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatalf("ristretto: %v", err)
	}
	return f
}

func TestReadWarmsFront(t *testing.T) {
	ctx := context.Background()
	front, back := newFront(t), newMap()
	p, err := New(front, back)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)

	back.m["k"] = []byte("v")
	if v, ok, err := p.Get(ctx, "k"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}
	if v, ok, _ := front.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("front not warmed")
	}
}

func TestBackFailureKeepsFrontClean(t *testing.T) {
	ctx := context.Background()
	front, back := newFront(t), newMap()
	p, _ := New(front, back)
	defer p.Close(ctx)

	back.setErr = errors.New("disk full")
	if ok, err := p.Set(ctx, "k", []byte("v"), 0, 0); err == nil || ok {
		t.Fatalf("expected back failure to surface, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := front.Get(ctx, "k"); ok {
		t.Fatalf("front must not hold a value the back rejected")
	}
}

func TestClearBothTiers(t *testing.T) {
	ctx := context.Background()
	front, back := newFront(t), newMap()
	p, _ := New(front, back)
	defer p.Close(ctx)

	if _, err := p.Set(ctx, "k", []byte("v"), 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after clear")
	}
}

// pausingBack hands out its value and then blocks until released, leaving a
// window for writes to land between the back read and the front warm.
type pausingBack struct {
	*mapProvider
	read    chan struct{}
	release chan struct{}
}

func (p *pausingBack) Get(ctx context.Context, k string) ([]byte, bool, error) {
	v, ok, err := p.mapProvider.Get(ctx, k)
	close(p.read)
	<-p.release
	return v, ok, err
}

func TestWriteDuringReadDoesNotWarmStaleValue(t *testing.T) {
	cases := []struct {
		name  string
		write func(context.Context, *Provider) error
		want  string // "" means miss
	}{
		{"del", func(ctx context.Context, p *Provider) error { return p.Del(ctx, "k") }, ""},
		{"set", func(ctx context.Context, p *Provider) error {
			_, err := p.Set(ctx, "k", []byte("new"), 0, 0)
			return err
		}, "new"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			front := newFront(t)
			back := &pausingBack{mapProvider: newMap(), read: make(chan struct{}), release: make(chan struct{})}
			back.m["k"] = []byte("old")
			p, _ := New(front, back)
			defer p.Close(ctx)

			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _, _ = p.Get(ctx, "k")
			}()
			<-back.read

			// the write path never reads the back, so it does not block here
			if err := tc.write(ctx, p); err != nil {
				t.Fatalf("write: %v", err)
			}
			close(back.release)
			<-done

			v, ok, _ := front.Get(ctx, "k")
			if tc.want == "" {
				if ok {
					t.Fatalf("front serves %q after delete", v)
				}
				return
			}
			if !ok || string(v) != tc.want {
				t.Fatalf("front: v=%q ok=%v, want %q", v, ok, tc.want)
			}
		})
	}
}
