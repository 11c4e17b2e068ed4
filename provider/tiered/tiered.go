// Package tiered layers a fast volatile provider in front of a durable one.
// Reads try the front first and warm it from the back; writes and deletes go
// to the back first, which stays the source of truth.
package tiered

import (
	"context"
	"errors"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/sitecache/provider"
)

type Provider struct {
	front pr.Provider
	back  pr.Provider

	// epoch advances before and after every write. A read only warms the
	// front if no write started or finished while it was reading the back.
	mu    sync.Mutex
	epoch uint64
}

var _ pr.Provider = (*Provider)(nil)

func New(front, back pr.Provider) (*Provider, error) {
	if front == nil || back == nil {
		return nil, errors.New("tiered: front and back providers are required")
	}
	return &Provider{front: front, back: back}, nil
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := p.front.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	p.mu.Lock()
	seen := p.epoch
	p.mu.Unlock()
	v, ok, err := p.back.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	// warm the front; a rejection only costs the next read a back hit
	p.mu.Lock()
	if p.epoch == seen {
		_, _ = p.front.Set(ctx, key, v, 0, 0)
	}
	p.mu.Unlock()
	return v, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	p.begin()
	ok, err := p.back.Set(ctx, key, value, cost, ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	if err != nil || !ok {
		_ = p.front.Del(ctx, key)
		return ok, err
	}
	if fok, ferr := p.front.Set(ctx, key, value, cost, ttl); ferr != nil || !fok {
		_ = p.front.Del(ctx, key)
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	p.begin()
	err := p.back.Del(ctx, key)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	return errors.Join(err, p.front.Del(ctx, key))
}

func (p *Provider) Clear(ctx context.Context) error {
	p.begin()
	err := p.back.Clear(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	return errors.Join(err, p.front.Clear(ctx))
}

func (p *Provider) begin() {
	p.mu.Lock()
	p.epoch++
	p.mu.Unlock()
}

func (p *Provider) Close(ctx context.Context) error {
	return errors.Join(p.front.Close(ctx), p.back.Close(ctx))
}
