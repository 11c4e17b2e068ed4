// Package asynchook moves sitecache.Hooks calls off the caller's goroutine.
// Events are queued to a bounded channel and dropped when it is full, so a
// slow sink can never stall the request server or a sync run.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000)
//	defer hooks.Close()
//
//	store, _ := sitecache.New(sitecache.Options{Provider: p, Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/sitecache"
)

type Hooks struct {
	inner   sitecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ sitecache.Hooks = (*Hooks)(nil)

func New(inner sitecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events raised after
// Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped is the number of events discarded because the queue was full or
// already closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// send on a queue closed between the check and the send
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)            { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string)    { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) FetchFailed(p string, err error) { h.try(func() { h.inner.FetchFailed(p, err) }) }
func (h *Hooks) MessageDropped(kind string)      { h.try(func() { h.inner.MessageDropped(kind) }) }
func (h *Hooks) RecoveryAttempt(n int, c string) { h.try(func() { h.inner.RecoveryAttempt(n, c) }) }
func (h *Hooks) StoreError(op, k string, err error) {
	h.try(func() { h.inner.StoreError(op, k, err) })
}
func (h *Hooks) RecoveryExhausted(n int, c string) {
	h.try(func() { h.inner.RecoveryExhausted(n, c) })
}
