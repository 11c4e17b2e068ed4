// Package recovery turns critical failures into a bounded purge-and-reload.
//
// Each report reads the reload guard, resets it once the cooldown has
// passed, and either spends one attempt (purge the cache, unregister the
// agent, reload) or, with the budget spent, broadcasts a sticky
// critical-error and does nothing else until the cooldown expires.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/guardstore"
	"github.com/unkn0wn-root/sitecache/notify"
)

const (
	DefaultMaxRetries = 3
	DefaultCooldown   = 60 * time.Second
)

var ErrBudgetExhausted = errors.New("recovery: reload budget exhausted")

// Purger is satisfied by sitecache.Store.
type Purger interface {
	PurgeAll(ctx context.Context) error
}

// Reloader deactivates and restarts the agent. Reload must not wait for
// work that can itself report to the governor.
type Reloader interface {
	Unregister(ctx context.Context) error
	Reload(ctx context.Context) error
}

type Decision int

const (
	Reloaded Decision = iota + 1
	Suppressed
)

func (d Decision) String() string {
	switch d {
	case Reloaded:
		return "reloaded"
	case Suppressed:
		return "suppressed"
	default:
		return "none"
	}
}

type Options struct {
	Guard      guardstore.Store // required; must not live in the purged store
	Purger     Purger           // required
	Reloader   Reloader         // required
	Publisher  notify.Publisher // nil => nothing is broadcast
	MaxRetries int              // 0 => 3
	Cooldown   time.Duration    // 0 => 60s
	Logger     sitecache.Logger
	Hooks      sitecache.Hooks
	Now        func() time.Time
}

type Governor struct {
	mu sync.Mutex

	guard    guardstore.Store
	purger   Purger
	reloader Reloader
	pub      notify.Publisher
	max      int
	cooldown time.Duration
	log      sitecache.Logger
	hooks    sitecache.Hooks
	now      func() time.Time
}

func New(opts Options) (*Governor, error) {
	if opts.Guard == nil || opts.Purger == nil || opts.Reloader == nil {
		return nil, errors.New("recovery: guard, purger and reloader are required")
	}
	g := &Governor{
		guard:    opts.Guard,
		purger:   opts.Purger,
		reloader: opts.Reloader,
		pub:      opts.Publisher,
		max:      opts.MaxRetries,
		cooldown: opts.Cooldown,
		log:      opts.Logger,
		hooks:    opts.Hooks,
		now:      opts.Now,
	}
	if g.max <= 0 {
		g.max = DefaultMaxRetries
	}
	if g.cooldown <= 0 {
		g.cooldown = DefaultCooldown
	}
	if g.log == nil {
		g.log = sitecache.NopLogger{}
	}
	if g.hooks == nil {
		g.hooks = sitecache.NopHooks{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Report handles one critical failure. Reports are serialized.
func (g *Governor) Report(ctx context.Context, cause error) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	detail := "unknown"
	if cause != nil {
		detail = cause.Error()
	}
	now := g.now()

	st, err := g.guard.Load(ctx)
	if err != nil {
		// without the brake we cannot tell a loop from a first failure
		g.log.Error("reload guard unreadable, not recovering", sitecache.Fields{"err": err, "cause": detail})
		g.publish(ctx, notify.CriticalError("reload guard unreadable: "+detail))
		return Suppressed, fmt.Errorf("recovery: load guard: %w", err)
	}
	if st.LastReloadAt != 0 && now.Sub(time.UnixMilli(st.LastReloadAt)) > g.cooldown {
		st.ReloadCount = 0
	}
	if st.ReloadCount >= g.max {
		g.log.Error("reload budget exhausted", sitecache.Fields{
			"attempts": st.ReloadCount,
			"cooldown": g.cooldown.String(),
			"cause":    detail,
		})
		g.hooks.RecoveryExhausted(st.ReloadCount, detail)
		g.publish(ctx, notify.CriticalError(detail))
		return Suppressed, ErrBudgetExhausted
	}

	st.ReloadCount++
	st.LastReloadAt = now.UnixMilli()
	if err := g.guard.Save(ctx, st); err != nil {
		g.log.Error("reload guard not saved, not recovering", sitecache.Fields{"err": err, "cause": detail})
		g.publish(ctx, notify.CriticalError("reload guard not saved: "+detail))
		return Suppressed, fmt.Errorf("recovery: save guard: %w", err)
	}

	g.log.Warn("recovering from critical error", sitecache.Fields{
		"attempt": st.ReloadCount,
		"max":     g.max,
		"cause":   detail,
	})
	g.hooks.RecoveryAttempt(st.ReloadCount, detail)

	if err := g.purger.PurgeAll(ctx); err != nil {
		g.log.Error("purge failed", sitecache.Fields{"err": err})
		g.publish(ctx, notify.CriticalError("purge failed: "+err.Error()))
		return Reloaded, fmt.Errorf("recovery: purge: %w", err)
	}
	g.publish(ctx, notify.CacheCleared())

	if err := g.reloader.Unregister(ctx); err != nil {
		return Reloaded, fmt.Errorf("recovery: unregister: %w", err)
	}
	g.publish(ctx, notify.Reload(detail))
	if err := g.reloader.Reload(ctx); err != nil {
		return Reloaded, fmt.Errorf("recovery: reload: %w", err)
	}
	return Reloaded, nil
}

// State returns the current guard, for status endpoints.
func (g *Governor) State(ctx context.Context) (guardstore.State, error) {
	return g.guard.Load(ctx)
}

func (g *Governor) publish(ctx context.Context, m notify.Message) {
	if g.pub != nil {
		g.pub.Publish(ctx, m)
	}
}

// CriticalError marks a failure that must go to the governor.
type CriticalError struct {
	Op  string
	Err error
}

func (e *CriticalError) Error() string { return fmt.Sprintf("critical: %s: %v", e.Op, e.Err) }
func (e *CriticalError) Unwrap() error { return e.Err }

// Critical wraps err so Guard routes it to Report. nil stays nil.
func Critical(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CriticalError{Op: op, Err: err}
}

func IsCritical(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce)
}

// PanicError is a recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Guard runs fn. A panic or a critical error is reported to the governor
// and returned; ordinary errors are returned untouched.
func (g *Governor) Guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Critical(name, &PanicError{Value: r, Stack: debug.Stack()})
		}
		if err != nil && IsCritical(err) {
			if _, rerr := g.Report(ctx, err); rerr != nil && !errors.Is(rerr, ErrBudgetExhausted) {
				g.log.Error("recovery failed", sitecache.Fields{"op": name, "err": rerr})
			}
		}
	}()
	return fn(ctx)
}
