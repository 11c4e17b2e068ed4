// Package agent is the long-lived background process that owns the cache.
//
// It installs the site on first start, serves requests from the cache once
// installed, applies updates when the version monitor sees a new deployment,
// and hands critical failures to the recovery governor. Inputs arrive as
// Events and go through the Handlers table; anything slow runs as scheduled
// work under the governor's guard.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/guardstore"
	"github.com/unkn0wn-root/sitecache/manifest"
	"github.com/unkn0wn-root/sitecache/monitor"
	"github.com/unkn0wn-root/sitecache/notify"
	"github.com/unkn0wn-root/sitecache/recovery"
	"github.com/unkn0wn-root/sitecache/syncer"
)

const (
	DefaultInstallRetryDelay    = time.Second
	DefaultMaxInstallRetryDelay = time.Minute
	DefaultMaxPersistFailures   = 3
	defaultKeepAlive            = 15 * time.Second
)

var ErrRunning = errors.New("agent: already running")

// Store is the part of sitecache.Store the agent needs directly.
type Store interface {
	GetManifest(ctx context.Context) (*manifest.Manifest, bool)
	PurgeAll(ctx context.Context) error
}

// Syncer is satisfied by *syncer.Syncer.
type Syncer interface {
	Install(ctx context.Context) (syncer.Report, error)
	Update(ctx context.Context) (syncer.Report, error)
	State() syncer.State
}

// Server is satisfied by *serve.Server.
type Server interface {
	http.Handler
	Passthrough() http.Handler
}

type Options struct {
	Store    Store            // required
	Syncer   Syncer           // required
	Server   Server           // required
	Broker   *notify.Broker   // required
	Strategy monitor.Strategy // nil => no version monitor

	Guard      guardstore.Store // nil => in-memory
	MaxRetries int              // recovery budget; 0 => 3
	Cooldown   time.Duration    // recovery cooldown; 0 => 60s

	InstallRetryDelay    time.Duration // 0 => 1s
	MaxInstallRetryDelay time.Duration // 0 => 1m
	// MaxPersistFailures is how many installs in a row may fail to persist
	// the manifest before the store is treated as broken. 0 => 3.
	MaxPersistFailures int
	KeepAlive          time.Duration // SSE heartbeat; 0 => 15s

	Logger sitecache.Logger
	Hooks  sitecache.Hooks
	Now    func() time.Time
}

type Agent struct {
	phase atomic.Int32

	store    Store
	sync     Syncer
	server   Server
	broker   *notify.Broker
	strategy monitor.Strategy
	gov      *recovery.Governor
	log      sitecache.Logger

	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxPersist    int
	keepAlive     time.Duration

	mu      sync.Mutex
	running bool
	closed  bool
	runCtx  context.Context
	wg      sync.WaitGroup
}

var (
	_ http.Handler      = (*Agent)(nil)
	_ recovery.Reloader = (*Agent)(nil)
)

func New(opts Options) (*Agent, error) {
	if opts.Store == nil || opts.Syncer == nil || opts.Server == nil || opts.Broker == nil {
		return nil, errors.New("agent: store, syncer, server and broker are required")
	}
	a := &Agent{
		store:         opts.Store,
		sync:          opts.Syncer,
		server:        opts.Server,
		broker:        opts.Broker,
		strategy:      opts.Strategy,
		log:           opts.Logger,
		retryDelay:    opts.InstallRetryDelay,
		maxRetryDelay: opts.MaxInstallRetryDelay,
		maxPersist:    opts.MaxPersistFailures,
		keepAlive:     opts.KeepAlive,
	}
	if a.log == nil {
		a.log = sitecache.NopLogger{}
	}
	if a.retryDelay <= 0 {
		a.retryDelay = DefaultInstallRetryDelay
	}
	if a.maxRetryDelay < a.retryDelay {
		a.maxRetryDelay = max(DefaultMaxInstallRetryDelay, a.retryDelay)
	}
	if a.maxPersist <= 0 {
		a.maxPersist = DefaultMaxPersistFailures
	}
	if a.keepAlive <= 0 {
		a.keepAlive = defaultKeepAlive
	}

	guard := opts.Guard
	if guard == nil {
		guard = guardstore.NewMemory()
	}
	gov, err := recovery.New(recovery.Options{
		Guard:      guard,
		Purger:     opts.Store,
		Reloader:   a,
		Publisher:  opts.Broker,
		MaxRetries: opts.MaxRetries,
		Cooldown:   opts.Cooldown,
		Logger:     a.log,
		Hooks:      opts.Hooks,
		Now:        opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	a.gov = gov
	return a, nil
}

func (a *Agent) Phase() Phase { return Phase(a.phase.Load()) }

func (a *Agent) Governor() *recovery.Governor { return a.gov }

func (a *Agent) setPhase(p Phase) {
	if old := Phase(a.phase.Swap(int32(p))); old != p {
		a.log.Info("agent phase changed", sitecache.Fields{"from": old.String(), "to": p.String()})
	}
}

// Run starts the agent and blocks until ctx is done and every scheduled job
// has returned.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrRunning
	}
	a.running, a.closed, a.runCtx = true, false, ctx
	a.mu.Unlock()

	if m, ok := a.store.GetManifest(ctx); ok {
		a.setPhase(Active)
		a.log.Info("agent active from stored manifest", sitecache.Fields{"version": m.Version, "assets": m.Len()})
		a.Dispatch(Event{Kind: EventCheckNow})
	} else {
		a.Dispatch(Event{Kind: EventInstall})
	}

	if a.strategy != nil {
		mon := &monitor.Monitor{
			Strategy: a.strategy,
			Tracker:  &monitor.Tracker{},
			OnChange: func(_ context.Context, v string) {
				a.Dispatch(Event{Kind: EventVersionChanged, Version: v})
			},
			Logger: a.log,
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer func() {
				if v := recover(); v != nil {
					a.contain("monitor", v)
				}
			}()
			if err := mon.Run(ctx); err != nil {
				a.log.Error("version monitor stopped", sitecache.Fields{"err": err})
			}
		}()
	}

	<-ctx.Done()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return nil
}

// Dispatch runs ev through the handler table and carries out the action.
func (a *Agent) Dispatch(ev Event) Action {
	h, ok := Handlers[ev.Kind]
	if !ok {
		a.log.Warn("unknown event", sitecache.Fields{"kind": string(ev.Kind)})
		return Action{Kind: Ignore, Reason: "unknown event"}
	}
	act := h(a.Phase(), ev)

	ctx := a.context()
	for _, m := range act.Messages {
		a.broker.Publish(ctx, m)
	}
	switch act.Kind {
	case Schedule:
		if !a.schedule(act) {
			act = Action{Kind: Ignore, Reason: "agent not running"}
		}
	case Ignore:
		a.log.Debug("event ignored", sitecache.Fields{"kind": string(ev.Kind), "reason": act.Reason})
	}
	return act
}

// ReportError forwards an error from a foreground observer.
func (a *Agent) ReportError(_ context.Context, err error) {
	if err == nil {
		return
	}
	a.Dispatch(Event{Kind: EventCriticalError, Detail: err.Error()})
}

// contain hands a recovered panic to the governor as a critical error.
func (a *Agent) contain(op string, v any) {
	err := recovery.Critical(op, &recovery.PanicError{Value: v, Stack: debug.Stack()})
	a.log.Error("panic recovered", sitecache.Fields{"op": op, "err": err})
	a.Dispatch(Event{Kind: EventCriticalError, Detail: err.Error()})
}

func (a *Agent) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}

func (a *Agent) schedule(act Action) bool {
	a.mu.Lock()
	if !a.running || a.closed {
		a.mu.Unlock()
		return false
	}
	ctx := a.runCtx
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		var err error
		if act.Work == WorkRecover {
			// recovery is not guarded by itself
			_, err = a.gov.Report(ctx, errors.New(act.Reason))
			if errors.Is(err, recovery.ErrBudgetExhausted) {
				err = nil
			}
		} else {
			err = a.gov.Guard(ctx, act.Work.String(), func(ctx context.Context) error {
				return a.run(ctx, act.Work)
			})
		}
		if err != nil && ctx.Err() == nil {
			a.log.Warn("scheduled work failed", sitecache.Fields{"work": act.Work.String(), "err": err})
		}
	}()
	return true
}

func (a *Agent) run(ctx context.Context, w Work) error {
	switch w {
	case WorkInstall:
		return a.install(ctx)
	case WorkUpdate:
		return a.update(ctx)
	default:
		return fmt.Errorf("agent: no runner for %s", w)
	}
}

// install retries until the site is installed or ctx ends. An agent that
// was already active keeps serving from the cache while it reinstalls.
func (a *Agent) install(ctx context.Context) error {
	prev := a.Phase()
	if prev == Installing {
		return nil
	}
	if prev != Active && !a.phase.CompareAndSwap(int32(prev), int32(Installing)) {
		return nil
	}
	if prev != Active {
		a.log.Info("agent phase changed", sitecache.Fields{"from": prev.String(), "to": Installing.String()})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryDelay
	bo.MaxInterval = a.maxRetryDelay
	bo.Reset()

	persistFailures := 0
	for {
		rep, err := a.sync.Install(ctx)
		if err == nil {
			a.setPhase(Active)
			// a clean install ends any earlier operator alert
			a.broker.ClearCritical()
			a.log.Info("agent installed", sitecache.Fields{"version": rep.To, "failed": len(rep.Failed)})
			return nil
		}
		if errors.Is(err, syncer.ErrInFlight) && prev == Active {
			return nil
		}
		if errors.Is(err, syncer.ErrManifestNotPersisted) {
			persistFailures++
			if persistFailures >= a.maxPersist {
				a.phase.CompareAndSwap(int32(Installing), int32(prev))
				return recovery.Critical("install", err)
			}
		}
		if ctx.Err() != nil {
			a.phase.CompareAndSwap(int32(Installing), int32(prev))
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		a.log.Warn("install failed, retrying", sitecache.Fields{"err": err, "wait": wait.String()})
		select {
		case <-ctx.Done():
			a.phase.CompareAndSwap(int32(Installing), int32(prev))
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (a *Agent) update(ctx context.Context) error {
	rep, err := a.sync.Update(ctx)
	switch {
	case err == nil:
		if rep.Noop {
			a.log.Debug("already up to date", sitecache.Fields{"version": rep.To})
		}
		return nil
	case errors.Is(err, syncer.ErrInFlight):
		a.log.Debug("update coalesced with running sync", nil)
		return nil
	case errors.Is(err, syncer.ErrManifestUnavailable):
		// next trigger retries
		return nil
	default:
		return err
	}
}

// Unregister stops the agent from intercepting requests.
func (a *Agent) Unregister(context.Context) error {
	a.setPhase(Unregistered)
	return nil
}

// Reload schedules a fresh install. It does not wait for it.
func (a *Agent) Reload(context.Context) error {
	if !a.schedule(Action{Kind: Schedule, Work: WorkInstall}) {
		return errors.New("agent: not running")
	}
	return nil
}

// ServeHTTP serves from the cache once active and proxies live before that.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			a.contain("serve", v)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}()
	if a.Phase() != Active {
		a.server.Passthrough().ServeHTTP(w, r)
		return
	}
	a.server.ServeHTTP(w, r)
}
