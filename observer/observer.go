// Package observer is the foreground side of the notifier: one Observer per
// open view. It surfaces new versions once, leaves reloading to the
// recovery governor, and sends its own failures back to the agent.
package observer

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/monitor"
	"github.com/unkn0wn-root/sitecache/notify"
)

type Options struct {
	// Baseline is the version the view was loaded with. Without it the
	// first version seen becomes the baseline and is not surfaced.
	Baseline string

	// OnUpdateAvailable drives a "reload to update" affordance. It must
	// not reload by itself.
	OnUpdateAvailable func(version string)
	OnReload          func(reason string)
	OnCritical        func(detail string)
	OnCleared         func()

	// Report forwards uncaught errors to the agent; nil drops them.
	Report func(ctx context.Context, err error)
	Logger sitecache.Logger
}

type Observer struct {
	tracker *monitor.Tracker
	opts    Options
	log     sitecache.Logger
}

func New(opts Options) *Observer {
	o := &Observer{tracker: &monitor.Tracker{}, opts: opts, log: opts.Logger}
	if o.log == nil {
		o.log = sitecache.NopLogger{}
	}
	if opts.Baseline != "" {
		o.tracker.Observe(opts.Baseline)
	}
	return o
}

// Run consumes messages until ctx is done or msgs is closed.
func (o *Observer) Run(ctx context.Context, msgs <-chan notify.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			o.Handle(ctx, m)
		}
	}
}

// Handle applies one message. Callback panics are reported, not raised.
func (o *Observer) Handle(ctx context.Context, m notify.Message) {
	switch m.Kind {
	case notify.KindUpdateAvailable, notify.KindCacheUpdated:
		if !o.tracker.Observe(m.Version) {
			return
		}
		o.log.Info("update available", sitecache.Fields{"version": m.Version, "baseline": o.tracker.Baseline()})
		if f := o.opts.OnUpdateAvailable; f != nil {
			o.Protect(ctx, func() error { f(m.Version); return nil })
		}
	case notify.KindReload:
		if f := o.opts.OnReload; f != nil {
			o.Protect(ctx, func() error { f(m.Detail); return nil })
		}
	case notify.KindCriticalError:
		o.log.Error("agent needs an operator", sitecache.Fields{"detail": m.Detail})
		if f := o.opts.OnCritical; f != nil {
			o.Protect(ctx, func() error { f(m.Detail); return nil })
		}
	case notify.KindCacheCleared:
		if f := o.opts.OnCleared; f != nil {
			o.Protect(ctx, func() error { f(); return nil })
		}
	default:
		o.log.Debug("unknown message", sitecache.Fields{"kind": string(m.Kind)})
	}
}

// Protect runs fn and reports its error or panic to the agent.
func (o *Observer) Protect(ctx context.Context, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.Report(ctx, fmt.Errorf("observer panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		o.Report(ctx, err)
	}
}

// Report forwards err to the agent's recovery governor.
func (o *Observer) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	o.log.Warn("reporting error to agent", sitecache.Fields{"err": err})
	if o.opts.Report != nil {
		o.opts.Report(ctx, err)
	}
}

// Tracker exposes the de-duplication state.
func (o *Observer) Tracker() *monitor.Tracker { return o.tracker }
