// Package syncer reconciles the Cache Store with the server's manifest.
//
// Install precaches every listed asset. Update applies only the difference
// between the stored manifest and the remote one. At most one of them runs
// at a time; a trigger that arrives while one is running gets ErrInFlight.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/fetch"
	"github.com/unkn0wn-root/sitecache/manifest"
	"github.com/unkn0wn-root/sitecache/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/unkn0wn-root/sitecache/syncer"

var (
	ErrInFlight             = errors.New("syncer: a sync run is already in flight")
	ErrManifestUnavailable  = errors.New("syncer: remote manifest unavailable")
	ErrManifestNotPersisted = errors.New("syncer: manifest could not be persisted")
)

type State int32

const (
	Idle State = iota
	Installing
	Checking
	Updating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Installing:
		return "installing"
	case Checking:
		return "checking"
	case Updating:
		return "updating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Store is the part of sitecache.Store the synchronizer drives.
type Store interface {
	Delete(ctx context.Context, key string)
	GetManifest(ctx context.Context) (*manifest.Manifest, bool)
	PutManifest(ctx context.Context, m *manifest.Manifest) bool
}

// Fetcher is satisfied by *fetch.Fetcher.
type Fetcher interface {
	FetchAllNoStore(ctx context.Context, keys []string) fetch.Result
}

type Options struct {
	Store     Store
	Source    manifest.Source
	Fetcher   Fetcher
	Publisher notify.Publisher // nil => updates are not announced
	Logger    sitecache.Logger
	Tracer    trace.Tracer // nil => global otel tracer
	Now       func() time.Time
}

// Report summarizes one run.
type Report struct {
	Kind     string // "install" or "update"
	From     string // stored version before the run; "" when none
	To       string
	Noop     bool
	Changed  []string
	Removed  []string
	Failed   []string
	Bytes    int64
	Duration time.Duration
}

type Syncer struct {
	state atomic.Int32

	store   Store
	source  manifest.Source
	fetcher Fetcher
	pub     notify.Publisher
	log     sitecache.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func New(opts Options) (*Syncer, error) {
	if opts.Store == nil || opts.Source == nil || opts.Fetcher == nil {
		return nil, errors.New("syncer: store, source and fetcher are required")
	}
	s := &Syncer{
		store:   opts.Store,
		source:  opts.Source,
		fetcher: opts.Fetcher,
		pub:     opts.Publisher,
		log:     opts.Logger,
		tracer:  opts.Tracer,
		now:     opts.Now,
	}
	if s.log == nil {
		s.log = sitecache.NopLogger{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Syncer) State() State { return State(s.state.Load()) }

func (s *Syncer) acquire(to State) bool {
	return s.state.CompareAndSwap(int32(Idle), int32(to))
}

func (s *Syncer) release() { s.state.Store(int32(Idle)) }

// Install fetches the remote manifest and every path it lists, drops assets
// a previously stored manifest listed but the new one does not, and then
// persists the manifest. If the manifest cannot be fetched nothing changes.
func (s *Syncer) Install(ctx context.Context) (rep Report, err error) {
	if !s.acquire(Installing) {
		return Report{Kind: "install"}, ErrInFlight
	}
	defer s.release()

	ctx, span := s.tracer.Start(ctx, "syncer.Install")
	defer func() { endSpan(span, rep, err) }()

	start := s.now()
	rep = Report{Kind: "install"}

	remote, err := s.source.Fetch(ctx)
	if err != nil {
		s.log.Warn("install aborted: manifest unavailable", sitecache.Fields{"err": err})
		return rep, fmt.Errorf("%w: %w", ErrManifestUnavailable, err)
	}
	rep.To = remote.Version

	prev, _ := s.store.GetManifest(ctx)
	if prev != nil {
		rep.From = prev.Version
	}
	rep.Removed = manifest.Diff(prev, remote).Removed
	for _, p := range unclaimed(rep.Removed, remote) {
		s.store.Delete(ctx, p)
	}

	rep.Changed = remote.Paths()
	res := s.fetcher.FetchAllNoStore(ctx, rep.Changed)
	rep.Failed = res.FailedPaths()
	rep.Bytes = res.Bytes

	if !s.store.PutManifest(ctx, manifest.Applied(prev, remote, rep.Failed)) {
		s.log.Error("install: manifest not persisted", sitecache.Fields{"version": remote.Version})
		return rep, ErrManifestNotPersisted
	}
	rep.Duration = s.now().Sub(start)

	s.log.Info("install complete", sitecache.Fields{
		"version":  remote.Version,
		"assets":   len(res.Fetched),
		"failed":   len(rep.Failed),
		"removed":  len(rep.Removed),
		"bytes":    humanize.Bytes(uint64(rep.Bytes)),
		"duration": rep.Duration.String(),
	})
	return rep, nil
}

// Update applies the difference between the stored manifest and the remote
// one. Equal versions with nothing left to retry are a no-op. The update is
// announced only after the manifest has been persisted.
func (s *Syncer) Update(ctx context.Context) (rep Report, err error) {
	if !s.acquire(Checking) {
		return Report{Kind: "update"}, ErrInFlight
	}
	defer s.release()

	ctx, span := s.tracer.Start(ctx, "syncer.Update")
	defer func() { endSpan(span, rep, err) }()

	start := s.now()
	rep = Report{Kind: "update"}

	remote, err := s.source.Fetch(ctx)
	if err != nil {
		s.log.Debug("update skipped: manifest unavailable", sitecache.Fields{"err": err})
		return rep, fmt.Errorf("%w: %w", ErrManifestUnavailable, err)
	}
	rep.To = remote.Version

	stored, _ := s.store.GetManifest(ctx)
	if stored != nil {
		rep.From = stored.Version
	}
	delta := manifest.Diff(stored, remote)
	if stored != nil && stored.Version == remote.Version && delta.Empty() {
		rep.Noop = true
		rep.Duration = s.now().Sub(start)
		return rep, nil
	}

	s.state.Store(int32(Updating))
	rep.Changed, rep.Removed = delta.Changed, delta.Removed

	for _, p := range unclaimed(delta.Removed, remote) {
		s.store.Delete(ctx, p)
	}
	res := s.fetcher.FetchAllNoStore(ctx, delta.Changed)
	rep.Failed = res.FailedPaths()
	rep.Bytes = res.Bytes

	if !s.store.PutManifest(ctx, manifest.Applied(stored, remote, rep.Failed)) {
		s.log.Error("update: manifest not persisted", sitecache.Fields{"version": remote.Version})
		return rep, ErrManifestNotPersisted
	}
	rep.Duration = s.now().Sub(start)

	s.log.Info("update applied", sitecache.Fields{
		"from":     rep.From,
		"to":       rep.To,
		"changed":  len(res.Fetched),
		"failed":   len(rep.Failed),
		"removed":  len(rep.Removed),
		"bytes":    humanize.Bytes(uint64(rep.Bytes)),
		"duration": rep.Duration.String(),
	})
	if s.pub != nil {
		s.pub.Publish(ctx, notify.CacheUpdated(remote.Version, len(res.Fetched)))
	}
	return rep, nil
}

// unclaimed filters removed down to the paths whose cache entry no path of
// next still maps to. "/x/index.html" and "/x/" share one entry, so dropping
// one of them must not evict the other.
func unclaimed(removed []string, next *manifest.Manifest) []string {
	if len(removed) == 0 || next.Len() == 0 {
		return removed
	}
	live := make(map[string]struct{}, next.Len())
	for p := range next.Files {
		live[sitecache.Normalize(p)] = struct{}{}
	}
	out := removed[:0:0]
	for _, p := range removed {
		if _, ok := live[sitecache.Normalize(p)]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func endSpan(span trace.Span, rep Report, err error) {
	span.SetAttributes(
		attribute.String("sitecache.sync.from", rep.From),
		attribute.String("sitecache.sync.to", rep.To),
		attribute.Bool("sitecache.sync.noop", rep.Noop),
		attribute.Int("sitecache.sync.changed", len(rep.Changed)),
		attribute.Int("sitecache.sync.removed", len(rep.Removed)),
		attribute.Int("sitecache.sync.failed", len(rep.Failed)),
		attribute.Int64("sitecache.sync.bytes", rep.Bytes),
	)
	if err != nil && !errors.Is(err, ErrInFlight) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
