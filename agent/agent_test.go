package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/sitecache/manifest"
	"github.com/unkn0wn-root/sitecache/notify"
	"github.com/unkn0wn-root/sitecache/syncer"
)

type fakeStore struct {
	mu     sync.Mutex
	m      *manifest.Manifest
	purges int
}

func (s *fakeStore) GetManifest(context.Context) (*manifest.Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Clone(), s.m != nil
}

func (s *fakeStore) PurgeAll(context.Context) error {
	s.mu.Lock()
	s.purges++
	s.m = nil
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) purgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purges
}

type fakeSyncer struct {
	installs   atomic.Int32
	updates    atomic.Int32
	installErr func(n int) error
}

func (s *fakeSyncer) Install(context.Context) (syncer.Report, error) {
	n := int(s.installs.Add(1))
	if s.installErr != nil {
		if err := s.installErr(n); err != nil {
			return syncer.Report{Kind: "install"}, err
		}
	}
	return syncer.Report{Kind: "install", To: "v1"}, nil
}

func (s *fakeSyncer) Update(context.Context) (syncer.Report, error) {
	s.updates.Add(1)
	return syncer.Report{Kind: "update", Noop: true}, nil
}

func (s *fakeSyncer) State() syncer.State { return syncer.Idle }

type fakeServer struct{}

func (fakeServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "cache") }

func (fakeServer) Passthrough() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "live") })
}

type chanStrategy struct{ versions chan string }

func (s *chanStrategy) Name() string { return "test" }

func (s *chanStrategy) Watch(ctx context.Context, report func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-s.versions:
			report(v)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func start(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("agent did not stop")
		}
	})
}

func newAgent(t *testing.T, opts Options) *Agent {
	t.Helper()
	if opts.Server == nil {
		opts.Server = fakeServer{}
	}
	if opts.Broker == nil {
		opts.Broker = notify.NewBroker(notify.Options{Buffer: 64})
		t.Cleanup(opts.Broker.Close)
	}
	if opts.InstallRetryDelay == 0 {
		opts.InstallRetryDelay = time.Millisecond
		opts.MaxInstallRetryDelay = 5 * time.Millisecond
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func body(t *testing.T, h http.Handler, target string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec.Body.String()
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStoredManifestStartsActiveAndChecks(t *testing.T) {
	st := &fakeStore{m: &manifest.Manifest{Version: "v1", Files: map[string]string{"/a.js": "h"}}}
	sy := &fakeSyncer{}
	a := newAgent(t, Options{Store: st, Syncer: sy})
	start(t, a)

	eventually(t, "active", func() bool { return a.Phase() == Active })
	eventually(t, "startup update", func() bool { return sy.updates.Load() == 1 })
	if sy.installs.Load() != 0 {
		t.Fatalf("stored manifest must not reinstall")
	}
	if got := body(t, a, "/a.js"); got != "cache" {
		t.Fatalf("active agent served %q", got)
	}
}

func TestProxiesLiveUntilInstalled(t *testing.T) {
	release := make(chan struct{})
	sy := &fakeSyncer{installErr: func(n int) error {
		if n == 1 {
			<-release
			return syncer.ErrManifestUnavailable
		}
		return nil
	}}
	a := newAgent(t, Options{Store: &fakeStore{}, Syncer: sy})
	if got := body(t, a, "/x"); got != "live" {
		t.Fatalf("unregistered agent served %q", got)
	}
	start(t, a)

	eventually(t, "installing", func() bool { return a.Phase() == Installing })
	if got := body(t, a, "/x"); got != "live" {
		t.Fatalf("installing agent served %q", got)
	}
	close(release)
	eventually(t, "active", func() bool { return a.Phase() == Active })
	if sy.installs.Load() != 2 {
		t.Fatalf("installs = %d", sy.installs.Load())
	}
	if got := body(t, a, "/x"); got != "cache" {
		t.Fatalf("active agent served %q", got)
	}
}

func TestPersistFailuresEscalateAndStopAtBudget(t *testing.T) {
	st := &fakeStore{}
	sy := &fakeSyncer{installErr: func(int) error { return syncer.ErrManifestNotPersisted }}
	b := notify.NewBroker(notify.Options{Buffer: 64})
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	a := newAgent(t, Options{Store: st, Syncer: sy, Broker: b, MaxRetries: 1, MaxPersistFailures: 2})
	start(t, a)

	eventually(t, "sticky critical", func() bool { _, ok := b.Critical(); return ok })
	if st.purgeCount() != 1 {
		t.Fatalf("purges = %d, want 1", st.purgeCount())
	}
	// two failed installs, one recovery, two more, then the budget stops it
	if n := sy.installs.Load(); n != 4 {
		t.Fatalf("installs = %d", n)
	}

	var kinds []notify.Kind
	for len(kinds) < 3 {
		select {
		case m := <-sub.C:
			kinds = append(kinds, m.Kind)
		case <-time.After(time.Second):
			t.Fatalf("messages so far: %v", kinds)
		}
	}
	want := []notify.Kind{notify.KindCacheCleared, notify.KindReload, notify.KindCriticalError}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("messages %v, want %v", kinds, want)
		}
	}
	if a.Phase() == Active {
		t.Fatalf("broken store must not leave the agent active")
	}
}

func TestVersionChangeAnnouncesAndUpdates(t *testing.T) {
	st := &fakeStore{m: &manifest.Manifest{Version: "v1", Files: map[string]string{}}}
	sy := &fakeSyncer{}
	b := notify.NewBroker(notify.Options{Buffer: 64})
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()
	strat := &chanStrategy{versions: make(chan string)}

	a := newAgent(t, Options{Store: st, Syncer: sy, Broker: b, Strategy: strat})
	start(t, a)
	eventually(t, "startup update", func() bool { return sy.updates.Load() == 1 })

	strat.versions <- "v1" // baseline
	strat.versions <- "v2"
	strat.versions <- "v2" // already announced

	select {
	case m := <-sub.C:
		if m.Kind != notify.KindUpdateAvailable || m.Version != "v2" {
			t.Fatalf("got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update-available")
	}
	eventually(t, "update for v2", func() bool { return sy.updates.Load() == 2 })
	select {
	case m := <-sub.C:
		t.Fatalf("duplicate announcement: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReportErrorRoutesToGovernor(t *testing.T) {
	st := &fakeStore{m: &manifest.Manifest{Version: "v1", Files: map[string]string{}}}
	sy := &fakeSyncer{}
	a := newAgent(t, Options{Store: st, Syncer: sy})
	start(t, a)
	eventually(t, "active", func() bool { return a.Phase() == Active })

	a.ReportError(context.Background(), errors.New("TypeError in view"))
	eventually(t, "purge", func() bool { return st.purgeCount() == 1 })
	eventually(t, "reinstalled", func() bool { return sy.installs.Load() == 1 && a.Phase() == Active })
	g, err := a.Governor().State(context.Background())
	if err != nil || g.ReloadCount != 1 {
		t.Fatalf("guard %+v %v", g, err)
	}
}

type panicServer struct{ fakeServer }

func (panicServer) ServeHTTP(http.ResponseWriter, *http.Request) { panic("nil map in handler") }

type panicStrategy struct{}

func (panicStrategy) Name() string { return "panic" }

func (panicStrategy) Watch(context.Context, func(string)) error { panic("watcher blew up") }

func TestServePanicReachesGovernor(t *testing.T) {
	st := &fakeStore{m: &manifest.Manifest{Version: "v1", Files: map[string]string{}}}
	sy := &fakeSyncer{}
	a := newAgent(t, Options{Store: st, Syncer: sy, Server: panicServer{}})
	start(t, a)
	eventually(t, "active", func() bool { return a.Phase() == Active })

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a.js", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	eventually(t, "purge", func() bool { return st.purgeCount() == 1 })
	g, err := a.Governor().State(context.Background())
	if err != nil || g.ReloadCount != 1 {
		t.Fatalf("guard %+v %v", g, err)
	}
}

func TestAbortHandlerPanicPassesThrough(t *testing.T) {
	a := newAgent(t, Options{Store: &fakeStore{}, Syncer: &fakeSyncer{}, Server: abortServer{}})
	a.setPhase(Active)
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v", v)
		}
	}()
	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

type abortServer struct{ fakeServer }

func (abortServer) ServeHTTP(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }

func TestMonitorPanicReachesGovernor(t *testing.T) {
	st := &fakeStore{m: &manifest.Manifest{Version: "v1", Files: map[string]string{}}}
	sy := &fakeSyncer{}
	a := newAgent(t, Options{Store: st, Syncer: sy, Strategy: panicStrategy{}})
	start(t, a)

	eventually(t, "purge", func() bool { return st.purgeCount() == 1 })
	eventually(t, "reinstalled", func() bool { return sy.installs.Load() == 1 && a.Phase() == Active })
}

func TestDispatchBeforeRunIsIgnored(t *testing.T) {
	a := newAgent(t, Options{Store: &fakeStore{}, Syncer: &fakeSyncer{}})
	if act := a.Dispatch(Event{Kind: EventInstall}); act.Kind != Ignore {
		t.Fatalf("got %s", act.Kind)
	}
	if act := a.Dispatch(Event{Kind: "bogus"}); act.Kind != Ignore {
		t.Fatalf("unknown event: %s", act.Kind)
	}
}

func TestControlEndpoints(t *testing.T) {
	st := &fakeStore{m: &manifest.Manifest{Version: "v7", Files: map[string]string{"/a": "1", "/b": "2"}}}
	sy := &fakeSyncer{}
	a := newAgent(t, Options{Store: st, Syncer: sy, KeepAlive: time.Hour})
	start(t, a)
	eventually(t, "active", func() bool { return a.Phase() == Active })

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + ControlPrefix + "status")
	if err != nil {
		t.Fatal(err)
	}
	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if status.Phase != "active" || status.Version != "v7" || status.Assets != 2 || status.Sync != "idle" {
		t.Fatalf("status %+v", status)
	}

	resp, err = http.Post(srv.URL+ControlPrefix+"check", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var act actionBody
	json.NewDecoder(resp.Body).Decode(&act)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || act.Action != "schedule" || act.Work != "update" {
		t.Fatalf("check: %d %+v", resp.StatusCode, act)
	}

	resp, err = http.Get(srv.URL + ControlPrefix + "nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown control path: %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+ControlPrefix+"error", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad error body: %d", resp.StatusCode)
	}

	if got := body(t, a.Handler(), "/page"); got != "cache" {
		t.Fatalf("non-control path served %q", got)
	}
}

func TestEventStream(t *testing.T) {
	st := &fakeStore{m: &manifest.Manifest{Version: "v1", Files: map[string]string{}}}
	b := notify.NewBroker(notify.Options{Buffer: 64})
	defer b.Close()
	a := newAgent(t, Options{Store: st, Syncer: &fakeSyncer{}, Broker: b, KeepAlive: time.Hour})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + ControlPrefix + "events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	// the stream opens with a comment naming the client
	if line, _ := r.ReadString('\n'); !strings.HasPrefix(line, ": ") {
		t.Fatalf("first line %q", line)
	}

	b.Publish(context.Background(), notify.CacheUpdated("v2", 3))

	var event, data string
	for event == "" || data == "" {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != "cache-updated" {
		t.Fatalf("event %q", event)
	}
	var m notify.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		t.Fatal(err)
	}
	if m.ChangedCount != 3 || m.Version != "v2" || m.ID == "" {
		t.Fatalf("message %+v", m)
	}
}
