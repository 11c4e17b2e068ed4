package sitecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/sitecache/codec"
	"github.com/unkn0wn-root/sitecache/internal/util"
	"github.com/unkn0wn-root/sitecache/internal/wire"
	"github.com/unkn0wn-root/sitecache/manifest"
	pr "github.com/unkn0wn-root/sitecache/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu       sync.Mutex
	m        map[string]memEntry
	getErr   error
	setErr   error
	delErr   error
	clearErr error
	reject   bool
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setErr != nil {
		return false, p.setErr
	}
	if p.reject {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delErr != nil {
		return p.delErr
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clearErr != nil {
		return p.clearErr
	}
	p.m = make(map[string]memEntry)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *memProvider) put(key string, v []byte) {
	p.mu.Lock()
	p.m[key] = memEntry{v: v}
	p.mu.Unlock()
}

type recHooks struct {
	NopHooks
	mu       sync.Mutex
	heals    []string
	rejected int
	errs     []string
}

func (h *recHooks) SelfHeal(k, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}

func (h *recHooks) ProviderSetRejected(string) {
	h.mu.Lock()
	h.rejected++
	h.mu.Unlock()
}

func (h *recHooks) StoreError(op, _ string, _ error) {
	h.mu.Lock()
	h.errs = append(h.errs, op)
	h.mu.Unlock()
}

func newTestStore(t *testing.T, mp pr.Provider, optsOpt func(*Options)) *Cache {
	t.Helper()
	opts := Options{Namespace: "site", Provider: mp}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without provider")
	}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s := newTestStore(t, mp, func(o *Options) {
		o.Now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	})
	defer s.Close(ctx)

	if _, ok := s.Get(ctx, "/app.js"); ok {
		t.Fatalf("expected miss")
	}
	if !s.Put(ctx, "/app.js", []byte("console.log(1)"), "text/javascript") {
		t.Fatalf("Put rejected")
	}
	e, ok := s.Get(ctx, "/app.js?v=3")
	if !ok {
		t.Fatalf("expected hit with query stripped")
	}
	if string(e.Body) != "console.log(1)" || e.ContentType != "text/javascript" || e.Key != "/app.js" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.StoredAt.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("StoredAt=%v", e.StoredAt)
	}

	// last write wins
	s.Put(ctx, "/app.js", []byte("v2"), "text/javascript")
	if e, _ := s.Get(ctx, "/app.js"); string(e.Body) != "v2" {
		t.Fatalf("expected overwrite, got %q", e.Body)
	}

	s.Delete(ctx, "/app.js")
	if _, ok := s.Get(ctx, "/app.js"); ok {
		t.Fatalf("expected miss after delete")
	}
	// deleting a missing key is a no-op
	s.Delete(ctx, "/nope")
}

func TestIndexDocumentSharesDirectoryEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemProvider(), nil)

	s.Put(ctx, "/books/index.html", []byte("<h1>books</h1>"), "text/html")
	e, ok := s.Get(ctx, "/books/")
	if !ok || string(e.Body) != "<h1>books</h1>" {
		t.Fatalf("/books/ should resolve to /books/index.html entry, ok=%v", ok)
	}
	if Normalize("/books/index.html") != Normalize("/books/") {
		t.Fatalf("normalization mismatch")
	}
}

func TestSelfHealOnCorruptAsset(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	h := &recHooks{}
	s := newTestStore(t, mp, func(o *Options) { o.Hooks = h })

	k := util.AssetKey("site", "/bad.css")
	mp.put(k, []byte("not-wire-format"))

	if _, ok := s.Get(ctx, "/bad.css"); ok {
		t.Fatalf("corrupt entry should miss")
	}
	if mp.has(k) {
		t.Fatalf("corrupt entry was not deleted by self-heal")
	}
	if len(h.heals) != 1 || h.heals[0] != "corrupt" {
		t.Fatalf("heals=%v", h.heals)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"cbor", "json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			mc, err := c.ByName[manifest.Manifest](name)
			if err != nil {
				t.Fatal(err)
			}
			s := newTestStore(t, newMemProvider(), func(o *Options) { o.ManifestCodec = mc })

			if _, ok := s.GetManifest(ctx); ok {
				t.Fatalf("expected no stored manifest")
			}
			in := &manifest.Manifest{Version: "v1", Files: map[string]string{"/a.js": "h1", "/": "h0"}}
			if !s.PutManifest(ctx, in) {
				t.Fatalf("PutManifest rejected")
			}
			got, ok := s.GetManifest(ctx)
			if !ok || !manifest.Equal(in, got) {
				t.Fatalf("round trip mismatch: ok=%v got=%+v", ok, got)
			}
		})
	}
}

func TestManifestKeyIsUnreachableFromPaths(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s := newTestStore(t, mp, nil)

	s.PutManifest(ctx, &manifest.Manifest{Version: "v1", Files: map[string]string{}})
	for _, p := range []string{"manifest:site", "/manifest:site", "../manifest:site"} {
		s.Put(ctx, p, []byte("x"), "text/plain")
	}
	if m, ok := s.GetManifest(ctx); !ok || m.Version != "v1" {
		t.Fatalf("asset writes clobbered the manifest")
	}
}

func TestManifestDigestMismatchSelfHeals(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	h := &recHooks{}
	s := newTestStore(t, mp, func(o *Options) {
		o.Hooks = h
		o.ManifestCodec = c.JSON[manifest.Manifest]{}
	})

	payload := []byte(`{"version":"v1","files":{"/a.js":"h1"}}`)
	raw, err := wire.EncodeManifest("0000", payload)
	if err != nil {
		t.Fatal(err)
	}
	mp.put(util.ManifestKey("site"), raw)

	if _, ok := s.GetManifest(ctx); ok {
		t.Fatalf("tampered manifest should be treated as absent")
	}
	if mp.has(util.ManifestKey("site")) {
		t.Fatalf("tampered manifest not deleted")
	}
	if len(h.heals) != 1 || h.heals[0] != "manifest_digest" {
		t.Fatalf("heals=%v", h.heals)
	}
}

func TestManifestDecodeLimit(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	h := &recHooks{}
	s := newTestStore(t, mp, func(o *Options) {
		o.Hooks = h
		o.MaxManifestBytes = 32
	})
	files := map[string]string{}
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("/asset-%02d.js", i)] = "hash"
	}
	if !s.PutManifest(ctx, &manifest.Manifest{Version: "v1", Files: files}) {
		t.Fatalf("PutManifest rejected")
	}
	if _, ok := s.GetManifest(ctx); ok {
		t.Fatalf("oversized manifest should not decode")
	}
	if len(h.heals) != 1 || h.heals[0] != "manifest_decode" {
		t.Fatalf("heals=%v", h.heals)
	}
}

func TestStorageErrorsAreSoft(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	h := &recHooks{}
	s := newTestStore(t, mp, func(o *Options) { o.Hooks = h })

	mp.getErr = errors.New("io")
	mp.setErr = errors.New("io")
	mp.delErr = errors.New("io")

	if _, ok := s.Get(ctx, "/a"); ok {
		t.Fatalf("get error should be a miss")
	}
	if s.Put(ctx, "/a", []byte("x"), "text/plain") {
		t.Fatalf("set error should report not stored")
	}
	if s.PutManifest(ctx, &manifest.Manifest{Version: "v1"}) {
		t.Fatalf("manifest set error should report not stored")
	}
	s.Delete(ctx, "/a")
	if got := strings.Join(h.errs, ","); got != "get,set,set,del" {
		t.Fatalf("store errors=%s", got)
	}
}

func TestProviderRejectionReported(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	mp.reject = true
	h := &recHooks{}
	s := newTestStore(t, mp, func(o *Options) { o.Hooks = h })

	if s.Put(ctx, "/a", []byte("x"), "text/plain") {
		t.Fatalf("rejected write reported as stored")
	}
	if h.rejected != 1 {
		t.Fatalf("rejected=%d", h.rejected)
	}
}

func TestPurgeAll(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s := newTestStore(t, mp, nil)

	s.Put(ctx, "/a.js", []byte("a"), "text/javascript")
	s.PutManifest(ctx, &manifest.Manifest{Version: "v1", Files: map[string]string{"/a.js": "h"}})
	if err := s.PurgeAll(ctx); err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if _, ok := s.Get(ctx, "/a.js"); ok {
		t.Fatalf("asset survived purge")
	}
	if _, ok := s.GetManifest(ctx); ok {
		t.Fatalf("manifest survived purge")
	}
}

func TestPurgeAllPropagatesError(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s := newTestStore(t, mp, nil)
	s.PutManifest(ctx, &manifest.Manifest{Version: "v1", Files: map[string]string{}})

	boom := errors.New("backend down")
	mp.clearErr = boom
	err := s.PurgeAll(ctx)
	var pe *PurgeError
	if !errors.As(err, &pe) || !errors.Is(err, boom) {
		t.Fatalf("expected *PurgeError wrapping clear failure, got %v", err)
	}
	if pe.ManifestErr != nil {
		t.Fatalf("manifest delete should have succeeded: %v", pe.ManifestErr)
	}
	if _, ok := s.GetManifest(ctx); ok {
		t.Fatalf("stored manifest should be dropped when clear fails")
	}
}

func TestConcurrentPutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemProvider(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := fmt.Sprintf("/chunk-%d.js", i%4)
			for j := 0; j < 50; j++ {
				s.Put(ctx, p, []byte(fmt.Sprintf("%d-%d", i, j)), "text/javascript")
				if e, ok := s.Get(ctx, p); ok && len(e.Body) == 0 {
					t.Errorf("torn read for %s", p)
				}
			}
		}(i)
	}
	wg.Wait()
}
