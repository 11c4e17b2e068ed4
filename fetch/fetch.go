// Package fetch pulls lists of assets from the origin into the Cache Store
// with bounded concurrency. One failing asset never aborts the rest.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/manifest"
)

const (
	DefaultBatchSize    = 10
	DefaultMaxBodyBytes = 32 << 20
	defaultTimeout      = 30 * time.Second
)

// Putter is the part of sitecache.Store the fetcher writes through.
type Putter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) bool
}

type Options struct {
	Origin       string       // base URL every path is resolved against; required
	Client       *http.Client // nil => 30s timeout client
	BatchSize    int          // 0 => 10
	MaxBodyBytes int64        // 0 => 32MiB
	Logger       sitecache.Logger
	Hooks        sitecache.Hooks
}

// Error describes one failed asset. Status is 0 for transport failures.
type Error struct {
	Path   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotStored marks an asset the origin served but the Store refused.
var ErrNotStored = errors.New("store rejected write")

// Result of one FetchAllNoStore run.
type Result struct {
	Fetched []string
	Failed  map[string]error
	Bytes   int64
}

// FailedPaths returns the keys of Failed.
func (r Result) FailedPaths() []string {
	out := make([]string, 0, len(r.Failed))
	for p := range r.Failed {
		out = append(out, p)
	}
	return out
}

type Fetcher struct {
	origin    *url.URL
	client    *http.Client
	store     Putter
	batchSize int
	maxBody   int64
	log       sitecache.Logger
	hooks     sitecache.Hooks
}

func New(store Putter, opts Options) (*Fetcher, error) {
	if store == nil {
		return nil, errors.New("fetch: store is required")
	}
	origin, err := ParseOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	f := &Fetcher{
		origin:    origin,
		client:    opts.Client,
		store:     store,
		batchSize: opts.BatchSize,
		maxBody:   opts.MaxBodyBytes,
		log:       opts.Logger,
		hooks:     opts.Hooks,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: defaultTimeout}
	}
	if f.batchSize <= 0 {
		f.batchSize = DefaultBatchSize
	}
	if f.maxBody <= 0 {
		f.maxBody = DefaultMaxBodyBytes
	}
	if f.log == nil {
		f.log = sitecache.NopLogger{}
	}
	if f.hooks == nil {
		f.hooks = sitecache.NopHooks{}
	}
	return f, nil
}

// ParseOrigin validates an absolute http(s) base URL.
func ParseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch: origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("fetch: origin %q must be an absolute http(s) URL", raw)
	}
	return u, nil
}

// Resolve turns an asset path into an absolute URL on origin. The query of
// p, if any, is kept.
func Resolve(origin *url.URL, p string) string {
	ref, err := url.Parse(p)
	if err != nil || ref.IsAbs() || ref.Host != "" {
		ref = &url.URL{Path: p}
	}
	if !strings.HasPrefix(ref.Path, "/") {
		ref.Path = "/" + ref.Path
	}
	return origin.ResolveReference(ref).String()
}

// FetchAllNoStore fetches keys in batches of BatchSize. Every fetch in a
// batch runs concurrently; the next batch starts only when the current one
// is done. Cancelling ctx stops new batches from being scheduled.
func (f *Fetcher) FetchAllNoStore(ctx context.Context, keys []string) Result {
	res := Result{Failed: make(map[string]error)}
	var mu sync.Mutex

	for start := 0; start < len(keys); start += f.batchSize {
		if err := ctx.Err(); err != nil {
			for _, k := range keys[start:] {
				res.Failed[k] = err
			}
			break
		}
		end := min(start+f.batchSize, len(keys))

		var wg sync.WaitGroup
		for _, k := range keys[start:end] {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				n, err := f.fetchOne(ctx, k)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Failed[k] = err
					return
				}
				res.Fetched = append(res.Fetched, k)
				res.Bytes += n
			}(k)
		}
		wg.Wait()
	}
	return res
}

func (f *Fetcher) fetchOne(ctx context.Context, p string) (int64, error) {
	body, ct, err := f.Get(ctx, p)
	if err != nil {
		f.log.Warn("asset fetch failed", sitecache.Fields{"path": p, "err": err})
		f.hooks.FetchFailed(p, err)
		return 0, err
	}
	if !f.store.Put(ctx, p, body, ct) {
		err := &Error{Path: p, Err: ErrNotStored}
		f.log.Warn("asset not stored", sitecache.Fields{"path": p})
		f.hooks.FetchFailed(p, err)
		return 0, err
	}
	return int64(len(body)), nil
}

// Get fetches one asset from origin, bypassing every cache on the way.
// Any non-2xx status is an *Error.
func (f *Fetcher) Get(ctx context.Context, p string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Resolve(f.origin, p), nil)
	if err != nil {
		return nil, "", &Error{Path: p, Err: err}
	}
	manifest.NoCache(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &Error{Path: p, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "", &Error{Path: p, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, "", &Error{Path: p, Err: err}
	}
	if int64(len(body)) > f.maxBody {
		return nil, "", &Error{Path: p, Err: fmt.Errorf("body exceeds %d bytes", f.maxBody)}
	}
	return body, resp.Header.Get("Content-Type"), nil
}
