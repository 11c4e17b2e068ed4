// Package serve answers asset requests cache-first, falls back to the
// origin on a miss and degrades to an offline response when the origin is
// unreachable. Every request gets a response.
package serve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/fetch"
	"github.com/unkn0wn-root/sitecache/manifest"
	"golang.org/x/sync/singleflight"
)

const (
	HeaderStatus = "X-Sitecache"
	BustParam    = "_sc"

	defaultRequestTimeout = 10 * time.Second
)

// Values of the X-Sitecache response header.
const (
	StatusHit             = "hit"
	StatusMiss            = "miss"
	StatusBypass          = "bypass"
	StatusOfflineFallback = "offline-fallback"
	StatusOffline         = "offline"
)

// Store is the part of sitecache.Store the server reads and fills.
type Store interface {
	Get(ctx context.Context, key string) (sitecache.Entry, bool)
	Put(ctx context.Context, key string, body []byte, contentType string) bool
}

type Options struct {
	Origin         string        // required
	Client         *http.Client  // nil => http.DefaultTransport, no client timeout
	SkipList       []string      // paths always proxied live
	RootDocument   string        // offline fallback for navigations; "" => "/"
	RequestTimeout time.Duration // per origin request; 0 => 10s
	MaxBodyBytes   int64         // 0 => fetch.DefaultMaxBodyBytes
	Logger         sitecache.Logger
	Now            func() time.Time
}

type Server struct {
	store   Store
	origin  *url.URL
	client  *http.Client
	proxy   *httputil.ReverseProxy
	skip    map[string]struct{}
	root    string
	timeout time.Duration
	maxBody int64
	log     sitecache.Logger
	now     func() time.Time
	sf      singleflight.Group
}

var _ http.Handler = (*Server)(nil)

func New(store Store, opts Options) (*Server, error) {
	if store == nil {
		return nil, errors.New("serve: store is required")
	}
	origin, err := fetch.ParseOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:   store,
		origin:  origin,
		client:  opts.Client,
		skip:    make(map[string]struct{}, len(opts.SkipList)),
		root:    sitecache.Normalize(opts.RootDocument),
		timeout: opts.RequestTimeout,
		maxBody: opts.MaxBodyBytes,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.timeout <= 0 {
		s.timeout = defaultRequestTimeout
	}
	if s.maxBody <= 0 {
		s.maxBody = fetch.DefaultMaxBodyBytes
	}
	if s.log == nil {
		s.log = sitecache.NopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, p := range opts.SkipList {
		s.skip[sitecache.Normalize(p)] = struct{}{}
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
		},
		Transport:    s.client.Transport,
		ErrorHandler: s.proxyError,
	}
	return s, nil
}

// Passthrough proxies every request to the origin without touching the
// cache. The agent uses it while it is not yet active.
func (s *Server) Passthrough() http.Handler { return s.proxy }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if (r.Method != http.MethodGet && r.Method != http.MethodHead) || s.skipped(r.URL.Path) {
		w.Header().Set(HeaderStatus, StatusBypass)
		s.proxy.ServeHTTP(w, r)
		return
	}

	key := sitecache.Normalize(r.URL.Path)
	if e, ok := s.store.Get(r.Context(), key); ok {
		s.writeEntry(w, r, e.Body, e.ContentType, StatusHit)
		return
	}

	res, err := s.fromOrigin(r, key)
	if err != nil {
		s.offline(w, r, key, err)
		return
	}
	if res.status < 200 || res.status > 299 {
		relay(w, r, res)
		return
	}
	s.writeEntry(w, r, res.body, res.header.Get("Content-Type"), StatusMiss)
}

func (s *Server) skipped(p string) bool {
	_, ok := s.skip[sitecache.Normalize(p)]
	return ok
}

type originResponse struct {
	status int
	header http.Header
	body   []byte
}

// fromOrigin fetches r's path with a cache-busting parameter. Concurrent
// misses for the same URL share one origin request; the shared request is
// detached from any single caller's cancellation.
func (s *Server) fromOrigin(r *http.Request, key string) (originResponse, error) {
	flightKey := r.URL.Path + "?" + r.URL.RawQuery
	v, err, _ := s.sf.Do(flightKey, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.timeout)
		defer cancel()

		res, err := s.get(ctx, r.URL)
		if err != nil {
			return originResponse{}, err
		}
		if res.status >= 200 && res.status <= 299 {
			if !s.store.Put(ctx, key, res.body, res.header.Get("Content-Type")) {
				s.log.Debug("response not cached", sitecache.Fields{"key": key})
			}
		}
		return res, nil
	})
	if err != nil {
		return originResponse{}, err
	}
	return v.(originResponse), nil
}

func (s *Server) get(ctx context.Context, in *url.URL) (originResponse, error) {
	q := in.Query()
	q.Set(BustParam, strconv.FormatInt(s.now().UnixNano(), 10))
	u := s.origin.ResolveReference(&url.URL{Path: in.Path, RawQuery: q.Encode()})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return originResponse{}, err
	}
	manifest.NoCache(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return originResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return originResponse{}, err
	}
	if int64(len(body)) > s.maxBody {
		return originResponse{}, fmt.Errorf("serve: origin body for %s exceeds %d bytes", in.Path, s.maxBody)
	}
	return originResponse{status: resp.StatusCode, header: resp.Header.Clone(), body: body}, nil
}

func (s *Server) offline(w http.ResponseWriter, r *http.Request, key string, cause error) {
	s.log.Warn("origin unreachable", sitecache.Fields{"path": key, "err": cause})
	if isNavigation(r) {
		if e, ok := s.store.Get(r.Context(), s.root); ok {
			s.writeEntry(w, r, e.Body, e.ContentType, StatusOfflineFallback)
			return
		}
	}
	unavailable(w)
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Warn("live proxy failed", sitecache.Fields{"path": r.URL.Path, "err": err})
	unavailable(w)
}

func unavailable(w http.ResponseWriter) {
	h := w.Header()
	h.Set(HeaderStatus, StatusOffline)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, "offline: origin unreachable\n")
}

func (s *Server) writeEntry(w http.ResponseWriter, r *http.Request, body []byte, contentType, status string) {
	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	h := w.Header()
	h.Set(HeaderStatus, status)
	h.Set("ETag", etag)
	h.Set("Cache-Control", "no-cache")
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
}

func relay(w http.ResponseWriter, r *http.Request, res originResponse) {
	h := w.Header()
	for _, k := range []string{"Content-Type", "Cache-Control", "Location"} {
		if v := res.header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	h.Set(HeaderStatus, StatusMiss)
	w.WriteHeader(res.status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.body)
	}
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == etag {
			return true
		}
	}
	return false
}
