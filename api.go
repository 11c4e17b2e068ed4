package sitecache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/sitecache/codec"
	"github.com/unkn0wn-root/sitecache/manifest"
	pr "github.com/unkn0wn-root/sitecache/provider"
)

type SetCostFunc func(storageKey string, raw []byte) int64

// Entry is one cached response.
type Entry struct {
	Key         string // normalized path
	Body        []byte
	ContentType string
	StoredAt    time.Time
}

// Store is the Cache Store used by the fetcher, synchronizer and request
// server. Keys are request paths; they are normalized on every call so
// "/books/index.html", "/books/" and "/books/?page=2" share one entry.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Put(ctx context.Context, key string, body []byte, contentType string) bool
	Delete(ctx context.Context, key string)

	// Stored manifest, under a key no asset path can produce.
	GetManifest(ctx context.Context) (*manifest.Manifest, bool)
	PutManifest(ctx context.Context, m *manifest.Manifest) bool

	// PurgeAll drops every entry including the stored manifest.
	PurgeAll(ctx context.Context) error
	Close(ctx context.Context) error
}

// Options tune a Cache. Only Provider is required.
type Options struct {
	Provider pr.Provider

	Namespace        string                     // "" => "site"
	ManifestCodec    c.Codec[manifest.Manifest] // nil => deterministic CBOR
	MaxManifestBytes int                        // decode limit for the stored manifest; 0 => 16MiB
	TTL              time.Duration              // 0 => entries never expire
	ComputeSetCost   SetCostFunc                // default len(raw)
	Logger           Logger                     // nil => NopLogger
	Hooks            Hooks                      // nil => NopHooks
	Now              func() time.Time           // nil => time.Now
}

func New(opts Options) (*Cache, error) {
	return newCache(opts)
}

// Normalize maps a request path onto the key the Store files it under.
func Normalize(raw string) string { return normalize(raw) }
