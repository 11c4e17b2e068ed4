package sitecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/sitecache/codec"
	"github.com/unkn0wn-root/sitecache/internal/util"
	"github.com/unkn0wn-root/sitecache/internal/wire"
	"github.com/unkn0wn-root/sitecache/manifest"
	pr "github.com/unkn0wn-root/sitecache/provider"
)

// Cache is the Store implementation over a pr.Provider.
type Cache struct {
	ns             string
	provider       pr.Provider
	manifestCodec  c.Codec[manifest.Manifest]
	log            Logger
	hooks          Hooks
	ttl            time.Duration
	computeSetCost SetCostFunc
	now            func() time.Time
}

var _ Store = (*Cache)(nil)

func newCache(opts Options) (*Cache, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("sitecache: provider is required")
	}

	mc := opts.ManifestCodec
	if mc == nil {
		cb, err := c.NewCBOR[manifest.Manifest](true)
		if err != nil {
			return nil, fmt.Errorf("sitecache: manifest codec: %w", err)
		}
		mc = cb
	}

	s := &Cache{
		ns:       coalesce(opts.Namespace, defaultNamespace),
		provider: opts.Provider,
		ttl:      opts.TTL,
	}
	s.manifestCodec = c.LimitCodec[manifest.Manifest]{
		Inner:     mc,
		MaxDecode: coalesce(opts.MaxManifestBytes, defaultMaxManifestBytes),
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if opts.ComputeSetCost != nil {
		s.computeSetCost = opts.ComputeSetCost
	} else {
		s.computeSetCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	if opts.Now != nil {
		s.now = opts.Now
	} else {
		s.now = time.Now
	}
	return s, nil
}

// Namespace is the keyspace this Cache owns inside its provider.
func (s *Cache) Namespace() string { return s.ns }

func (s *Cache) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

func (s *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	norm := normalize(key)
	k := util.AssetKey(s.ns, norm)
	raw, ok, err := s.provider.Get(ctx, k)
	if err != nil {
		s.storeError("get", k, err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	a, err := wire.DecodeAsset(raw)
	if err != nil {
		s.selfHeal(ctx, k, "corrupt")
		return Entry{}, false
	}
	return Entry{
		Key:         norm,
		Body:        a.Body,
		ContentType: a.ContentType,
		StoredAt:    time.UnixMilli(a.StoredAtMs),
	}, true
}

func (s *Cache) Put(ctx context.Context, key string, body []byte, contentType string) bool {
	k := util.AssetKey(s.ns, normalize(key))
	raw, err := wire.EncodeAsset(wire.Asset{
		StoredAtMs:  s.now().UnixMilli(),
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		s.log.Warn("asset not stored (encode)", Fields{"key": k, "err": err})
		return false
	}
	return s.set(ctx, k, raw)
}

func (s *Cache) Delete(ctx context.Context, key string) {
	k := util.AssetKey(s.ns, normalize(key))
	if err := s.provider.Del(ctx, k); err != nil {
		s.storeError("del", k, err)
	}
}

func (s *Cache) GetManifest(ctx context.Context) (*manifest.Manifest, bool) {
	k := util.ManifestKey(s.ns)
	raw, ok, err := s.provider.Get(ctx, k)
	if err != nil {
		s.storeError("get", k, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	digest, payload, err := wire.DecodeManifest(raw)
	if err != nil {
		s.selfHeal(ctx, k, "corrupt")
		return nil, false
	}
	m, err := s.manifestCodec.Decode(payload)
	if err != nil {
		s.selfHeal(ctx, k, "manifest_decode")
		return nil, false
	}
	if m.Files == nil {
		m.Files = map[string]string{}
	}
	got, err := manifest.Fingerprint(&m)
	if err != nil || got != digest {
		s.selfHeal(ctx, k, "manifest_digest")
		return nil, false
	}
	return &m, true
}

func (s *Cache) PutManifest(ctx context.Context, m *manifest.Manifest) bool {
	if m == nil {
		return false
	}
	k := util.ManifestKey(s.ns)
	digest, err := manifest.Fingerprint(m)
	if err != nil {
		s.log.Error("manifest not stored (fingerprint)", Fields{"version": m.Version, "err": err})
		return false
	}
	payload, err := s.manifestCodec.Encode(*m)
	if err != nil {
		s.log.Error("manifest not stored (encode)", Fields{"version": m.Version, "err": err})
		return false
	}
	raw, err := wire.EncodeManifest(digest, payload)
	if err != nil {
		s.log.Error("manifest not stored (frame)", Fields{"version": m.Version, "err": err})
		return false
	}
	return s.set(ctx, k, raw)
}

// PurgeAll clears the provider. If that fails it still tries to drop the
// stored manifest so the next start reinstalls instead of trusting a
// half-cleared cache.
func (s *Cache) PurgeAll(ctx context.Context) error {
	clearErr := s.provider.Clear(ctx)
	if clearErr == nil {
		s.log.Info("cache purged", Fields{"namespace": s.ns})
		return nil
	}
	s.storeError("clear", s.ns, clearErr)
	manifestErr := s.provider.Del(ctx, util.ManifestKey(s.ns))
	if manifestErr != nil {
		s.storeError("del", util.ManifestKey(s.ns), manifestErr)
	}
	return &PurgeError{Namespace: s.ns, ClearErr: clearErr, ManifestErr: manifestErr}
}

func (s *Cache) set(ctx context.Context, k string, raw []byte) bool {
	ok, err := s.provider.Set(ctx, k, raw, s.computeSetCost(k, raw), s.ttl)
	if err != nil {
		s.storeError("set", k, err)
		return false
	}
	if !ok {
		s.log.Debug("write rejected by provider (pressure)", Fields{"key": k})
		s.hooks.ProviderSetRejected(k)
	}
	return ok
}

func (s *Cache) selfHeal(ctx context.Context, k, reason string) {
	if err := s.provider.Del(ctx, k); err != nil {
		s.storeError("del", k, err)
	}
	s.log.Warn("dropped unreadable entry", Fields{"key": k, "reason": reason})
	s.hooks.SelfHeal(k, reason)
}

func (s *Cache) storeError(op, k string, err error) {
	if errors.Is(err, context.Canceled) {
		s.log.Debug("store call cancelled", Fields{"op": op, "key": k})
		return
	}
	s.log.Error("store call failed", Fields{"op": op, "key": k, "err": err})
	s.hooks.StoreError(op, k, err)
}

func normalize(raw string) string { return util.NormalizeKey(raw) }
