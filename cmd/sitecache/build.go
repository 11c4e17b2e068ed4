package main

import (
	"context"
	"fmt"
	stdslog "log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/codec"
	"github.com/unkn0wn-root/sitecache/fetch"
	"github.com/unkn0wn-root/sitecache/guardstore"
	asynchook "github.com/unkn0wn-root/sitecache/hooks/async"
	"github.com/unkn0wn-root/sitecache/internal/config"
	"github.com/unkn0wn-root/sitecache/log/logrus"
	"github.com/unkn0wn-root/sitecache/log/slog"
	"github.com/unkn0wn-root/sitecache/log/zap"
	"github.com/unkn0wn-root/sitecache/manifest"
	pr "github.com/unkn0wn-root/sitecache/provider"
	"github.com/unkn0wn-root/sitecache/provider/bigcache"
	rp "github.com/unkn0wn-root/sitecache/provider/redis"
	"github.com/unkn0wn-root/sitecache/provider/ristretto"
	"github.com/unkn0wn-root/sitecache/provider/sqlite"
	"github.com/unkn0wn-root/sitecache/provider/tiered"
	"github.com/unkn0wn-root/sitecache/sloghooks"
)

func newLogger(cfg config.Config) (sitecache.Logger, func(), error) {
	switch cfg.LogFormat {
	case "logrus":
		return logrus.New(os.Stderr, cfg.LogLevel), func() {}, nil
	case "slog":
		h := stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: slog.ParseLevel(cfg.LogLevel)})
		return slog.Logger{L: stdslog.New(h)}, func() {}, nil
	default:
		z, err := zap.New(cfg.LogLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: %w", err)
		}
		return z, func() { _ = z.Sync() }, nil
	}
}

// newHooks logs high-signal events with sampling, off the hot path.
func newHooks(cfg config.Config) *asynchook.Hooks {
	l := stdslog.New(stdslog.NewJSONHandler(os.Stderr, nil)).With("component", "sitecache.hooks")
	raw := sloghooks.New(l, sloghooks.Options{SelfHealEvery: 10, FetchFailedEvery: 10, DroppedEvery: 100})
	return asynchook.New(raw, 1, cfg.HookQueue)
}

func openProvider(ctx context.Context, cfg config.Config, rdb redis.UniversalClient) (pr.Provider, error) {
	switch cfg.Backend {
	case config.BackendBigcache:
		return bigcache.New(bigcache.Config{HardMaxCacheSizeMB: cfg.MemoryMB})
	case config.BackendRistretto:
		return newRistretto(cfg)
	case config.BackendSQLite:
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath})
	case config.BackendRedis:
		return rp.New(rp.Config{Client: rdb, Prefix: "sitecache:" + cfg.Namespace + ":"})
	case config.BackendTiered:
		front, err := newRistretto(cfg)
		if err != nil {
			return nil, err
		}
		back, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			_ = front.Close(ctx)
			return nil, err
		}
		return tiered.New(front, back)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newRistretto(cfg config.Config) (*ristretto.Provider, error) {
	return ristretto.New(ristretto.Config{MaxCost: int64(cfg.MemoryMB) << 20})
}

func openCache(cfg config.Config, p pr.Provider, log sitecache.Logger, hooks sitecache.Hooks) (*sitecache.Cache, error) {
	mc, err := codec.ByName[manifest.Manifest](cfg.ManifestCodec)
	if err != nil {
		return nil, err
	}
	return sitecache.New(sitecache.Options{
		Provider:      p,
		Namespace:     cfg.Namespace,
		ManifestCodec: mc,
		TTL:           cfg.TTL,
		Logger:        log,
		Hooks:         hooks,
	})
}

// openGuard keeps the reload guard outside the cache provider.
func openGuard(cfg config.Config, rdb redis.UniversalClient) (guardstore.Store, error) {
	c, err := guardstore.CodecByName(cfg.GuardCodec)
	if err != nil {
		return nil, err
	}
	switch cfg.GuardBackend {
	case config.GuardMemory:
		return guardstore.NewMemory(), nil
	case config.GuardRedis:
		// main owns rdb and closes it
		g, err := guardstore.NewRedis(guardstore.RedisConfig{Client: rdb, Namespace: cfg.Namespace, TTL: cfg.GuardTTL, Codec: c})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return guardstore.NewFile(cfg.GuardPath, c)
	}
}

// newFetcher precaches through client so asset downloads share the
// configured request timeout with the manifest source.
func newFetcher(cfg config.Config, store fetch.Putter, client *http.Client, log sitecache.Logger, hooks sitecache.Hooks) (*fetch.Fetcher, error) {
	return fetch.New(store, fetch.Options{
		Origin:       cfg.Origin,
		Client:       client,
		BatchSize:    cfg.BatchSize,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       log,
		Hooks:        hooks,
	})
}
