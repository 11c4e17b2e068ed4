// Command sitecache runs the background agent in front of a deployed site:
// it precaches the site's manifest, serves requests cache-first with an
// offline fallback, follows new deployments, and recovers from critical
// failures within a bounded budget.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/agent"
	"github.com/unkn0wn-root/sitecache/internal/config"
	"github.com/unkn0wn-root/sitecache/internal/telemetry"
	"github.com/unkn0wn-root/sitecache/manifest"
	"github.com/unkn0wn-root/sitecache/monitor"
	"github.com/unkn0wn-root/sitecache/notify"
	"github.com/unkn0wn-root/sitecache/notify/redisbus"
	"github.com/unkn0wn-root/sitecache/serve"
	"github.com/unkn0wn-root/sitecache/syncer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sitecache: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()
	hooks := newHooks(cfg)
	defer hooks.Close()

	shutdownTracing, err := telemetry.Setup(ctx, "sitecache", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	prov, err := openProvider(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	cache, err := openCache(cfg, prov, log, hooks)
	if err != nil {
		return err
	}
	defer cache.Close(context.Background())

	var sinks []notify.Sink
	var bus *redisbus.Bus
	if cfg.Bus {
		bus = redisbus.New(rdb, redisbus.Options{Channel: "sitecache:" + cfg.Namespace + ":events", Logger: log})
		sinks = append(sinks, bus)
	}
	broker := notify.NewBroker(notify.Options{Sinks: sinks, Logger: log, Hooks: hooks})
	defer broker.Close()
	if bus != nil {
		go func() {
			if err := bus.Forward(ctx, broker); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event bus stopped", sitecache.Fields{"err": err})
			}
		}()
	}

	client := &http.Client{Timeout: cfg.RequestTimeout}
	fetcher, err := newFetcher(cfg, cache, client, log, hooks)
	if err != nil {
		return err
	}
	sy, err := syncer.New(syncer.Options{
		Store:     cache,
		Source:    &manifest.HTTPSource{Client: client, URL: cfg.URL(cfg.ManifestPath)},
		Fetcher:   fetcher,
		Publisher: broker,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	server, err := serve.New(cache, serve.Options{
		Origin:         cfg.Origin,
		SkipList:       cfg.SkipPaths(),
		RootDocument:   cfg.RootDocument,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	strategy, err := monitor.Select(ctx, monitor.SelectConfig{
		Mode:              cfg.MonitorMode,
		VersionURL:        cfg.URL(cfg.VersionPath),
		LongPollURL:       cfg.URL(cfg.LongPollPath),
		ModeURL:           cfg.URL(cfg.ModePath),
		VersionFile:       cfg.VersionFile,
		PollPeriod:        cfg.PollPeriod,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		Client:            client,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	guard, err := openGuard(cfg, rdb)
	if err != nil {
		return err
	}
	defer guard.Close(context.Background())

	a, err := agent.New(agent.Options{
		Store:      cache,
		Syncer:     sy,
		Server:     server,
		Broker:     broker,
		Strategy:   strategy,
		Guard:      guard,
		MaxRetries: cfg.MaxRetries,
		Cooldown:   cfg.Cooldown,
		Logger:     log,
		Hooks:      hooks,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", sitecache.Fields{"addr": cfg.Listen, "origin": cfg.Origin, "backend": cfg.Backend})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Run(runCtx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			<-agentDone
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", sitecache.Fields{"err": err})
	}
	cancel()
	return <-agentDone
}
