// Package config is the daemon's environment configuration.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/unkn0wn-root/sitecache/fetch"
)

// Storage backends.
const (
	BackendBigcache  = "bigcache"
	BackendRistretto = "ristretto"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendTiered    = "tiered" // ristretto in front of sqlite
)

// Guard backends.
const (
	GuardFile   = "file"
	GuardRedis  = "redis"
	GuardMemory = "memory"
)

type Config struct {
	Listen    string `env:"SITECACHE_LISTEN" envDefault:":8080"`
	Origin    string `env:"SITECACHE_ORIGIN,required"`
	Namespace string `env:"SITECACHE_NAMESPACE" envDefault:"site"`

	Backend       string        `env:"SITECACHE_BACKEND" envDefault:"sqlite"`
	SQLitePath    string        `env:"SITECACHE_SQLITE_PATH" envDefault:"sitecache.db"`
	MemoryMB      int           `env:"SITECACHE_MEMORY_MB" envDefault:"256"`
	ManifestCodec string        `env:"SITECACHE_MANIFEST_CODEC" envDefault:"cbor"`
	TTL           time.Duration `env:"SITECACHE_TTL" envDefault:"0s"`

	RedisAddr     string `env:"SITECACHE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"SITECACHE_REDIS_PASSWORD"`
	RedisDB       int    `env:"SITECACHE_REDIS_DB" envDefault:"0"`
	// Bus relays notifier messages between agents over Redis pub/sub.
	Bus bool `env:"SITECACHE_BUS" envDefault:"false"`

	ManifestPath  string   `env:"SITECACHE_MANIFEST_PATH" envDefault:"/cache-manifest.json"`
	VersionPath   string   `env:"SITECACHE_VERSION_PATH" envDefault:"/version.txt"`
	LongPollPath  string   `env:"SITECACHE_LONGPOLL_PATH" envDefault:"/api/events/version"`
	ModePath      string   `env:"SITECACHE_MODE_PATH" envDefault:"/api/server-mode"`
	BootstrapPath string   `env:"SITECACHE_BOOTSTRAP_PATH" envDefault:"/sw.js"`
	SkipList      []string `env:"SITECACHE_SKIP" envSeparator:","`
	RootDocument  string   `env:"SITECACHE_ROOT_DOCUMENT" envDefault:"/"`

	BatchSize      int           `env:"SITECACHE_BATCH_SIZE" envDefault:"10"`
	MaxBodyBytes   int64         `env:"SITECACHE_MAX_BODY_BYTES" envDefault:"33554432"`
	RequestTimeout time.Duration `env:"SITECACHE_REQUEST_TIMEOUT" envDefault:"10s"`

	MonitorMode       string        `env:"SITECACHE_MONITOR" envDefault:"auto"`
	VersionFile       string        `env:"SITECACHE_VERSION_FILE"`
	PollPeriod        time.Duration `env:"SITECACHE_POLL_PERIOD" envDefault:"10s"`
	ReconnectDelay    time.Duration `env:"SITECACHE_RECONNECT_DELAY" envDefault:"5s"`
	MaxReconnectDelay time.Duration `env:"SITECACHE_MAX_RECONNECT_DELAY" envDefault:"1m"`

	MaxRetries   int           `env:"SITECACHE_RECOVERY_MAX_RETRIES" envDefault:"3"`
	Cooldown     time.Duration `env:"SITECACHE_RECOVERY_COOLDOWN" envDefault:"60s"`
	GuardBackend string        `env:"SITECACHE_GUARD" envDefault:"file"`
	GuardPath    string        `env:"SITECACHE_GUARD_PATH" envDefault:"sitecache-guard.json"`
	GuardCodec   string        `env:"SITECACHE_GUARD_CODEC" envDefault:"json"`
	GuardTTL     time.Duration `env:"SITECACHE_GUARD_TTL" envDefault:"0s"`

	LogFormat string `env:"SITECACHE_LOG_FORMAT" envDefault:"zap"`
	LogLevel  string `env:"SITECACHE_LOG_LEVEL" envDefault:"info"`
	HookQueue int    `env:"SITECACHE_HOOK_QUEUE" envDefault:"1024"`

	OTelEndpoint string `env:"SITECACHE_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"SITECACHE_OTEL_ENABLED" envDefault:"true"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := ParseEnv(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := fetch.ParseOrigin(c.Origin); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains([]string{BackendBigcache, BackendRistretto, BackendSQLite, BackendRedis, BackendTiered}, c.Backend) {
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if !slices.Contains([]string{GuardFile, GuardRedis, GuardMemory}, c.GuardBackend) {
		errs = append(errs, fmt.Errorf("unknown guard backend %q", c.GuardBackend))
	}
	if !slices.Contains([]string{"zap", "logrus", "slog"}, c.LogFormat) {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.MaxRetries <= 0 || c.Cooldown <= 0 {
		errs = append(errs, errors.New("recovery budget and cooldown must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	return errors.Join(errs...)
}

// SkipPaths is every path that must always be fetched live: the manifest,
// the version marker, both monitor endpoints, the bootstrap script, and any
// configured extras.
func (c Config) SkipPaths() []string {
	out := []string{c.ManifestPath, c.VersionPath, c.LongPollPath, c.ModePath, c.BootstrapPath}
	for _, p := range c.SkipList {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// NeedsRedis reports whether any component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.Backend == BackendRedis || c.GuardBackend == GuardRedis || c.Bus
}

// URL joins an endpoint path onto the origin.
func (c Config) URL(path string) string {
	origin, err := fetch.ParseOrigin(c.Origin)
	if err != nil {
		return path
	}
	return fetch.Resolve(origin, path)
}
