// Package provider defines the byte storage used by the sitecache Store.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the bytes previously passed to Set for a key.
//
// The keyspaces "asset:<ns>:" and "manifest:<ns>" are owned by sitecache.
// Foreign values under these prefixes fail frame validation and are deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store. Must be safe for concurrent use.
//
// Durable providers (sqlite, redis) keep entries across process restarts;
// the in-memory ones (bigcache, ristretto) do not and suit tests or a
// front tier only.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. ttl <= 0 means no expiry. May ignore cost.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Missing keys are not an error.
	Del(ctx context.Context, key string) error

	// Clear removes every entry this provider owns.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}
