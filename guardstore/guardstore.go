// Package guardstore persists the recovery governor's reload budget outside
// the purgeable cache, so a purge can never erase its own loop brake.
package guardstore

import (
	"context"

	"github.com/unkn0wn-root/sitecache/codec"
)

// State is the reload guard. LastReloadAt is epoch milliseconds; zero means
// no reload has happened yet.
type State struct {
	ReloadCount  int   `json:"reloadCount" cbor:"reload_count" msgpack:"reload_count"`
	LastReloadAt int64 `json:"lastReloadAt" cbor:"last_reload_at" msgpack:"last_reload_at"`
}

// Store abstracts where the guard lives. Use Memory for tests and
// single-process agents that may forget on restart, File for a local agent,
// Redis when agents share one budget.
type Store interface {
	// Load returns the stored state; missing => zero State.
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
	Close(context.Context) error
}

// CodecByName returns the state codec for a configuration name: "json",
// "cbor", "msgpack" or "proto".
func CodecByName(name string) (codec.Codec[State], error) {
	if name == "proto" {
		return ProtoCodec{}, nil
	}
	return codec.ByName[State](name)
}
