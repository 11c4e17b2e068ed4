// Package notify carries state changes from the background agent to every
// foreground observer.
package notify

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindCacheUpdated    Kind = "cache-updated"
	KindCacheCleared    Kind = "cache-cleared"
	KindCriticalError   Kind = "critical-error"
	KindUpdateAvailable Kind = "update-available"
	// KindReload is sent only by the recovery governor. Observers must not
	// reload on anything else.
	KindReload Kind = "reload"
)

// Message is immutable once published.
type Message struct {
	ID           string `json:"id" msgpack:"id"`
	Kind         Kind   `json:"kind" msgpack:"kind"`
	Version      string `json:"version,omitempty" msgpack:"version,omitempty"`
	ChangedCount int    `json:"changedCount,omitempty" msgpack:"changed_count,omitempty"`
	Detail       string `json:"detail,omitempty" msgpack:"detail,omitempty"`
	At           int64  `json:"at" msgpack:"at"` // epoch ms
	// Source is the agent instance that published the message; set by the
	// broker and used by bridges to drop their own echoes.
	Source string `json:"source,omitempty" msgpack:"source,omitempty"`
}

func CacheUpdated(version string, changed int) Message {
	return Message{Kind: KindCacheUpdated, Version: version, ChangedCount: changed}
}

func CacheCleared() Message { return Message{Kind: KindCacheCleared} }

func CriticalError(detail string) Message {
	return Message{Kind: KindCriticalError, Detail: detail}
}

func UpdateAvailable(version string) Message {
	return Message{Kind: KindUpdateAvailable, Version: version}
}

func Reload(reason string) Message { return Message{Kind: KindReload, Detail: reason} }

func (m Message) stamped(source string, now time.Time) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.At == 0 {
		m.At = now.UnixMilli()
	}
	if m.Source == "" {
		m.Source = source
	}
	return m
}
