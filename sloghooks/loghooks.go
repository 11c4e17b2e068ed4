// Package sloghooks reports sitecache.Hooks events through log/slog with
// optional sampling and key redaction.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/sitecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	FetchFailedEvery uint64
	DroppedEvery     uint64
	// Optional key redactor. Defaults to SHA-256 prefix. Asset paths are
	// logged as-is; only storage keys are redacted.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr    atomic.Uint64
	fetchFailedCtr atomic.Uint64
	droppedCtr     atomic.Uint64
}

var _ sitecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("sitecache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("sitecache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) StoreError(op, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("sitecache.store_error",
		"op", op,
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) FetchFailed(path string, err error) {
	if h.l == nil || !sample(h.opts.FetchFailedEvery, &h.fetchFailedCtr) {
		return
	}
	h.l.Warn("sitecache.fetch_failed",
		"path", path,
		"err", err)
}

func (h *Hooks) MessageDropped(kind string) {
	if h.l == nil || !sample(h.opts.DroppedEvery, &h.droppedCtr) {
		return
	}
	h.l.Warn("sitecache.message_dropped",
		"kind", kind)
}

func (h *Hooks) RecoveryAttempt(attempt int, cause string) {
	if h.l == nil {
		return
	}
	h.l.Warn("sitecache.recovery_attempt",
		"attempt", attempt,
		"cause", cause)
}

func (h *Hooks) RecoveryExhausted(attempts int, cause string) {
	if h.l == nil {
		return
	}
	h.l.Error("sitecache.recovery_exhausted",
		"attempts", attempts,
		"cause", cause,
		"detail", "reload budget spent; waiting for cooldown or manual intervention")
}
