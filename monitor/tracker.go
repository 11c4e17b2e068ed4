package monitor

import "sync"

// Tracker de-duplicates version signals for one client lifetime. The first
// version it sees is the baseline; every later version that differs from the
// baseline and has not been announced yet is reported exactly once.
type Tracker struct {
	mu           sync.Mutex
	seeded       bool
	initial      string
	lastNotified string
}

// Observe records v and reports whether it is a new, unannounced version.
func (t *Tracker) Observe(v string) bool {
	if v == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seeded {
		t.seeded = true
		t.initial = v
		return false
	}
	if v == t.initial || v == t.lastNotified {
		return false
	}
	t.lastNotified = v
	return true
}

// Baseline is the first version observed, "" before any.
func (t *Tracker) Baseline() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initial
}

// LastNotified is the most recent version Observe reported.
func (t *Tracker) LastNotified() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastNotified
}
