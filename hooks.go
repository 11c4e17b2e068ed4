package sitecache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; wrap slow sinks in
// hooks/async.
type Hooks interface {
	// An entry was deleted by the Store on read.
	// reason ∈ {"corrupt", "manifest_decode", "manifest_digest"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// A provider call failed. op ∈ {"get", "set", "del", "clear"}.
	StoreError(op, storageKey string, err error)

	// An origin fetch for path failed during a sync run.
	FetchFailed(path string, err error)

	// A notifier message could not be delivered to a slow subscriber.
	MessageDropped(kind string)

	// The Recovery Governor purged and reloaded (attempt is 1-based), or
	// refused to because the budget was spent.
	RecoveryAttempt(attempt int, cause string)
	RecoveryExhausted(attempts int, cause string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)          {}
func (NopHooks) ProviderSetRejected(string)       {}
func (NopHooks) StoreError(string, string, error) {}
func (NopHooks) FetchFailed(string, error)        {}
func (NopHooks) MessageDropped(string)            {}
func (NopHooks) RecoveryAttempt(int, string)      {}
func (NopHooks) RecoveryExhausted(int, string)    {}
