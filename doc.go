// Package sitecache keeps a local copy of a deployed site's static assets in
// step with the server's current version.
//
// This package holds the Cache Store: a provider-agnostic key/value layer for
// asset responses plus the last applied manifest. The moving parts live in
// subpackages:
//
//   - manifest:   the versioned asset list and Diff.
//   - fetch:      batched origin fetches that land in the Store.
//   - syncer:     Install / Update against the remote manifest.
//   - serve:      cache-first HTTP handler with network fallback.
//   - monitor:    version checks (interval, long-poll, file watch).
//   - notify:     fan-out of cache-updated / cache-cleared / critical-error.
//   - guardstore: the reload guard, kept outside the Store.
//   - recovery:   bounded purge-and-reload after critical failures.
//   - agent:      lifecycle that ties the above together.
//   - observer:   the foreground side of notify.
//
// Keys:
//
//	asset:<ns>:<normalized path>  - one response body + content type
//	manifest:<ns>                 - last applied manifest (reserved)
//
// Storage errors never surface from Get/Put/Delete; they are logged, reported
// to Hooks and treated as a miss or a rejected write. Only PurgeAll returns
// them.
package sitecache
