// Package manifest models the versioned description of what a client should
// cache: a version string plus a map from asset path to content hash.
//
// A Manifest is never mutated in place. A newer manifest fully replaces the
// older one; Diff computes what has to change to go from one to the other.
package manifest

import (
	"sort"
)

// Manifest is the authoritative asset list of one deployment.
type Manifest struct {
	Version string            `json:"version" cbor:"version" msgpack:"version"`
	Files   map[string]string `json:"files" cbor:"files" msgpack:"files"`
}

// Delta is the result of Diff. Both slices are sets; they are returned sorted
// only so that logs and tests are stable.
type Delta struct {
	Changed []string
	Removed []string
}

// Empty reports whether applying d would be a no-op.
func (d Delta) Empty() bool { return len(d.Changed) == 0 && len(d.Removed) == 0 }

// Diff returns the paths that must be (re)fetched and the paths that must be
// dropped to move a cache from old to new. old may be nil (first install), in
// which case every path of new is changed and nothing is removed.
func Diff(old, new *Manifest) Delta {
	var d Delta
	if new == nil {
		if old != nil {
			d.Removed = sortedKeys(old.Files)
		}
		return d
	}
	for p, h := range new.Files {
		if old == nil {
			d.Changed = append(d.Changed, p)
			continue
		}
		if oh, ok := old.Files[p]; !ok || oh != h {
			d.Changed = append(d.Changed, p)
		}
	}
	if old != nil {
		for p := range old.Files {
			if _, ok := new.Files[p]; !ok {
				d.Removed = append(d.Removed, p)
			}
		}
	}
	sort.Strings(d.Changed)
	sort.Strings(d.Removed)
	return d
}

// Paths returns every path of m, sorted.
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	return sortedKeys(m.Files)
}

// Len is the number of files listed.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Files)
}

// Clone returns a deep copy. Files is never nil on the copy.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{Version: m.Version, Files: make(map[string]string, len(m.Files))}
	for p, h := range m.Files {
		out.Files[p] = h
	}
	return out
}

// Equal reports whether a and b carry the same version and file set.
func Equal(a, b *Manifest) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Version != b.Version || len(a.Files) != len(b.Files) {
		return false
	}
	for p, h := range a.Files {
		if bh, ok := b.Files[p]; !ok || bh != h {
			return false
		}
	}
	return true
}

// Applied builds the manifest that was actually applied after a sync against
// target. Paths in failed keep the hash they had in prev (or are left out when
// prev never had them), so a later Diff against target reports them again.
func Applied(prev, target *Manifest, failed []string) *Manifest {
	out := target.Clone()
	for _, p := range failed {
		if prev != nil {
			if h, ok := prev.Files[p]; ok {
				out.Files[p] = h
				continue
			}
		}
		delete(out.Files, p)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
