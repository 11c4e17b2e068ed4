package util

import (
	"net/url"
	"path"
	"strings"
)

const indexDocument = "index.html"

// NormalizeKey maps a request path or manifest path onto its canonical cache
// key: query and fragment are dropped, the path is rooted and cleaned, and a
// trailing index.html collapses onto its directory ("/x/index.html" -> "/x/").
// A directory URL and its index document therefore share one entry.
func NormalizeKey(raw string) string {
	p := raw
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if u, err := url.PathUnescape(p); err == nil {
		p = u
	}
	if p == "" {
		return "/"
	}
	dir := strings.HasSuffix(p, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if path.Base(p) == indexDocument {
		p = path.Dir(p)
		dir = true
	}
	if dir && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// AssetKey is the storage key of a normalized asset path inside ns.
func AssetKey(ns, normalized string) string {
	return "asset:" + ns + ":" + normalized
}

// ManifestKey is the reserved key of the stored manifest in ns. Asset keys
// always carry the "asset:" prefix, so no path can produce this key.
func ManifestKey(ns string) string {
	return "manifest:" + ns
}
