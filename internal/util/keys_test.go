package util

import "testing"

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/":                      "/",
		"/index.html":            "/",
		"index.html":             "/",
		"/books/":                "/books/",
		"/books/index.html":      "/books/",
		"/books/index.html?x=1":  "/books/",
		"/books/?_sc=123":        "/books/",
		"books/a.json":           "/books/a.json",
		"/assets//app.js":        "/assets/app.js",
		"/assets/./x/../app.js":  "/assets/app.js",
		"/a%20b.css":             "/a b.css",
		"/stats/#top":            "/stats/",
		"/books/index.html.bak":  "/books/index.html.bak",
		"/deep/dir/index.html#h": "/deep/dir/",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Errorf("NormalizeKey(%q)=%q want %q", in, got, want)
		}
	}
}

func TestManifestKeyNotDerivableFromPath(t *testing.T) {
	ns := "site"
	mk := ManifestKey(ns)
	for _, p := range []string{"/", "/manifest", "manifest:site", "/manifest:site"} {
		if AssetKey(ns, NormalizeKey(p)) == mk {
			t.Fatalf("path %q collides with manifest key", p)
		}
	}
}
