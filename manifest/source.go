package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxManifestBytes = 16 << 20

// Source yields the server's current manifest.
type Source interface {
	Fetch(ctx context.Context) (*Manifest, error)
}

// HTTPSource fetches the manifest endpoint, always bypassing intermediate
// caches.
type HTTPSource struct {
	Client *http.Client // nil => 15s timeout client
	URL    string
}

var _ Source = (*HTTPSource)(nil)

func (s *HTTPSource) Fetch(ctx context.Context) (*Manifest, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest request: %w", err)
	}
	NoCache(req)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("manifest read: %w", err)
	}
	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("manifest read: body exceeds %d bytes", maxManifestBytes)
	}
	return Decode(data)
}

// NoCache marks req so that neither the transport nor any intermediary
// answers it from a cache.
func NoCache(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache, no-store, max-age=0")
	req.Header.Set("Pragma", "no-cache")
}
