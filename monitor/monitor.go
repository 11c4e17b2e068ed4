// Package monitor watches the server's version marker and reports new
// deployments. Strategies differ in how they learn about a version
// (polling, long-polling, watching a file); all of them funnel through one
// Tracker so a version is announced once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/manifest"
)

const maxVersionBytes = 1 << 10

// Strategy delivers every version it observes to report, duplicates
// included, until ctx is done.
type Strategy interface {
	Name() string
	Watch(ctx context.Context, report func(version string)) error
}

// Monitor runs a Strategy through a Tracker and calls OnChange for every
// new version.
type Monitor struct {
	Strategy Strategy
	Tracker  *Tracker
	OnChange func(ctx context.Context, version string)
	Logger   sitecache.Logger
}

// Run blocks until ctx is cancelled or the strategy fails for good.
func (m *Monitor) Run(ctx context.Context) error {
	if m.Strategy == nil || m.OnChange == nil {
		return errors.New("monitor: strategy and OnChange are required")
	}
	if m.Tracker == nil {
		m.Tracker = &Tracker{}
	}
	log := m.Logger
	if log == nil {
		log = sitecache.NopLogger{}
	}
	log.Info("version monitor started", sitecache.Fields{"strategy": m.Strategy.Name()})

	err := m.Strategy.Watch(ctx, func(v string) {
		if !m.Tracker.Observe(v) {
			return
		}
		log.Info("new version detected", sitecache.Fields{"version": v, "baseline": m.Tracker.Baseline()})
		m.OnChange(ctx, v)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// fetchVersion GETs a plain-text version marker, bypassing caches.
func fetchVersion(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	manifest.NoCache(req)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version marker: %s", resp.Status)
	}
	return readVersion(resp.Body)
}

func readVersion(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxVersionBytes))
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", errors.New("version marker: empty")
	}
	return v, nil
}
