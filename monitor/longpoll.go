package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/manifest"
)

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultMaxReconnectDelay = time.Minute
)

// LongPoll holds a request open at URL until the server answers 200 with a
// new version or 204 when its hold window elapsed; either way the request is
// reissued at once. Transport errors and unexpected statuses wait before
// reconnecting, starting at ReconnectDelay and growing up to
// MaxReconnectDelay.
type LongPoll struct {
	URL               string
	VersionURL        string        // seeds the current version; "" => start unseeded
	ReconnectDelay    time.Duration // floor; 0 => 5s
	MaxReconnectDelay time.Duration // 0 => 1m
	Client            *http.Client  // nil => no client timeout, ctx bounds it
	Logger            sitecache.Logger
}

func (s *LongPoll) Name() string { return "longpoll" }

func (s *LongPoll) Watch(ctx context.Context, report func(string)) error {
	client := s.Client
	if client == nil {
		client = &http.Client{}
	}
	log := s.Logger
	if log == nil {
		log = sitecache.NopLogger{}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.ReconnectDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = DefaultReconnectDelay
	}
	bo.MaxInterval = s.MaxReconnectDelay
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = DefaultMaxReconnectDelay
	}
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	// the reconnect delay is a floor, never shortened by jitter
	bo.RandomizationFactor = 0
	bo.Reset()

	var current string
	if s.VersionURL != "" {
		if v, err := fetchVersion(ctx, client, s.VersionURL); err == nil {
			current = v
			report(v)
		} else {
			log.Debug("long-poll seed failed", sitecache.Fields{"url": s.VersionURL, "err": err})
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, changed, err := s.poll(ctx, client, current)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			log.Warn("long-poll failed, reconnecting", sitecache.Fields{"err": err, "wait": wait.String()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if changed {
			current = v
			report(v)
		}
	}
}

func (s *LongPoll) poll(ctx context.Context, client *http.Client, since string) (string, bool, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", false, err
	}
	if since != "" {
		q := u.Query()
		q.Set("since", since)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", false, err
	}
	manifest.NoCache(req)

	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		v, err := readVersion(resp.Body)
		if err != nil {
			return "", false, err
		}
		if v == since {
			// answering "changed" with the version we sent would spin
			return "", false, fmt.Errorf("long-poll: server echoed version %q", v)
		}
		return v, true, nil
	case http.StatusNoContent:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("long-poll: %s", resp.Status)
	}
}
