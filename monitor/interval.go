package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/unkn0wn-root/sitecache"
)

const DefaultPollPeriod = 10 * time.Second

// Interval polls the version marker every Period.
type Interval struct {
	URL    string
	Period time.Duration // 0 => 10s
	Client *http.Client  // nil => 10s timeout client
	Logger sitecache.Logger
}

func (s *Interval) Name() string { return "interval" }

func (s *Interval) Watch(ctx context.Context, report func(string)) error {
	period := s.Period
	if period <= 0 {
		period = DefaultPollPeriod
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	log := s.Logger
	if log == nil {
		log = sitecache.NopLogger{}
	}

	poll := func() {
		v, err := fetchVersion(ctx, client, s.URL)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("version poll failed", sitecache.Fields{"url": s.URL, "err": err})
			}
			return
		}
		report(v)
	}

	poll()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			poll()
		}
	}
}
