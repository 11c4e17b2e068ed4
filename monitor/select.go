package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/manifest"
)

// Modes accepted by Select.
const (
	ModeAuto     = "auto"
	ModeInterval = "interval"
	ModeLongPoll = "longpoll"
	ModeFile     = "file"
)

// ServerModeInternal is the advertised mode that enables long-polling.
const ServerModeInternal = "internal"

type SelectConfig struct {
	Mode              string // "" => auto
	VersionURL        string
	LongPollURL       string
	ModeURL           string
	VersionFile       string
	PollPeriod        time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Client            *http.Client
	Logger            sitecache.Logger
}

// Select builds the strategy for cfg.Mode. In auto mode the server's
// advertised mode decides: {"server_mode":"internal"} selects long-poll,
// anything else (including an unreachable mode endpoint) selects interval.
func Select(ctx context.Context, cfg SelectConfig) (Strategy, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		mode = ModeInterval
		if sm, err := serverMode(ctx, cfg.Client, cfg.ModeURL); err == nil && sm == ServerModeInternal {
			mode = ModeLongPoll
		} else if err != nil && cfg.Logger != nil {
			cfg.Logger.Debug("server mode unavailable, polling", sitecache.Fields{"err": err})
		}
	}

	switch mode {
	case ModeInterval:
		return &Interval{URL: cfg.VersionURL, Period: cfg.PollPeriod, Client: cfg.Client, Logger: cfg.Logger}, nil
	case ModeLongPoll:
		return &LongPoll{
			URL:               cfg.LongPollURL,
			VersionURL:        cfg.VersionURL,
			ReconnectDelay:    cfg.ReconnectDelay,
			MaxReconnectDelay: cfg.MaxReconnectDelay,
			Logger:            cfg.Logger,
		}, nil
	case ModeFile:
		if cfg.VersionFile == "" {
			return nil, fmt.Errorf("monitor: file mode needs a version file")
		}
		return &FileWatch{Path: cfg.VersionFile, Logger: cfg.Logger}, nil
	default:
		return nil, fmt.Errorf("monitor: unknown mode %q", cfg.Mode)
	}
}

func serverMode(ctx context.Context, client *http.Client, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("no mode endpoint configured")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
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
		return "", fmt.Errorf("server mode: %s", resp.Status)
	}
	var body struct {
		ServerMode string `json:"server_mode"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body); err != nil {
		return "", err
	}
	return body.ServerMode, nil
}
