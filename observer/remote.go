package observer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/unkn0wn-root/sitecache/notify"
)

// Stream connects to an agent's event endpoint and decodes its server-sent
// events. The channel closes when ctx ends or the stream breaks.
func Stream(ctx context.Context, client *http.Client, url string) (<-chan notify.Message, error) {
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream: %s", resp.Status)
	}

	out := make(chan notify.Message, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 4<<10), 1<<20)
		var data strings.Builder
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var m notify.Message
				if err := json.Unmarshal([]byte(data.String()), &m); err == nil {
					select {
					case out <- m:
					case <-ctx.Done():
						return
					}
				}
				data.Reset()
			case strings.HasPrefix(line, "data: "):
				data.WriteString(strings.TrimPrefix(line, "data: "))
			}
		}
	}()
	return out, nil
}

// PostError returns a Report func that sends errors to an agent's error
// endpoint.
func PostError(client *http.Client, url string) func(context.Context, error) {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, err error) {
		body, _ := json.Marshal(map[string]string{"detail": err.Error()})
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if rerr != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if resp, rerr := client.Do(req); rerr == nil {
			resp.Body.Close()
		}
	}
}
