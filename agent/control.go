package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/notify"
)

// ControlPrefix is where the control endpoints live. Requests under it never
// reach the cache.
const ControlPrefix = "/__sitecache/"

const maxErrorBody = 8 << 10

// Handler serves the control endpoints and everything else through the
// agent.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+ControlPrefix+"check", a.handleCheck)
	mux.HandleFunc("POST "+ControlPrefix+"error", a.handleError)
	mux.HandleFunc("GET "+ControlPrefix+"events", a.handleEvents)
	mux.HandleFunc("GET "+ControlPrefix+"status", a.handleStatus)
	mux.Handle(ControlPrefix, http.NotFoundHandler())
	mux.Handle("/", a)
	return mux
}

type actionBody struct {
	Action string `json:"action"`
	Work   string `json:"work,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeAction(w http.ResponseWriter, act Action) {
	body := actionBody{Action: act.Kind.String(), Reason: act.Reason}
	if act.Kind == Schedule {
		body.Work = act.Work.String()
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (a *Agent) handleCheck(w http.ResponseWriter, _ *http.Request) {
	writeAction(w, a.Dispatch(Event{Kind: EventCheckNow}))
}

// handleError takes {"detail": "..."} from an observer that cannot share
// memory with the agent.
func (a *Agent) handleError(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Detail string `json:"detail"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			http.Error(w, "body must be {\"detail\": string}", http.StatusBadRequest)
			return
		}
	}
	writeAction(w, a.Dispatch(Event{Kind: EventCriticalError, Detail: in.Detail}))
}

// handleEvents streams notifier messages as server-sent events. A pending
// critical-error is replayed first by the broker.
func (a *Agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	client := uuid.NewString()
	sub := a.broker.Subscribe()
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": %s\n\n", client)
	fl.Flush()

	a.log.Debug("event stream opened", sitecache.Fields{"client": client})
	defer a.log.Debug("event stream closed", sitecache.Fields{"client": client})

	tick := time.NewTicker(a.keepAlive)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, m); err != nil {
				a.log.Debug("event stream write failed", sitecache.Fields{"client": client, "err": err})
				return
			}
			fl.Flush()
		}
	}
}

func writeEvent(w io.Writer, m notify.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", m.ID, m.Kind, data)
	return err
}

// Status is the body of GET /__sitecache/status.
type Status struct {
	Phase        string          `json:"phase"`
	Sync         string          `json:"sync"`
	Version      string          `json:"version,omitempty"`
	Assets       int             `json:"assets"`
	ReloadCount  int             `json:"reloadCount"`
	LastReloadAt int64           `json:"lastReloadAt,omitempty"`
	Critical     *notify.Message `json:"critical,omitempty"`
}

func (a *Agent) Status(ctx context.Context) Status {
	st := Status{Phase: a.Phase().String(), Sync: a.sync.State().String()}
	if m, ok := a.store.GetManifest(ctx); ok {
		st.Version, st.Assets = m.Version, m.Len()
	}
	if g, err := a.gov.State(ctx); err == nil {
		st.ReloadCount, st.LastReloadAt = g.ReloadCount, g.LastReloadAt
	}
	if m, ok := a.broker.Critical(); ok {
		st.Critical = &m
	}
	return st
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
