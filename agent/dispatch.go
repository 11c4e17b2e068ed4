package agent

import (
	"fmt"

	"github.com/unkn0wn-root/sitecache/notify"
)

// Phase is the agent's registration state.
type Phase int32

const (
	Unregistered Phase = iota
	Installing
	Active
)

func (p Phase) String() string {
	switch p {
	case Unregistered:
		return "unregistered"
	case Installing:
		return "installing"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

type EventKind string

const (
	EventInstall        EventKind = "install"
	EventCheckNow       EventKind = "check-now"
	EventVersionChanged EventKind = "version-changed"
	EventCriticalError  EventKind = "critical-error"
	EventPurge          EventKind = "purge"
)

// Event is one input to the agent. Handlers never modify it.
type Event struct {
	Kind    EventKind
	Version string // version-changed
	Detail  string // critical-error, purge
}

type ActionKind int

const (
	Ignore ActionKind = iota
	Respond
	Schedule
)

func (k ActionKind) String() string {
	switch k {
	case Respond:
		return "respond"
	case Schedule:
		return "schedule"
	default:
		return "ignore"
	}
}

// Work names the background job a Schedule action starts.
type Work int

const (
	NoWork Work = iota
	WorkInstall
	WorkUpdate
	WorkRecover
)

func (w Work) String() string {
	switch w {
	case WorkInstall:
		return "install"
	case WorkUpdate:
		return "update"
	case WorkRecover:
		return "recover"
	default:
		return "none"
	}
}

// Action is what a handler decides. Messages are published for Respond and
// Schedule; Work runs in the background for Schedule only.
type Action struct {
	Kind     ActionKind
	Work     Work
	Messages []notify.Message
	Reason   string
}

// Handler decides how the agent reacts to ev in phase p. Handlers are pure.
type Handler func(p Phase, ev Event) Action

// Handlers is the dispatch table.
var Handlers = map[EventKind]Handler{
	EventInstall:        onInstall,
	EventCheckNow:       onCheckNow,
	EventVersionChanged: onVersionChanged,
	EventCriticalError:  onCriticalError,
	EventPurge:          onPurge,
}

func onInstall(p Phase, _ Event) Action {
	if p == Installing {
		return Action{Kind: Ignore, Reason: "install in flight"}
	}
	return Action{Kind: Schedule, Work: WorkInstall}
}

func onCheckNow(p Phase, _ Event) Action {
	if p != Active {
		return Action{Kind: Ignore, Reason: "agent is " + p.String()}
	}
	return Action{Kind: Schedule, Work: WorkUpdate}
}

// A new version is surfaced to observers whatever the phase; only an active
// agent checks for it, an install picks up the latest manifest anyway.
func onVersionChanged(p Phase, ev Event) Action {
	if ev.Version == "" {
		return Action{Kind: Ignore, Reason: "empty version"}
	}
	msgs := []notify.Message{notify.UpdateAvailable(ev.Version)}
	if p != Active {
		return Action{Kind: Respond, Messages: msgs, Reason: "agent is " + p.String()}
	}
	return Action{Kind: Schedule, Work: WorkUpdate, Messages: msgs}
}

func onCriticalError(_ Phase, ev Event) Action {
	detail := ev.Detail
	if detail == "" {
		detail = "critical error"
	}
	return Action{Kind: Schedule, Work: WorkRecover, Reason: detail}
}

func onPurge(_ Phase, ev Event) Action {
	reason := "purge requested"
	if ev.Detail != "" {
		reason += ": " + ev.Detail
	}
	return Action{Kind: Schedule, Work: WorkRecover, Reason: reason}
}
