package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/sitecache"
)

type dropHooks struct {
	sitecache.NopHooks
	mu      sync.Mutex
	dropped []string
}

func (h *dropHooks) MessageDropped(kind string) {
	h.mu.Lock()
	h.dropped = append(h.dropped, kind)
	h.mu.Unlock()
}

type recSink struct {
	mu   sync.Mutex
	got  []Message
	fail bool
}

func (s *recSink) Send(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("bus down")
	}
	s.got = append(s.got, m)
	return nil
}

func recv(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestFanOutToEverySubscriber(t *testing.T) {
	b := NewBroker(Options{Source: "agent-1", Now: func() time.Time { return time.UnixMilli(42) }})
	defer b.Close()
	s1, s2 := b.Subscribe(), b.Subscribe()

	b.Publish(context.Background(), CacheUpdated("v2", 3))

	for _, s := range []*Subscription{s1, s2} {
		m := recv(t, s)
		if m.Kind != KindCacheUpdated || m.ChangedCount != 3 || m.Version != "v2" {
			t.Fatalf("unexpected message %+v", m)
		}
		if m.ID == "" || m.At != 42 || m.Source != "agent-1" {
			t.Fatalf("message not stamped: %+v", m)
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := &dropHooks{}
	b := NewBroker(Options{Buffer: 1, Hooks: h})
	defer b.Close()
	slow := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(context.Background(), CacheCleared())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if len(h.dropped) != 4 {
		t.Fatalf("dropped=%v", h.dropped)
	}
	recv(t, slow)
}

func TestCriticalIsStickyUntilCleared(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	b.Publish(context.Background(), CriticalError("reload budget spent"))
	late := b.Subscribe()
	if m := recv(t, late); m.Kind != KindCriticalError || m.Detail != "reload budget spent" {
		t.Fatalf("late subscriber did not get sticky critical: %+v", m)
	}
	if _, ok := b.Critical(); !ok {
		t.Fatalf("Critical() should report the sticky message")
	}

	b.ClearCritical()
	later := b.Subscribe()
	select {
	case m := <-later.C:
		t.Fatalf("unexpected replay after ClearCritical: %+v", m)
	default:
	}
}

func TestSinksGetPublishedButNotDelivered(t *testing.T) {
	sink := &recSink{}
	b := NewBroker(Options{Sinks: []Sink{sink}})
	defer b.Close()
	sub := b.Subscribe()

	b.Publish(context.Background(), UpdateAvailable("v3"))
	b.Deliver(Message{Kind: KindReload, Source: "other"})

	if len(sink.got) != 1 || sink.got[0].Kind != KindUpdateAvailable {
		t.Fatalf("sink got %+v", sink.got)
	}
	if recv(t, sub).Kind != KindUpdateAvailable || recv(t, sub).Kind != KindReload {
		t.Fatalf("local order broken")
	}

	sink.fail = true
	b.Publish(context.Background(), CacheCleared()) // sink failure is logged only
	recv(t, sub)
}

func TestCloseClosesSubscriptions(t *testing.T) {
	b := NewBroker(Options{})
	s := b.Subscribe()
	s2 := b.Subscribe()
	s2.Close()
	if _, ok := <-s2.C; ok {
		t.Fatalf("closed subscription should be drained")
	}

	b.Close()
	if _, ok := <-s.C; ok {
		t.Fatalf("broker close should close subscriptions")
	}
	s.Close() // idempotent after broker close
	b.Publish(context.Background(), CacheCleared())

	after := b.Subscribe()
	if _, ok := <-after.C; ok {
		t.Fatalf("subscribe after close should yield a closed channel")
	}
}
