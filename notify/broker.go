package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/unkn0wn-root/sitecache"
)

const defaultBuffer = 16

// Publisher is what the synchronizer, monitor and recovery governor need.
type Publisher interface {
	Publish(ctx context.Context, m Message)
}

// Sink receives every locally published message, e.g. a Redis bridge to
// observers in other processes.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

type Options struct {
	Buffer int    // per-subscriber channel size; 0 => 16
	Source string // instance id stamped on messages; "" => random
	Sinks  []Sink
	Logger sitecache.Logger
	Hooks  sitecache.Hooks
	Now    func() time.Time
}

// Broker fans messages out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the message.
//
// critical-error is sticky: it is replayed to every new subscriber until
// ClearCritical, so an observer opened after the budget ran out still sees
// that an operator is needed.
type Broker struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	critical *Message
	closed   bool

	buffer int
	source string
	sinks  []Sink
	log    sitecache.Logger
	hooks  sitecache.Hooks
	now    func() time.Time
}

var _ Publisher = (*Broker)(nil)

func NewBroker(opts Options) *Broker {
	b := &Broker{
		subs:   make(map[*Subscription]struct{}),
		buffer: opts.Buffer,
		source: opts.Source,
		sinks:  opts.Sinks,
		log:    opts.Logger,
		hooks:  opts.Hooks,
		now:    opts.Now,
	}
	if b.buffer <= 0 {
		b.buffer = defaultBuffer
	}
	if b.source == "" {
		b.source = uuid.NewString()
	}
	if b.log == nil {
		b.log = sitecache.NopLogger{}
	}
	if b.hooks == nil {
		b.hooks = sitecache.NopHooks{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Source is the instance id this broker stamps on outgoing messages.
func (b *Broker) Source() string { return b.source }

// Subscription is one observer's view of the stream.
type Subscription struct {
	C <-chan Message

	ch   chan Message
	b    *Broker
	once sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		if _, ok := s.b.subs[s]; ok {
			delete(s.b.subs, s)
			close(s.ch)
		}
		s.b.mu.Unlock()
	})
}

// Subscribe registers a new observer. After Close of the broker it returns
// an already-closed subscription.
func (b *Broker) Subscribe() *Subscription {
	ch := make(chan Message, b.buffer)
	s := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	if b.critical != nil {
		ch <- *b.critical
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish stamps m, delivers it locally and hands it to every sink.
func (b *Broker) Publish(ctx context.Context, m Message) {
	m = m.stamped(b.source, b.now())
	b.Deliver(m)
	for _, s := range b.sinks {
		if err := s.Send(ctx, m); err != nil {
			b.log.Warn("notify sink failed", sitecache.Fields{"kind": m.Kind, "err": err})
		}
	}
}

// Deliver fans m out to local subscribers only. Bridges use it for messages
// that arrived from elsewhere so they are not echoed back.
func (b *Broker) Deliver(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if m.Kind == KindCriticalError {
		c := m
		b.critical = &c
	}
	for s := range b.subs {
		select {
		case s.ch <- m:
		default:
			b.log.Warn("notify subscriber too slow, message dropped", sitecache.Fields{"kind": m.Kind})
			b.hooks.MessageDropped(string(m.Kind))
		}
	}
	b.log.Debug("message published", sitecache.Fields{"kind": m.Kind, "subscribers": len(b.subs)})
}

// Critical returns the sticky critical-error, if any.
func (b *Broker) Critical() (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.critical == nil {
		return Message{}, false
	}
	return *b.critical, true
}

// ClearCritical drops the sticky critical-error once an operator has dealt
// with it.
func (b *Broker) ClearCritical() {
	b.mu.Lock()
	b.critical = nil
	b.mu.Unlock()
}

// Close closes every subscription. Later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
