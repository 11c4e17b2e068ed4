// Package redisbus bridges a notify.Broker across processes over Redis
// pub/sub, so one agent can drive observers that live elsewhere.
package redisbus

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/sitecache"
	"github.com/unkn0wn-root/sitecache/codec"
	"github.com/unkn0wn-root/sitecache/notify"
)

const DefaultChannel = "sitecache:events"

type Options struct {
	Channel     string // "" => "sitecache:events"
	Codec       codec.Codec[notify.Message]
	Logger      sitecache.Logger
	CloseClient bool // set true only if the bus exclusively owns the client
}

// Bus publishes broker messages on a Redis channel and relays messages
// from that channel into a local broker.
type Bus struct {
	rdb         redis.UniversalClient
	channel     string
	codec       codec.Codec[notify.Message]
	log         sitecache.Logger
	closeClient bool
}

var _ notify.Sink = (*Bus)(nil)

func New(client redis.UniversalClient, opts Options) *Bus {
	b := &Bus{rdb: client, channel: opts.Channel, codec: opts.Codec, log: opts.Logger, closeClient: opts.CloseClient}
	if b.channel == "" {
		b.channel = DefaultChannel
	}
	if b.codec == nil {
		b.codec = codec.Msgpack[notify.Message]{}
	}
	if b.log == nil {
		b.log = sitecache.NopLogger{}
	}
	return b
}

func (b *Bus) Send(ctx context.Context, m notify.Message) error {
	payload, err := b.codec.Encode(m)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Forward subscribes to the channel and delivers every foreign message into
// broker until ctx is done. Messages stamped with broker's own source are
// skipped.
func (b *Bus) Forward(ctx context.Context, broker *notify.Broker) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redisbus: subscription closed")
			}
			b.relay([]byte(msg.Payload), broker)
		}
	}
}

func (b *Bus) relay(payload []byte, broker *notify.Broker) {
	m, err := b.codec.Decode(payload)
	if err != nil {
		b.log.Warn("redisbus: undecodable message", sitecache.Fields{"channel": b.channel, "err": err})
		return
	}
	if m.Source == broker.Source() || m.Kind == "" {
		return
	}
	broker.Deliver(m)
}

// Close closes the Redis client when the bus owns it.
func (b *Bus) Close() error {
	if !b.closeClient || b.rdb == nil {
		return nil
	}
	if err := b.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
