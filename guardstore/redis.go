package guardstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/sitecache/codec"
)

// Redis shares one guard across agents and survives restarts. Keep it on a
// key the cache provider's Clear does not cover.
// Optionally, a TTL can be applied so a forgotten guard does not linger;
// an expired guard reads as zero, which is what the cooldown would have
// produced anyway when TTL >= cooldown.
type Redis struct {
	rdb         redis.UniversalClient
	key         string
	ttl         time.Duration
	codec       codec.Codec[State]
	closeClient bool
}

var _ Store = (*Redis)(nil)

type RedisConfig struct {
	Client      redis.UniversalClient
	Namespace   string             // guard lives at "guard:<namespace>"
	TTL         time.Duration      // <= 0 => no expiry
	Codec       codec.Codec[State] // nil => msgpack
	CloseClient bool               // set true only if the guard exclusively owns the client
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("guardstore: redis client is required")
	}
	c := cfg.Codec
	if c == nil {
		c = codec.Msgpack[State]{}
	}
	return &Redis{
		rdb:         cfg.Client,
		key:         "guard:" + cfg.Namespace,
		ttl:         cfg.TTL,
		codec:       c,
		closeClient: cfg.CloseClient,
	}, nil
}

func (s *Redis) Load(ctx context.Context) (State, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	return s.codec.Decode(b)
}

func (s *Redis) Save(ctx context.Context, st State) error {
	b, err := s.codec.Encode(st)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, s.key, b, ttl).Err()
}

func (s *Redis) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
