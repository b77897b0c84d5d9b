package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBackend keeps the session under <prefix>:user and <prefix>:token and
// announces writes on <prefix>:session-events, so clients on different
// hosts share one login.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBackend(addr, prefix string) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return NewRedisBackendFromClient(rdb, prefix)
}

func NewRedisBackendFromClient(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "ichat"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) key(k string) string { return b.prefix + ":" + k }

func (b *RedisBackend) channel() string { return b.prefix + ":session-events" }

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, b.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis get %s", key)
	}
	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, origin string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	payload, err := json.Marshal(Change{Origin: origin, Keys: keys})
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range values {
			p.Set(ctx, b.key(k), v, 0)
		}
		p.Publish(ctx, b.channel(), payload)
		return nil
	})
	return errors.Wrap(err, "redis set session")
}

func (b *RedisBackend) Delete(ctx context.Context, origin string, keys ...string) error {
	payload, err := json.Marshal(Change{Origin: origin, Keys: keys})
	if err != nil {
		return err
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, b.key(k))
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, full...)
		p.Publish(ctx, b.channel(), payload)
		return nil
	})
	return errors.Wrap(err, "redis delete session")
}

func (b *RedisBackend) Watch(ctx context.Context, origin string, fn func(Change)) (func(), error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel())
	// Wait for the subscription so no write after Watch returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Warn().Err(err).Str("component", "session").Msg("ignoring malformed session event")
				continue
			}
			if c.Origin == origin {
				continue
			}
			fn(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
