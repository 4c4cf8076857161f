package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "tenantauth"
	defaultRedisRetries = 16
	redisScanCount      = 256
)

// Redis is a Store backed by a Redis deployment. Update uses WATCH and a
// MULTI/EXEC pipeline and retries when another client touched the key.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

type abortError struct{ err error }

func (a *abortError) Error() string { return a.err.Error() }

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{
		client:     client,
		prefix:     prefix + ":",
		maxRetries: defaultRedisRetries,
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return data, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	full := r.key(key)

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, full).Bytes()
			exists := true
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					return err
				}
				exists = false
				data = nil
			}

			mut, err := fn(data, exists)
			if err != nil {
				return &abortError{err: err}
			}

			switch mut.Op {
			case OpPut:
				ttl := mut.TTL
				if ttl < 0 {
					ttl = 0
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, full, mut.Value, ttl)
					return nil
				})
			case OpDelete:
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, full)
					return nil
				})
			}
			return err
		}, full)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var abort *abortError
		if errors.As(err, &abort) {
			return abort.err
		}
		if err != nil {
			return unavailable(err)
		}
		return nil
	}

	return ErrConflict
}

func (r *Redis) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return unavailable(err)
	}
	if len(keys) == 0 {
		return nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Get(ctx, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err)
	}

	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// deleted between SCAN and GET
			continue
		}
		if err := fn(strings.TrimPrefix(keys[i], r.prefix), data); err != nil {
			return err
		}
	}
	return nil
}

// Ping reports whether the Redis deployment answers.
func (r *Redis) Ping(ctx context.Context) error {
	return unavailable(r.client.Ping(ctx).Err())
}

// Close is a no-op; the caller owns the client.
func (r *Redis) Close() error { return nil }
