package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript performs the compare and the write in one server-side step.
//
// KEYS[1] key
// ARGV[1] "1" when the key is expected to be absent
// ARGV[2] expected current value
// ARGV[3] "1" to delete instead of write
// ARGV[4] next value
// ARGV[5] ttl in milliseconds, 0 for none
var casScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if ARGV[1] == '1' then
		if cur then return 0 end
	elseif cur ~= ARGV[2] then
		return 0
	end
	if ARGV[3] == '1' then
		redis.call('DEL', KEYS[1])
		return 1
	end
	local ttl = tonumber(ARGV[5])
	if ttl > 0 then
		redis.call('SET', KEYS[1], ARGV[4], 'PX', ttl)
	else
		redis.call('SET', KEYS[1], ARGV[4])
	end
	return 1
`)

// RedisStore is a Store shared by every instance pointing at the same
// Redis. Keys are prefixed so the service can share a database.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps rdb. An empty prefix defaults to "auth".
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "auth"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + ":" + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	absent := "0"
	if old == nil {
		absent = "1"
	}
	return s.run(ctx, key, absent, old, "0", next, ttl)
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	return s.run(ctx, key, "0", old, "1", nil, 0)
}

func (s *RedisStore) run(ctx context.Context, key, absent string, old []byte, del string, next []byte, ttl time.Duration) (bool, error) {
	ttlMs := ttl.Milliseconds()
	if ttlMs < 0 {
		ttlMs = 0
	}
	n, err := casScript.Run(ctx, s.rdb, []string{s.key(key)},
		absent, old, del, next, ttlMs).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
