// Package kv defines the shared key-value store used for refresh token
// records and lockout counters, with in-memory, Redis and MySQL backends.
// All conditional writes compare the full stored value, so callers keep
// values self-describing (timestamps, counters) and retry on a lost race.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is a key-value store with TTL and compare-and-swap support.
//
// CompareAndSwap replaces the value at key with next only when the current
// value equals old. A nil old means the key must not exist (or must have
// expired). A ttl <= 0 stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by backends that do not expire keys on their own.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, onErr func(error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
