package kv

import (
	"bytes"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type memItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memShard struct {
	mu    sync.Mutex
	items map[string]memItem
}

// MemoryStore is a process-local Store. Keys are spread over shards so
// unrelated keys do not contend on one lock. Use it for single-instance
// deployments and tests only: lockout and rotation guarantees do not hold
// across processes.
type MemoryStore struct {
	shards [memoryShards]*memShard
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memShard{items: make(map[string]memItem)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

// lookup must be called with sh.mu held.
func (s *MemoryStore) lookup(sh *memShard, key string) ([]byte, bool) {
	it, ok := sh.items[key]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		delete(sh.items, key)
		return nil, false
	}
	return it.value, true
}

func (s *MemoryStore) item(value []byte, ttl time.Duration) memItem {
	it := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	return it
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := s.lookup(sh, key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.items[key] = s.item(value, ttl)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := s.lookup(sh, key)
	if old == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	sh.items[key] = s.item(next, ttl)
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := s.lookup(sh, key)
	if !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	delete(sh.items, key)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep(_ context.Context) (int64, error) {
	var n int64
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, it := range sh.items {
			if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
				delete(sh.items, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}
