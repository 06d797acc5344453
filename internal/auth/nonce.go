package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records (caller, timestamp) pairs. Reserve must check and insert
// as one atomic step and report false when the key was already present.
type NonceStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// DefaultNonceHighWater is the size past which the in-memory store evicts the
// oldest half of its entries.
const DefaultNonceHighWater = 10000

// MemoryNonceStore is a mutex-guarded store for single-instance deployments.
// Eviction is by insertion order, not TTL.
type MemoryNonceStore struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	order     []string
	highWater int
}

func NewMemoryNonceStore(highWater int) *MemoryNonceStore {
	if highWater <= 0 {
		highWater = DefaultNonceHighWater
	}
	return &MemoryNonceStore{
		seen:      make(map[string]struct{}),
		highWater: highWater,
	}
}

func (s *MemoryNonceStore) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)

	if len(s.order) > s.highWater {
		evict := s.highWater / 2
		for _, k := range s.order[:evict] {
			delete(s.seen, k)
		}
		s.order = append([]string(nil), s.order[evict:]...)
	}
	return true, nil
}

func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RedisNonceStore shares replay state across gateway instances using SET NX.
type RedisNonceStore struct {
	client *redis.Client
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func (s *RedisNonceStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, "nonce:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis nonce reserve: %w", err)
	}
	return ok, nil
}
