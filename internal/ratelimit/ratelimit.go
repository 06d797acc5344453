package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore holds per-window call counts.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Status struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a fixed-window counter per (caller, plugin). It is advisory
// and fails open. Status is a read-only peek; Increment is the admitting step.
type RateLimiter struct {
	store  CounterStore
	limit  int
	window time.Duration
	ttl    time.Duration
	now    func() time.Time
}

// NewRateLimiter counts limit calls per window. A window under a millisecond
// falls back to one minute.
func NewRateLimiter(store CounterStore, limit int, window time.Duration) *RateLimiter {
	if window < time.Millisecond {
		window = time.Minute
	}
	return &RateLimiter{
		store:  store,
		limit:  limit,
		window: window,
		ttl:    time.Hour,
		now:    time.Now,
	}
}

func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func (rl *RateLimiter) bucket() (int64, time.Time) {
	size := rl.window.Milliseconds()
	b := rl.now().UnixMilli() / size
	return b, time.UnixMilli((b + 1) * size)
}

func (rl *RateLimiter) key(caller string, pluginID uint64, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d:%d", strings.ToLower(caller), pluginID, bucket)
}

func (rl *RateLimiter) Status(ctx context.Context, caller string, pluginID uint64) Status {
	b, reset := rl.bucket()
	count, err := rl.store.Get(ctx, rl.key(caller, pluginID, b))
	if err != nil {
		log.Printf("ratelimit: status check failed, allowing: %v", err)
		return Status{Allowed: true, Remaining: rl.limit, ResetAt: reset}
	}

	remaining := rl.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Status{Allowed: count < int64(rl.limit), Remaining: remaining, ResetAt: reset}
}

// Increment records one call in the current window and admits it only if
// the post-increment count is within the limit, so concurrent callers cannot
// all pass on the same reading. Store errors fail open.
func (rl *RateLimiter) Increment(ctx context.Context, caller string, pluginID uint64) Status {
	b, reset := rl.bucket()
	count, err := rl.store.Incr(ctx, rl.key(caller, pluginID, b), rl.ttl)
	if err != nil {
		log.Printf("ratelimit: increment failed, allowing: %v", err)
		return Status{Allowed: true, Remaining: rl.limit, ResetAt: reset}
	}

	remaining := rl.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Status{Allowed: count <= int64(rl.limit), Remaining: remaining, ResetAt: reset}
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	if count == 1 {
		s.client.Expire(ctx, key, ttl)
	}

	return count, nil
}

// MemoryStore is for single-instance deployments. Keys are dropped lazily
// once their TTL passes.
type MemoryStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.expires[key]; ok && s.now().After(exp) {
		delete(s.counts, key)
		delete(s.expires, key)
	}
	return s.counts[key], nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.expires[key]; ok && now.After(exp) {
		delete(s.counts, key)
		delete(s.expires, key)
	}
	s.counts[key]++
	if s.counts[key] == 1 {
		for k, exp := range s.expires {
			if now.After(exp) {
				delete(s.counts, k)
				delete(s.expires, k)
			}
		}
		s.expires[key] = now.Add(ttl)
	}
	return s.counts[key], nil
}
