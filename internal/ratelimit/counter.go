package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisTimeout = 5 * time.Second
	memorySweepInterval = time.Minute
)

// Counter is the shared store behind the limiter.
type Counter interface {
	// Incr atomically increments key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// ExpireNX sets the key's time to live only when it has none, so a
	// window keeps its start and a key left without a ttl gets one.
	ExpireNX(ctx context.Context, key string, ttl time.Duration) error
}

// RedisCounter keeps counters in redis.
type RedisCounter struct {
	client goredis.UniversalClient
}

// NewRedisCounter wraps a go-redis client.
func NewRedisCounter(client goredis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// NewRedisClient parses redisURL, connects and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultRedisTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (counter *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	count, err := counter.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %w", ErrCounterUnavailable, key, err)
	}
	return count, nil
}

func (counter *RedisCounter) ExpireNX(ctx context.Context, key string, ttl time.Duration) error {
	if err := counter.client.ExpireNX(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %w", ErrCounterUnavailable, key, err)
	}
	return nil
}

// MemoryCounter keeps counters in process memory. It serves single-instance
// deployments without redis and tests. Expired keys are swept at most once a
// minute, so memory stays bounded by the identities active in one window.
type MemoryCounter struct {
	mu        sync.Mutex
	nowFn     func() time.Time
	entries   map[string]memoryEntry
	nextSweep time.Time
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter returns a MemoryCounter reading time from now. A nil now
// uses time.Now.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{nowFn: now, entries: make(map[string]memoryEntry)}
}

func (counter *MemoryCounter) Incr(ctx context.Context, key string) (int64, error) {
	counter.mu.Lock()
	defer counter.mu.Unlock()
	counter.sweep()
	entry := counter.liveEntry(key)
	entry.count++
	counter.entries[key] = entry
	return entry.count, nil
}

func (counter *MemoryCounter) ExpireNX(ctx context.Context, key string, ttl time.Duration) error {
	counter.mu.Lock()
	defer counter.mu.Unlock()
	entry, ok := counter.entries[key]
	if !ok || !entry.expiresAt.IsZero() {
		return nil
	}
	entry.expiresAt = counter.nowFn().Add(ttl)
	counter.entries[key] = entry
	return nil
}

// liveEntry drops the key when its ttl has passed, as redis would.
func (counter *MemoryCounter) liveEntry(key string) memoryEntry {
	entry, ok := counter.entries[key]
	if !ok {
		return memoryEntry{}
	}
	if !entry.expiresAt.IsZero() && !counter.nowFn().Before(entry.expiresAt) {
		delete(counter.entries, key)
		return memoryEntry{}
	}
	return entry
}

func (counter *MemoryCounter) sweep() {
	now := counter.nowFn()
	if now.Before(counter.nextSweep) {
		return
	}
	counter.nextSweep = now.Add(memorySweepInterval)
	for key, entry := range counter.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(counter.entries, key)
		}
	}
}
