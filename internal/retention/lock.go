package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Locker is a named, self-expiring mutual-exclusion lock shared by workers.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// RedisLocker takes the lock with SET NX EX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, name, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("retention: lock %s: %w", name, err)
	}
	return ok, nil
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{expires: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.expires[name]; ok && exp.After(now) {
		return false, nil
	}
	l.expires[name] = now.Add(ttl)
	return true, nil
}
