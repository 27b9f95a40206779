package retention

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisLocker(client)
	b := NewRedisLocker(client)
	ctx := context.Background()

	ok, err := a.TryLock(ctx, LockKey, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v; want true", ok, err)
	}
	if ttl := mr.TTL(LockKey); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	ok, err = b.TryLock(ctx, LockKey, 5*time.Minute)
	if err != nil || ok {
		t.Fatalf("contended TryLock = %v, %v; want false", ok, err)
	}

	mr.FastForward(6 * time.Minute)
	ok, err = b.TryLock(ctx, LockKey, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock after expiry = %v, %v; want true", ok, err)
	}
}
