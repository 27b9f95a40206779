// Package blobstore keeps a durable copy of staged uploads so a worker on
// another host can restore the file when the local copy is gone.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// KeyPrefix is the namespace of staged upload blobs.
const KeyPrefix = "upload_blob:"

// ErrNotFound is returned when a blob is missing or expired.
var ErrNotFound = errors.New("blob not found")

// Store is a durable blob store with per-key expiry.
type Store interface {
	// Put streams r into key, failing once more than maxBytes were read.
	Put(ctx context.Context, key string, r io.Reader, maxBytes int64, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// NormalizeTTL sets ttl on every blob that has no expiry and returns how many were fixed.
	NormalizeTTL(ctx context.Context, ttl time.Duration) (int, error)
}

// ErrTooLarge is returned by Put when the stream exceeds maxBytes.
var ErrTooLarge = errors.New("blob exceeds size limit")

const chunkSize = 1 << 20

// RedisStore stores blobs as Redis strings built with APPEND.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, key string, r io.Reader, maxBytes int64, ttl time.Duration) (int64, error) {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return 0, fmt.Errorf("blobstore: reset %s: %w", key, err)
	}
	buf := make([]byte, chunkSize)
	var size int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			size += int64(n)
			if maxBytes > 0 && size > maxBytes {
				s.client.Del(context.WithoutCancel(ctx), key)
				return size, ErrTooLarge
			}
			if aerr := s.client.Append(ctx, key, string(buf[:n])).Err(); aerr != nil {
				s.client.Del(context.WithoutCancel(ctx), key)
				return size, fmt.Errorf("blobstore: append %s: %w", key, aerr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.client.Del(context.WithoutCancel(ctx), key)
			return size, fmt.Errorf("blobstore: read: %w", err)
		}
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return size, fmt.Errorf("blobstore: expire %s: %w", key, err)
		}
	}
	return size, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", key, err)
	}
	return b, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) NormalizeTTL(ctx context.Context, ttl time.Duration) (int, error) {
	var cursor uint64
	normalized := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, KeyPrefix+"*", 100).Result()
		if err != nil {
			return normalized, fmt.Errorf("blobstore: scan: %w", err)
		}
		for _, key := range keys {
			left, err := s.client.TTL(ctx, key).Result()
			if err != nil {
				return normalized, fmt.Errorf("blobstore: ttl %s: %w", key, err)
			}
			// -1 means no expiry; -2 means the key vanished meanwhile
			if left == -1 {
				if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
					return normalized, fmt.Errorf("blobstore: expire %s: %w", key, err)
				}
				normalized++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return normalized, nil
}

type memBlob struct {
	data    []byte
	expires time.Time
}

// MemoryStore is an in-process Store for single-binary deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string]memBlob
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memBlob), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, maxBytes int64, ttl time.Duration) (int64, error) {
	var buf bytes.Buffer
	lr := r
	if maxBytes > 0 {
		lr = io.LimitReader(r, maxBytes+1)
	}
	n, err := buf.ReadFrom(lr)
	if err != nil {
		return n, fmt.Errorf("blobstore: read: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, ErrTooLarge
	}
	b := memBlob{data: buf.Bytes()}
	if ttl > 0 {
		b.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.blobs[key] = b
	s.mu.Unlock()
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok || (!b.expires.IsZero() && !b.expires.After(s.now())) {
		delete(s.blobs, key)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return b.data, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) NormalizeTTL(_ context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, b := range s.blobs {
		if strings.HasPrefix(key, KeyPrefix) && b.expires.IsZero() {
			b.expires = s.now().Add(ttl)
			s.blobs[key] = b
			n++
		}
	}
	return n, nil
}
