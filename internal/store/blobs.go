package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBlobNotFound reports a blob that is absent or already expired out of
// the store.
var ErrBlobNotFound = errors.New("store: blob not found")

// BlobStore holds voice/video ciphertext by opaque path. Entries carry a TTL
// aligned with the envelope's purge horizon so media cannot outlive the row
// that references it.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

const blobKeyPrefix = "vv:blob:"

// RedisBlobStore keeps blobs in Redis, leaning on its TTL support for the
// hard upper bound on media lifetime.
type RedisBlobStore struct {
	rdb *redis.Client
}

func NewRedisBlobStore(rdb *redis.Client) *RedisBlobStore {
	return &RedisBlobStore{rdb: rdb}
}

func (s *RedisBlobStore) Put(ctx context.Context, path string, data []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, blobKeyPrefix+path, data, ttl).Err(); err != nil {
		return fmt.Errorf("blob put: %w", err)
	}
	return nil
}

func (s *RedisBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, blobKeyPrefix+path).Bytes()
	if err == redis.Nil {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob get: %w", err)
	}
	return data, nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, path string) error {
	if err := s.rdb.Del(ctx, blobKeyPrefix+path).Err(); err != nil {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

var _ BlobStore = (*RedisBlobStore)(nil)

// MemoryBlobStore is the single-process fallback. TTLs are enforced lazily
// on read; the purge sweep deletes entries explicitly anyway.
type MemoryBlobStore struct {
	mu      sync.Mutex
	entries map[string]memoryBlob
	now     func() time.Time
}

type memoryBlob struct {
	data     []byte
	deadline time.Time
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{entries: make(map[string]memoryBlob), now: time.Now}
}

func (s *MemoryBlobStore) Put(ctx context.Context, path string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = memoryBlob{
		data:     append([]byte(nil), data...),
		deadline: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[path]
	if !ok || s.now().After(entry.deadline) {
		delete(s.entries, path)
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), entry.data...), nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path)
	return nil
}

var _ BlobStore = (*MemoryBlobStore)(nil)
