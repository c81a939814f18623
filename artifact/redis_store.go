package artifact

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/proofflow/internal/cache"
)

// RedisStore keeps artifacts in Redis with a bounded lifetime.
// Suitable for fleets whose artifacts are consumed within hours.
type RedisStore struct {
	cache *cache.Manager
	ttl   time.Duration
}

// NewRedisStore creates a store on top of a shared cache manager. Entries
// expire after ttl (8h when zero).
func NewRedisStore(manager *cache.Manager, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &RedisStore{cache: manager, ttl: ttl}
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.cache.Exists(ctx, key)
	if err != nil {
		return false, mapCacheErr(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.cache.GetBytes(ctx, key)
	if err != nil {
		return nil, mapCacheErr(err)
	}
	return data, nil
}

// Put uses SETNX so the existence check and the write are one step.
func (s *RedisStore) Put(ctx context.Context, key string, data []byte) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	ok, err := s.cache.SetNX(ctx, key, data, s.ttl)
	if err != nil {
		return false, mapCacheErr(err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return mapCacheErr(s.cache.Delete(ctx, key))
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return mapCacheErr(s.cache.Ping(ctx))
}

func (s *RedisStore) Close() error {
	return s.cache.Close()
}

func mapCacheErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrCacheMiss):
		return ErrNotFound
	case errors.Is(err, cache.ErrClosed):
		return ErrStoreClosed
	default:
		return err
	}
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
