// Package dedupe provides idempotency keys for at-least-once deliveries.
// This package is internal and should not be imported by external projects.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/internal/cache"
)

// DefaultTTL 幂等键默认保留时间
const DefaultTTL = 24 * time.Hour

// Store 记录已处理的投递
// Claim 在键首次出现时返回 true，重复投递返回 false
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key 根据输入生成稳定的幂等键（SHA256）
func Key(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("at least one input is required")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// =============================================================================
// 🔴 Redis 实现
// =============================================================================

// RedisStore 基于 Redis SETNX 的幂等存储，多进程共享
type RedisStore struct {
	cache  *cache.Manager
	prefix string
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 幂等存储
func NewRedisStore(m *cache.Manager, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "dedupe:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{cache: m, prefix: prefix, logger: logger.With(zap.String("component", "dedupe"))}
}

// Claim 实现 Store.Claim
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := s.cache.SetNX(ctx, s.prefix+key, []byte(time.Now().UTC().Format(time.RFC3339)), ttl)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !ok {
		s.logger.Debug("duplicate delivery", zap.String("key", key))
	}
	return ok, nil
}

// Release 实现 Store.Release，使键可以再次被领取
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.cache.Delete(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// =============================================================================
// 💾 内存实现
// =============================================================================

// MemoryStore 进程内幂等存储
// Suitable for development and testing.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore 创建内存幂等存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

// Claim 实现 Store.Claim，顺带清理过期条目
func (s *MemoryStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, k)
		}
	}
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

// Release 实现 Store.Release
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len 返回未过期的条目数
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, exp := range s.entries {
		if !now.After(exp) {
			n++
		}
	}
	return n
}

// Ensure implementations satisfy Store
var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
