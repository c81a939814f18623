package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/internal/cache"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "proofflow:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return NewRedisStore(m, "", zap.NewNop()), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestKey(t *testing.T) {
	a, err := Key("assignment", "task-1")
	require.NoError(t, err)
	b, err := Key("assignment", "task-1")
	require.NoError(t, err)
	c, err := Key("assignment", "task-2")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = Key()
	assert.Error(t, err)
}

func TestStore_ClaimOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.Claim(ctx, "task-1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Claim(ctx, "task-1", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "重复投递应被拒绝")

			require.NoError(t, s.Release(ctx, "task-1"))
			ok, err = s.Claim(ctx, "task-1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "释放后可再次领取")
		})
	}
}

func TestStore_ConcurrentClaimSingleWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.Claim(context.Background(), "shared", time.Minute)
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRedisStore_KeyLayoutAndExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "task-9", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("proofflow:dedupe:task-9"))

	mr.FastForward(2 * time.Minute)
	ok, err = s.Claim(ctx, "task-9", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, s.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, s.Len())
	ok, err = s.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_ClosedCache(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = NewRedisStore(m, "", nil).Claim(context.Background(), "k", 0)
	assert.ErrorIs(t, err, cache.ErrClosed)
}
