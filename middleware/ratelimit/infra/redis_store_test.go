package infra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomivo-gateway/middleware/ratelimit/domain"
)

// newTestRedis connects to REDIS_TEST_ADDR or skips.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s := NewRedisStore(nil, WithKeyPrefix(":roomivo:window:"))
	assert.Equal(t, "roomivo:window:ai-chat:user:u1", s.redisKey("ai-chat:user:u1"))
}

func TestRedisStore_NilClient(t *testing.T) {
	s := NewRedisStore(nil)

	_, _, err := s.Hit(context.Background(), "k", domain.DefaultPolicy(), time.Now())
	assert.Error(t, err)
	assert.Error(t, s.Reset(context.Background()))
}

func TestRedisStore_FixedWindow(t *testing.T) {
	rdb := newTestRedis(t)
	prefix := "test:" + t.Name() + ":" + time.Now().Format("150405.000000")
	s := NewRedisStore(rdb, WithKeyPrefix(prefix))
	t.Cleanup(func() { _ = s.Reset(context.Background()) })

	ctx := context.Background()
	p := domain.Policy{MaxRequests: 3, Window: 10 * time.Second}
	t0 := time.UnixMilli(time.Now().UnixMilli())

	for i := 1; i <= 3; i++ {
		e, ok, err := s.Hit(ctx, "k", p, t0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, e.Count)
		assert.Equal(t, t0.Add(p.Window).UnixMilli(), e.ResetTime.UnixMilli())
	}

	e, ok, err := s.Hit(ctx, "k", p, t0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, e.Count)

	e, ok, err = s.Hit(ctx, "k", p, t0.Add(p.Window+time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, e.Count)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Reset(ctx))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
