package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/cache"
	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/store"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := store.NewRedisStore(client, zap.NewNop())

	c, err := cache.New(l2, nil, config.CacheConfig{DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestCache_SetGetL1Hit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "greeting", []byte("hola"), time.Minute))

	val, ok := c.Get(ctx, "greeting")
	require.True(t, ok)
	require.Equal(t, "hola", string(val))
}

func TestCache_PromotionFromL2(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := store.NewRedisStore(client, zap.NewNop())
	c, err := cache.New(l2, nil, config.CacheConfig{DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute, "L2"))

	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", string(val))

	// second fetch should now be served by L1 without hitting redis.
	mr.Close()
	val, ok = c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", string(val))
}

func TestCache_AIResponseKeyStableUnderContextOnly(t *testing.T) {
	k1 := cache.AIResponseKey("Hello There", "new", "greeting", "smalltalk")
	k2 := cache.AIResponseKey("hello there", "new", "greeting", "smalltalk")
	require.Equal(t, k1, k2, "normalization should make casing/whitespace irrelevant")

	k3 := cache.AIResponseKey("hello there", "returning", "greeting", "smalltalk")
	require.NotEqual(t, k1, k3, "a different relevant-context field must change the key")
}

func TestCache_Delete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "x", []byte("y"), time.Minute))
	require.NoError(t, c.Delete(ctx, "x"))

	_, ok := c.Get(ctx, "x")
	require.False(t, ok)
}
