package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/store"
)

func newTestRedisStore(t *testing.T) (*store.RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return store.NewRedisStore(client, zap.NewNop()), func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	s, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "l2:hello", []byte("world"), time.Minute))

	val, err := s.Get(ctx, "l2:hello")
	require.NoError(t, err)
	require.Equal(t, []byte("world"), val)

	require.NoError(t, s.Delete(ctx, "l2:hello"))
	_, err = s.Get(ctx, "l2:hello")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisStore_HashOperations(t *testing.T) {
	s, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, store.NamespaceUserAssignments, "u-1", []byte("phone-1")))
	val, err := s.HGet(ctx, store.NamespaceUserAssignments, "u-1")
	require.NoError(t, err)
	require.Equal(t, []byte("phone-1"), val)

	require.NoError(t, s.HDel(ctx, store.NamespaceUserAssignments, "u-1"))
	_, err = s.HGet(ctx, store.NamespaceUserAssignments, "u-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisStore_SortedSet(t *testing.T) {
	s, cleanup := newTestRedisStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.ZAdd(ctx, "scheduled", float64(now.Add(-time.Minute).Unix()), []byte("msg-1")))
	require.NoError(t, s.ZAdd(ctx, "scheduled", float64(now.Add(time.Hour).Unix()), []byte("msg-2")))

	due, err := s.ZRangeByScore(ctx, "scheduled", float64(now.Unix()))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, []byte("msg-1"), due[0])
}
