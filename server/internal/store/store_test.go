package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisFromClient(client)
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "k1", "v1", time.Minute))

	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	require.NoError(t, s.Delete(ctx, "k1"))

	_, err = s.Get(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SAdd(ctx, "workers:crunchbase", "w1"))
	require.NoError(t, s.SAdd(ctx, "workers:crunchbase", "w2"))

	members, err := s.SMembers(ctx, "workers:crunchbase")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"w1", "w2"}, members)

	require.NoError(t, s.SRem(ctx, "workers:crunchbase", "w1"))
	members, err = s.SMembers(ctx, "workers:crunchbase")
	require.NoError(t, err)
	require.Equal(t, []string{"w2"}, members)
}

func TestSortedSetPriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	queueKey := "task_queue:crunchbase"
	require.NoError(t, s.ZAdd(ctx, queueKey, "low", -0))
	require.NoError(t, s.ZAdd(ctx, queueKey, "high", -10))

	member, _, ok, err := s.ZPopMin(ctx, queueKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "high", member, "score -10 (priority 10) must pop before score 0 (priority 0)")

	card, err := s.ZCard(ctx, queueKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), card)

	require.NoError(t, s.ZRem(ctx, queueKey, "low"))
	card, err = s.ZCard(ctx, queueKey)
	require.NoError(t, err)
	require.Equal(t, int64(0), card)
}

func TestZPopMinEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	_, _, ok, err := s.ZPopMin(context.Background(), "task_queue:empty")
	require.NoError(t, err)
	require.False(t, ok)
}
