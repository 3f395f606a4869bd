package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestFastClaimLock_SecondAcquireFailsUntilReleased(t *testing.T) {
	client := setupTestRedis(t)
	a := NewFastClaimLock(client)
	b := NewFastClaimLock(client)

	ok, err := a.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, ok, "a different owner must not acquire an already-held lock")

	require.NoError(t, a.Release(context.Background()))

	ok, err = b.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok, "lock must be acquirable once released by its owner")
}

func TestFastClaimLock_ReleaseByNonOwnerIsNoop(t *testing.T) {
	client := setupTestRedis(t)
	a := NewFastClaimLock(client)
	b := NewFastClaimLock(client)

	ok, err := a.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(context.Background()))

	ok, err = b.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, ok, "a's lock must survive b's no-op release")
}
