package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	store, err := NewRedisStore(client)
	require.NoError(t, err)

	return store, server
}

func TestRedisStoreReserveOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	existing, reserved, err := store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)

	existing, reserved, err = store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, StatusInProgress, existing.Status)
}

func TestRedisStoreCompleteAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	_, reserved, err := store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, store.Complete(ctx, "charge-order-1", []byte(`{"charge_id":"ch-1"}`), ""))

	record, err := store.Get(ctx, "charge-order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.JSONEq(t, `{"charge_id":"ch-1"}`, string(record.Result))
}

func TestRedisStoreReservationExpires(t *testing.T) {
	ctx := context.Background()
	store, server := newRedisStore(t)

	_, reserved, err := store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	server.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, "charge-order-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The expired key can be claimed again.
	_, reserved, err = store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestRedisStoreRelease(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	_, reserved, err := store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, store.Release(ctx, "charge-order-1"))

	_, reserved, err = store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestExecutorOverRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	executor, err := NewExecutor(store, Config{}, nil)
	require.NoError(t, err)

	calls := 0

	operation := func(ctx context.Context) ([]byte, error) {
		calls++

		return []byte(`{"charge_id":"ch-9"}`), nil
	}

	first, err := executor.Execute(ctx, "charge-order-9", operation)
	require.NoError(t, err)

	second, err := executor.Execute(ctx, "charge-order-9", operation)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}
