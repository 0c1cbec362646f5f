package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, store Store, cfg Config) *Executor {
	t.Helper()

	executor, err := NewExecutor(store, cfg, nil)
	require.NoError(t, err)

	return executor
}

func TestExecuteReplaysFirstResult(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor(t, NewMemoryStore(), Config{})

	var calls atomic.Int32

	operation := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)

		return []byte(`{"charge_id":"ch-1"}`), nil
	}

	first, err := executor.Execute(ctx, "charge-order-1", operation)
	require.NoError(t, err)
	assert.JSONEq(t, `{"charge_id":"ch-1"}`, string(first))

	// Same key again: the stored result comes back and the operation does
	// not run a second time.
	second, err := executor.Execute(ctx, "charge-order-1", operation)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteDistinctKeysRunIndependently(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor(t, NewMemoryStore(), Config{})

	var calls atomic.Int32

	operation := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)

		return []byte(`{}`), nil
	}

	_, err := executor.Execute(ctx, "charge-order-1", operation)
	require.NoError(t, err)

	_, err = executor.Execute(ctx, "charge-order-2", operation)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteRequiresKey(t *testing.T) {
	executor := newTestExecutor(t, NewMemoryStore(), Config{})

	_, err := executor.Execute(context.Background(), "   ", func(ctx context.Context) ([]byte, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrKeyRequired)
}

func TestExecuteBlockWaitsForFirstCaller(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor(t, NewMemoryStore(), Config{PollInterval: 5 * time.Millisecond})

	release := make(chan struct{})

	var calls atomic.Int32

	operation := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release

		return []byte(`{"n":1}`), nil
	}

	const waiters = 4

	results := make([][]byte, waiters)
	errs := make([]error, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = executor.Execute(ctx, "charge-order-1", operation)
		}(i)
	}

	// Let every goroutine reach either the operation or the wait loop.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"n":1}`, string(results[i]))
	}
}

func TestExecuteRejectFailsFastWhileInProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	executor := newTestExecutor(t, store, Config{ConflictPolicy: Reject})

	// Simulate a first caller mid-flight.
	_, reserved, err := store.Reserve(ctx, "charge-order-1", time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	_, err = executor.Execute(ctx, "charge-order-1", func(ctx context.Context) ([]byte, error) {
		t.Fatal("operation must not run")

		return nil, nil
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestExecuteFailureNotCachedByDefault(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor(t, NewMemoryStore(), Config{})

	var calls atomic.Int32

	operation := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("downstream unavailable")
		}

		return []byte(`{"ok":true}`), nil
	}

	_, err := executor.Execute(ctx, "charge-order-1", operation)
	require.EqualError(t, err, "downstream unavailable")

	// The failed attempt released the key, so the retry executes again.
	result, err := executor.Execute(ctx, "charge-order-1", operation)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteCachedFailureReplayed(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor(t, NewMemoryStore(), Config{CacheFailures: true})

	var calls atomic.Int32

	operation := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)

		return nil, errors.New("card declined")
	}

	_, err := executor.Execute(ctx, "charge-order-1", operation)
	require.EqualError(t, err, "card declined")

	_, err = executor.Execute(ctx, "charge-order-1", operation)

	var cached *CachedFailure
	require.ErrorAs(t, err, &cached)
	assert.Equal(t, "card declined", cached.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteReRunsAfterRetentionExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	current := time.Now().UTC()

	var mu sync.Mutex

	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		return current
	}

	executor := newTestExecutor(t, store, Config{Retention: time.Hour})

	var calls atomic.Int32

	operation := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)

		return []byte(`{}`), nil
	}

	_, err := executor.Execute(ctx, "charge-order-1", operation)
	require.NoError(t, err)

	mu.Lock()
	current = current.Add(2 * time.Hour)
	mu.Unlock()

	_, err = executor.Execute(ctx, "charge-order-1", operation)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryStoreReserveIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const callers = 16

	var winners atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, reserved, err := store.Reserve(ctx, "charge-order-1", time.Minute)
			require.NoError(t, err)

			if reserved {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestMemoryStoreCompleteUnknownKey(t *testing.T) {
	store := NewMemoryStore()

	err := store.Complete(context.Background(), "missing", nil, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
