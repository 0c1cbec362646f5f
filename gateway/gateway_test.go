package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientClassification(t *testing.T) {
	base := errors.New("connection reset")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsPermanent(Transient(base)))

	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsTransient(Permanent(base)))

	// Unclassified errors default to transient.
	assert.True(t, IsTransient(base))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsPermanent(nil))
}

func TestWrappingNilReturnsNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")

	assert.ErrorIs(t, Transient(base), base)
	assert.ErrorIs(t, Permanent(base), base)
}

func TestRetryingSucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32

	inner := InvokerFunc(func(ctx context.Context, serviceKey string, request []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, Transient(errors.New("503"))
		}

		return []byte(`{"ok":true}`), nil
	})

	retrying := NewRetrying(inner, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	response, err := retrying.Invoke(context.Background(), "payment", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), response)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryingExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32

	inner := InvokerFunc(func(ctx context.Context, serviceKey string, request []byte) ([]byte, error) {
		calls.Add(1)

		return nil, Transient(errors.New("timeout"))
	})

	retrying := NewRetrying(inner, RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond}, nil)

	_, err := retrying.Invoke(context.Background(), "inventory", nil)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32

	inner := InvokerFunc(func(ctx context.Context, serviceKey string, request []byte) ([]byte, error) {
		calls.Add(1)

		return nil, Permanent(errors.New("invalid card number"))
	})

	retrying := NewRetrying(inner, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)

	_, err := retrying.Invoke(context.Background(), "payment", nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryingStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inner := InvokerFunc(func(ctx context.Context, serviceKey string, request []byte) ([]byte, error) {
		cancel()

		return nil, Transient(errors.New("timeout"))
	})

	retrying := NewRetrying(inner, RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Second}, nil)

	_, err := retrying.Invoke(ctx, "inventory", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
