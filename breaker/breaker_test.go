package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config, clock *fakeClock) *Breaker {
	b := New("payment", cfg)
	b.now = clock.Now
	b.windowStart = clock.Now()

	return b
}

func fail(b *Breaker) error {
	_, err := b.Execute(func() (any, error) { return nil, errBoom })

	return err
}

func succeed(b *Breaker) error {
	_, err := b.Execute(func() (any, error) { return "ok", nil })

	return err
}

func TestBreakerTripSequence(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold:   3,
		Window:             time.Minute,
		Cooldown:           1000 * time.Millisecond,
		CooldownMultiplier: 1,
	}, clock)

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(b), errBoom)
	}

	assert.Equal(t, StateOpen, b.State())

	// A fourth call inside the cooldown fails fast without invoking the operation.
	clock.Advance(500 * time.Millisecond)

	invoked := false
	_, err := b.Execute(func() (any, error) {
		invoked = true

		return nil, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)

	// After the cooldown the next call is admitted as the half-open trial.
	clock.Advance(600 * time.Millisecond)
	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())

	// Closed again: subsequent calls proceed normally.
	require.NoError(t, succeed(b))
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold:   2,
		Window:             time.Minute,
		Cooldown:           time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        time.Minute,
	}, clock)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(1100 * time.Millisecond)
	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// Cooldown doubled: one second is no longer enough.
	clock.Advance(1100 * time.Millisecond)
	_, err := b.Execute(func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         time.Second,
	}, clock)

	require.Error(t, fail(b))
	clock.Advance(1100 * time.Millisecond)

	var admitted, rejected atomic.Int32

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, err := b.Execute(func() (any, error) {
			close(started)
			<-release

			return nil, nil
		})
		if err == nil {
			admitted.Add(1)
		}
	}()

	<-started

	// While the trial is in flight every other caller fails fast.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := b.Execute(func() (any, error) { return nil, nil }); errors.Is(err, ErrOpen) {
				rejected.Add(1)
			} else if err == nil {
				admitted.Add(1)
			}
		}()
	}

	wg.Wait()
	close(release)

	assert.Equal(t, int32(8), rejected.Load())
}

func TestBreakerDoesNotCountOwnFastFails(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         time.Second,
	}, clock)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.Equal(t, StateOpen, b.State())

	// A pile of fast-fails must not extend or reinforce the open state.
	for i := 0; i < 20; i++ {
		_, err := b.Execute(func() (any, error) { return nil, nil })
		require.ErrorIs(t, err, ErrOpen)
	}

	clock.Advance(1100 * time.Millisecond)
	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerNestedOpenErrorNotCounted(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 2,
		Window:           time.Minute,
		Cooldown:         time.Second,
	}, clock)

	// The operation surfaces another breaker's ErrOpen; it must not count.
	for i := 0; i < 5; i++ {
		_, err := b.Execute(func() (any, error) { return nil, ErrOpen })
		require.ErrorIs(t, err, ErrOpen)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreakerWindowExpiryResetsCounter(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 3,
		Window:           10 * time.Second,
		Cooldown:         time.Second,
	}, clock)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	assert.Equal(t, 2, b.FailureCount())

	// Failures older than the window no longer count toward the threshold.
	clock.Advance(11 * time.Second)
	require.Error(t, fail(b))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.FailureCount())
}

func TestManagerSharesBreakerPerServiceKey(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, err := m.Execute("inventory", func() (any, error) { return nil, errBoom })
		require.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateOpen, m.State("inventory"))
	// Other collaborators are unaffected.
	assert.Equal(t, StateClosed, m.State("payment"))

	_, err := m.Execute("inventory", func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrOpen)

	result, err := m.Execute("payment", func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestManagerGetOrCreateReturnsSameInstance(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)

	first := m.GetOrCreate("shipping")
	second := m.GetOrCreate("shipping")
	assert.Same(t, first, second)
}
