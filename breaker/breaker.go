// Package breaker implements a per-collaborator circuit breaker: a stateful
// gate that fails fast once a collaborator exceeds a failure threshold, so
// callers stop wasting resources on a known-failing dependency.
//
// Each breaker moves between three states. CLOSED invokes operations
// normally and counts failures within a sliding window; reaching the
// threshold trips the breaker to OPEN. OPEN rejects every call with ErrOpen
// until the cooldown elapses. The first call after the cooldown is admitted
// as the single HALF_OPEN trial: success closes the breaker, failure reopens
// it with an optionally increased cooldown.
//
// Transitions are a pure function of counters, timestamps, and configured
// thresholds; the content of individual call payloads never influences them.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the operation while a breaker is
// OPEN, and to concurrent callers racing the single HALF_OPEN trial. It is a
// fast-fail signal, not an invocation failure: breakers never count ErrOpen
// toward their own failure counters, so an open circuit cannot reinforce
// itself from the rejections it generates.
var ErrOpen = errors.New("circuit open")

// State identifies the breaker position for one serviceKey.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a breaker's transition thresholds.
type Config struct {
	// FailureThreshold is the failure count within Window that trips the
	// breaker from CLOSED to OPEN.
	FailureThreshold int
	// Window bounds the failure-counting interval; the counter resets when a
	// failure arrives after the window expired.
	Window time.Duration
	// Cooldown is how long the breaker stays OPEN before admitting the
	// HALF_OPEN trial call.
	Cooldown time.Duration
	// CooldownMultiplier scales the cooldown after a failed trial, to avoid
	// rapid flapping. Values at or below 1 keep the cooldown constant.
	CooldownMultiplier float64
	// MaxCooldown caps multiplier growth.
	MaxCooldown time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultWindow           = time.Minute
	defaultCooldown         = time.Minute
	defaultMultiplier       = 2.0
	defaultMaxCooldown      = 10 * time.Minute
)

// DefaultConfig returns the baseline breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   defaultFailureThreshold,
		Window:             defaultWindow,
		Cooldown:           defaultCooldown,
		CooldownMultiplier: defaultMultiplier,
		MaxCooldown:        defaultMaxCooldown,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}

	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}

	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}

	if cfg.CooldownMultiplier < 1 {
		cfg.CooldownMultiplier = 1
	}

	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = defaults.MaxCooldown
	}

	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
}

// Breaker guards a single collaborator. All state transitions happen under
// one mutex so two goroutines can never both be admitted as the HALF_OPEN
// trial, and counter updates are never lost.
type Breaker struct {
	serviceKey string
	cfg        Config

	mu            sync.Mutex
	state         State
	failureCount  int
	windowStart   time.Time
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool

	now func() time.Time
}

// New creates a breaker for serviceKey in the CLOSED state.
func New(serviceKey string, cfg Config) *Breaker {
	cfg.normalize()

	b := &Breaker{
		serviceKey: serviceKey,
		cfg:        cfg,
		state:      StateClosed,
		cooldown:   cfg.Cooldown,
		now:        time.Now,
	}
	b.windowStart = b.now()

	return b
}

// Execute runs operation through the breaker. While OPEN it returns ErrOpen
// immediately without invoking the operation. The operation itself runs
// outside the breaker's lock so slow collaborators do not serialize callers.
func (b *Breaker) Execute(operation func() (any, error)) (any, error) {
	trial, err := b.allow()
	if err != nil {
		return nil, err
	}

	result, opErr := operation()
	b.record(trial, opErr)

	return result, opErr
}

// State returns the current state. An elapsed cooldown is not reflected
// until a call is admitted as the trial, so an idle OPEN breaker reads OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// FailureCount returns the failure counter of the current window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failureCount
}

// allow decides whether the caller may invoke the operation. The second
// return is ErrOpen when the call must fail fast. The boolean reports
// whether the caller holds the single HALF_OPEN trial slot.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, fmt.Errorf("%s: %w", b.serviceKey, ErrOpen)
		}

		b.state = StateHalfOpen
		b.trialInFlight = true

		return true, nil

	case StateHalfOpen:
		if b.trialInFlight {
			return false, fmt.Errorf("%s: %w", b.serviceKey, ErrOpen)
		}

		b.trialInFlight = true

		return true, nil
	}

	return false, nil
}

// record applies the operation outcome to the state machine.
func (b *Breaker) record(trial bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if opErr == nil {
		b.onSuccess(trial)

		return
	}

	// Fast-fails generated by a breaker (possibly one nested inside the
	// operation) are not real invocation failures.
	if errors.Is(opErr, ErrOpen) {
		if trial && b.state == StateHalfOpen {
			b.state = StateOpen
		}

		return
	}

	b.onFailure(trial)
}

func (b *Breaker) onSuccess(trial bool) {
	if trial && b.state == StateHalfOpen {
		b.state = StateClosed
		b.failureCount = 0
		b.windowStart = b.now()
		b.cooldown = b.cfg.Cooldown
	}
}

func (b *Breaker) onFailure(trial bool) {
	now := b.now()

	if trial && b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.cooldown = b.nextCooldown()

		return
	}

	if b.state != StateClosed {
		return
	}

	if now.Sub(b.windowStart) > b.cfg.Window {
		b.windowStart = now
		b.failureCount = 0
	}

	b.failureCount++

	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

func (b *Breaker) nextCooldown() time.Duration {
	next := time.Duration(float64(b.cooldown) * b.cfg.CooldownMultiplier)
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}

	if next < b.cfg.Cooldown {
		next = b.cfg.Cooldown
	}

	return next
}
