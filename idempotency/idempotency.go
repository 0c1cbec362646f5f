// Package idempotency makes client-retriable operations safe to repeat: the
// first invocation under a key executes and records its outcome, every later
// invocation under the same key replays the recorded outcome without
// re-running the operation's side effects.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/avandros/coordinate/backoff"
)

// Record statuses.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

var (
	// ErrConflict is returned under the Reject policy when another caller
	// holds the key's in-progress reservation.
	ErrConflict = errors.New("idempotency: operation already in progress")

	// ErrNotFound is returned by Store.Get for absent or expired keys.
	ErrNotFound = errors.New("idempotency: record not found")

	ErrKeyRequired   = errors.New("idempotency: key is required")
	ErrStoreRequired = errors.New("idempotency: store is required")
)

// CachedFailure replays an operation error that was recorded under a key
// when failure caching is enabled.
type CachedFailure struct {
	Message string
}

func (e *CachedFailure) Error() string {
	return fmt.Sprintf("idempotency: replayed failure: %s", e.Message)
}

// Record tracks one key's execution outcome.
type Record struct {
	Key         string    `json:"key"`
	Status      string    `json:"status"`
	Result      []byte    `json:"result,omitempty"`
	ResultError string    `json:"result_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record's retention window has passed.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists idempotency records. Reserve must be a single atomic
// insert-if-absent so two concurrent duplicates can never both execute the
// underlying operation; expired records count as absent.
type Store interface {
	// Reserve atomically claims key as IN_PROGRESS for ttl. When the key is
	// already held it returns the existing record and reserved=false.
	Reserve(ctx context.Context, key string, ttl time.Duration) (existing *Record, reserved bool, err error)

	// Complete records the operation outcome for a reserved key.
	Complete(ctx context.Context, key string, result []byte, resultError string) error

	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Release drops a reservation so a later retry can re-execute. Used when
	// an operation fails and failures are not cached.
	Release(ctx context.Context, key string) error
}

// ConflictPolicy decides what a second concurrent caller observes while the
// first is still IN_PROGRESS.
type ConflictPolicy int

const (
	// Block waits for the first caller's outcome and returns it. The safer
	// default for synchronous callers.
	Block ConflictPolicy = iota
	// Reject fails fast with ErrConflict.
	Reject
)

// Config tunes the executor.
type Config struct {
	// Retention is how long recorded outcomes stay replayable. It must
	// exceed the longest plausible client retry interval.
	Retention time.Duration
	// PollInterval paces the Block policy's wait loop.
	PollInterval time.Duration
	// ConflictPolicy selects Block or Reject for concurrent duplicates.
	ConflictPolicy ConflictPolicy
	// CacheFailures records operation errors as the key's outcome; retries
	// then replay the failure instead of re-executing.
	CacheFailures bool
}

const (
	defaultRetention    = 24 * time.Hour
	defaultPollInterval = 25 * time.Millisecond
)

// DefaultConfig returns the baseline executor configuration.
func DefaultConfig() Config {
	return Config{
		Retention:      defaultRetention,
		PollInterval:   defaultPollInterval,
		ConflictPolicy: Block,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
}

// Executor is the idempotent front door for client-retriable operations.
type Executor struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

// NewExecutor creates an executor over store. A nil logger is replaced with
// a no-op logger.
func NewExecutor(store Store, cfg Config, logger *zap.Logger) (*Executor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	cfg.normalize()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{store: store, cfg: cfg, logger: logger}, nil
}

// Execute runs operation at most once per key. A COMPLETED record short
// circuits to the stored outcome; an IN_PROGRESS record is handled per the
// conflict policy; otherwise the key is reserved atomically, the operation
// runs, and its outcome is recorded.
func (e *Executor) Execute(ctx context.Context, key string, operation func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyRequired
	}

	for {
		existing, reserved, err := e.store.Reserve(ctx, key, e.cfg.Retention)
		if err != nil {
			return nil, fmt.Errorf("idempotency reserve %q: %w", key, err)
		}

		if reserved {
			return e.runReserved(ctx, key, operation)
		}

		if existing.Status == StatusCompleted {
			return replay(existing)
		}

		if e.cfg.ConflictPolicy == Reject {
			return nil, fmt.Errorf("%w: %s", ErrConflict, key)
		}

		result, done, err := e.awaitCompletion(ctx, key)
		if err != nil {
			return nil, err
		}

		if done {
			return result.result, result.err
		}
		// The reservation was released or expired; try to claim it ourselves.
	}
}

type replayed struct {
	result []byte
	err    error
}

func (e *Executor) runReserved(ctx context.Context, key string, operation func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	result, opErr := operation(ctx)

	if opErr != nil {
		if !e.cfg.CacheFailures {
			if releaseErr := e.store.Release(ctx, key); releaseErr != nil {
				e.logger.Error("failed to release idempotency key",
					zap.String("key", key), zap.Error(releaseErr))
			}

			return nil, opErr
		}

		if completeErr := e.store.Complete(ctx, key, nil, opErr.Error()); completeErr != nil {
			e.logger.Error("failed to record idempotent failure",
				zap.String("key", key), zap.Error(completeErr))
		}

		return nil, opErr
	}

	if err := e.store.Complete(ctx, key, result, ""); err != nil {
		// The side effects happened; losing the record only risks a
		// re-execution on retry, which the caller's operation must tolerate
		// no better or worse than any other store outage.
		return result, fmt.Errorf("idempotency complete %q: %w", key, err)
	}

	return result, nil
}

// awaitCompletion polls until the key's first caller records an outcome. The
// boolean reports whether an outcome was observed; false means the
// reservation vanished and the caller should retry reserving.
func (e *Executor) awaitCompletion(ctx context.Context, key string) (replayed, bool, error) {
	for {
		if err := backoff.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return replayed{}, false, err
		}

		record, err := e.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return replayed{}, false, nil
		}

		if err != nil {
			return replayed{}, false, fmt.Errorf("idempotency poll %q: %w", key, err)
		}

		if record.Status == StatusCompleted {
			result, err := replay(record)

			return replayed{result: result, err: err}, true, nil
		}
	}
}

func replay(record *Record) ([]byte, error) {
	if record.ResultError != "" {
		return nil, &CachedFailure{Message: record.ResultError}
	}

	return record.Result, nil
}
