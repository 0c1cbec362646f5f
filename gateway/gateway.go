// Package gateway defines the Remote Call Gateway contract through which the
// orchestrator reaches its collaborators, together with the error taxonomy
// that governs retry behavior.
//
// A gateway implementation wraps whatever transport (HTTP, RPC, queue)
// reaches a collaborator. The Retrying decorator supplies bounded retry for
// transient failures so that the circuit breaker and the orchestrator only
// ever see post-retry outcomes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avandros/coordinate/backoff"
)

// Invoker performs a remote call against the collaborator identified by
// serviceKey. Implementations own the wire protocol; callers own the
// request/response payload encoding.
type Invoker interface {
	Invoke(ctx context.Context, serviceKey string, request []byte) ([]byte, error)
}

// InvokerFunc adapts an ordinary function to the Invoker interface.
type InvokerFunc func(ctx context.Context, serviceKey string, request []byte) ([]byte, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, serviceKey string, request []byte) ([]byte, error) {
	return f(ctx, serviceKey, request)
}

// TransientError marks a failure that may succeed on retry: timeouts,
// connection resets, 5xx-equivalents.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: validation
// failures, 4xx-equivalents. It surfaces immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Wrapping nil returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. Wrapping nil returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsTransient reports whether err is retryable. A deadline expiry counts as
// transient (the call timed out, the collaborator may recover); everything
// not explicitly marked permanent is assumed transient so that unclassified
// infrastructure errors still get their bounded retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsPermanent(err) {
		return false
	}

	return true
}

// IsPermanent reports whether err was classified as non-retryable.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}

// RetryConfig bounds the Retrying decorator.
type RetryConfig struct {
	// MaxAttempts is the total number of invocation attempts, including the
	// first. Values below 1 are clamped to the default.
	MaxAttempts int
	// BaseDelay is the base for exponential jittered backoff between attempts.
	BaseDelay time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
)

// DefaultRetryConfig returns the baseline retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
	}
}

func (cfg *RetryConfig) normalize() {
	defaults := DefaultRetryConfig()

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
}

// Retrying decorates an Invoker with bounded retry for transient errors.
type Retrying struct {
	next   Invoker
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetrying wraps next with the given retry policy. A nil logger is
// replaced with a no-op logger.
func NewRetrying(next Invoker, cfg RetryConfig, logger *zap.Logger) *Retrying {
	cfg.normalize()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Retrying{next: next, cfg: cfg, logger: logger}
}

// Invoke calls the wrapped invoker, retrying transient failures with
// exponential jittered backoff until MaxAttempts is exhausted. Permanent
// errors and context cancellation surface immediately.
func (r *Retrying) Invoke(ctx context.Context, serviceKey string, request []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		response, err := r.next.Invoke(ctx, serviceKey, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}

		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		r.logger.Debug("retrying transient failure",
			zap.String("service_key", serviceKey),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		delay := backoff.ExponentialWithJitter(r.cfg.BaseDelay, attempt)
		if waitErr := backoff.Sleep(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}

	return nil, fmt.Errorf("invoke %s: retries exhausted after %d attempts: %w",
		serviceKey, r.cfg.MaxAttempts, lastErr)
}
