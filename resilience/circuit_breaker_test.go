package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 3})
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errBoom })
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCircuitResetsFailureCountOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 3})
	_ = cb.Execute(context.Background(), func() error { return errBoom })
	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return errBoom })
	_ = cb.Execute(context.Background(), func() error { return errBoom })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitHalfOpensAfterRecoveryTimeoutAndClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = cb.Execute(context.Background(), func() error { return errBoom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitReopensIfHalfOpenProbeFails(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = cb.Execute(context.Background(), func() error { return errBoom })
	time.Sleep(15 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultClassifierIgnoresCancellation(t *testing.T) {
	assert.False(t, DefaultErrorClassifier(context.Canceled))
	assert.False(t, DefaultErrorClassifier(context.DeadlineExceeded))
	assert.True(t, DefaultErrorClassifier(errBoom))
	assert.False(t, DefaultErrorClassifier(nil))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}, func() error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryReturnsWrappedErrorAfterExhaustingAttempts(t *testing.T) {
	err := Retry(context.Background(), &RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}, func() error {
		return errBoom
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestRetryWithCircuitBreakerStopsEarlyOnceOpen(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}, cb, func() error {
		calls++
		return errBoom
	})
	assert.Error(t, err)
	assert.Less(t, calls, 5)
}
