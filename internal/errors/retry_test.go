package errors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		attempts++
		if attempts < 3 {
			return Newf(ErrCodeEmbeddingUnavailable, "transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		attempts++
		return Newf(ErrCodeInvalidQuery, "bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsCode(err, ErrCodeInvalidQuery))
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(2), func() error {
		attempts++
		return Newf(ErrCodeTimeout, "still slow")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt plus two retries
	assert.True(t, IsCode(err, ErrCodeTimeout))
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetry(3), func() error {
		return Newf(ErrCodeTimeout, "never reached")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetry(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", Newf(ErrCodeSessionUnavailable, "warming up")
		}
		return "ready", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ready", got)
}

func TestRetry_PlainErrorIsNotRetried(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		attempts++
		return context.DeadlineExceeded
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
