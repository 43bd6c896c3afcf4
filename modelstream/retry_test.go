package modelstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, MaxDelay: 0.1, BackoffMultiplier: 2}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", ErrorFromStatusCode(429, "slow down", "test", nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		attempts++
		return "", ErrorFromStatusCode(401, "bad key", "test", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		attempts++
		return 0, ErrorFromStatusCode(500, "boom", "test", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + MaxRetries
}

func TestRetryAfterOverridesDelay(t *testing.T) {
	ra := 0.005
	attempts := 0
	start := time.Now()
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", ErrorFromStatusCode(429, "wait", "test", &ra)
		}
		return "fine", nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRetryAfterBeyondMaxDelaySurfacesImmediately(t *testing.T) {
	ra := 10.0 // exceeds MaxDelay of 0.1s
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		attempts++
		return "", ErrorFromStatusCode(429, "wait a lot", "test", &ra)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 10, MaxDelay: 60, BackoffMultiplier: 2}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return "", ErrorFromStatusCode(500, "boom", "test", nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{BaseDelay: 1, MaxDelay: 60, BackoffMultiplier: 2}
	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 60*time.Second, p.Delay(10)) // capped
}

func TestOnRetryCallbackReportsAttempts(t *testing.T) {
	p := fastPolicy()
	var reported []int
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		reported = append(reported, attempt)
	}
	attempts := 0
	_, err := Retry(context.Background(), p, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", ErrorFromStatusCode(503, "busy", "test", nil)
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, reported)
}

func TestWrappedErrorsAreNotRetried(t *testing.T) {
	// Adapters return taxonomy types directly; a wrapped error is opaque to
	// the retry classifier and surfaces on the first attempt.
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		attempts++
		return "", fmt.Errorf("transport: %w", ErrorFromStatusCode(503, "busy", "test", nil))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
