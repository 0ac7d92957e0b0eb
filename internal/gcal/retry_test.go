package gcal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry returns retry options that never actually sleep.
func fastRetry() RetryOptions {
	return RetryOptions{sleep: noopSleep}
}

func TestWithRetry_SuccessFirstAttempt(t *testing.T) {
	var calls atomic.Int32

	result, err := WithRetry(context.Background(), fastRetry(), func(_ context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetry_RetryableThenSuccess(t *testing.T) {
	var calls atomic.Int32

	result, err := WithRetry(context.Background(), fastRetry(), func(_ context.Context) (int, error) {
		if calls.Add(1) <= 2 {
			return 0, &APIError{Kind: KindServerError, Retryable: true, Err: ErrServerError}
		}

		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	var calls atomic.Int32

	_, err := WithRetry(context.Background(), fastRetry(), func(_ context.Context) (string, error) {
		calls.Add(1)
		return "", &APIError{Kind: KindNotFound, Retryable: false, Err: ErrNotFound}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetry_AttemptsExhausted(t *testing.T) {
	var calls atomic.Int32

	_, err := WithRetry(context.Background(), fastRetry(), func(_ context.Context) (string, error) {
		calls.Add(1)
		return "", &APIError{Kind: KindServerError, Retryable: true, Err: ErrServerError}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())
}

func TestWithRetry_PrefersRetryAfterHint(t *testing.T) {
	var waits []time.Duration

	opts := RetryOptions{
		sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	var calls atomic.Int32

	_, err := WithRetry(context.Background(), opts, func(_ context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", &APIError{Kind: KindRateLimit, Retryable: true, RetryAfter: 7 * time.Second, Err: ErrRateLimit}
		}

		return "ok", nil
	})
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, 7*time.Second, waits[0])
}

func TestWithRetry_BackoffGrowsAndCaps(t *testing.T) {
	var waits []time.Duration

	opts := RetryOptions{
		MaxAttempts:  5,
		InitialDelay: 20 * time.Second,
		MaxDelay:     30 * time.Second,
		sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	_, err := WithRetry(context.Background(), opts, func(_ context.Context) (string, error) {
		return "", &APIError{Kind: KindServerError, Retryable: true, Err: ErrServerError}
	})
	require.Error(t, err)

	// 20s, then 40s capped to 30s for all remaining waits.
	require.Len(t, waits, 4)
	assert.Equal(t, 20*time.Second, waits[0])
	assert.Equal(t, 30*time.Second, waits[1])
	assert.Equal(t, 30*time.Second, waits[2])
	assert.Equal(t, 30*time.Second, waits[3])
}

func TestWithRetry_OnRetryObserver(t *testing.T) {
	var observed []int

	opts := RetryOptions{
		sleep: noopSleep,
		OnRetry: func(_ *APIError, attempt int) {
			observed = append(observed, attempt)
		},
	}

	_, err := WithRetry(context.Background(), opts, func(_ context.Context) (string, error) {
		return "", &APIError{Kind: KindServerError, Retryable: true, Err: ErrServerError}
	})
	require.Error(t, err)

	// No observer call after the final attempt.
	assert.Equal(t, []int{1, 2}, observed)
}

func TestWithRetry_UnclassifiedErrorIsClassified(t *testing.T) {
	_, err := WithRetry(context.Background(), fastRetry(), func(_ context.Context) (string, error) {
		return "", errors.New("plain error")
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindUnknown, apiErr.Kind)
}

func TestWithRetry_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := RetryOptions{
		sleep: func(_ context.Context, _ time.Duration) error {
			cancel()
			return context.Canceled
		},
	}

	var calls atomic.Int32

	_, err := WithRetry(ctx, opts, func(_ context.Context) (string, error) {
		calls.Add(1)
		return "", &APIError{Kind: KindServerError, Retryable: true, Err: ErrServerError}
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcessBatches_AllSucceed(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	var processed atomic.Int32

	succeeded, failed := ProcessBatches(context.Background(), items, 0, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})
	assert.Equal(t, 7, succeeded)
	assert.Empty(t, failed)
	assert.Equal(t, int32(7), processed.Load())
}

func TestProcessBatches_FailureIsolation(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}

	succeeded, failed := ProcessBatches(context.Background(), items, 0, func(_ context.Context, item int) error {
		if item == 3 {
			return &APIError{Kind: KindServerError, Retryable: true, Err: ErrServerError}
		}

		return nil
	})
	assert.Equal(t, 5, succeeded)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Item)
	assert.Equal(t, KindServerError, failed[0].Err.Kind)
}

func TestProcessBatches_ConcurrencyBounded(t *testing.T) {
	items := make([]int, 12)

	var current, peak atomic.Int32

	_, failed := ProcessBatches(context.Background(), items, 0, func(_ context.Context, _ int) error {
		n := current.Add(1)
		defer current.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)

		return nil
	})
	assert.Empty(t, failed)
	assert.LessOrEqual(t, peak.Load(), int32(BatchSize))
}

func TestProcessBatches_Empty(t *testing.T) {
	succeeded, failed := ProcessBatches(context.Background(), nil, 0, func(_ context.Context, _ int) error {
		t.Fatal("should not be called")
		return nil
	})
	assert.Zero(t, succeeded)
	assert.Empty(t, failed)
}

func TestSleepContext_Completes(t *testing.T) {
	err := sleepContext(context.Background(), 5*time.Millisecond)
	assert.NoError(t, err)
}

func TestSleepContext_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepContext(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
