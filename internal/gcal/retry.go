package gcal

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default retry parameters for provider calls.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
)

// RetryOptions controls WithRetry. Zero values fall back to the
// package defaults.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// OnRetry is invoked before each wait, for diagnostics.
	OnRetry func(err *APIError, attempt int)

	// sleep is overridable in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}

	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}

	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}

	if o.sleep == nil {
		o.sleep = sleepContext
	}

	return o
}

// WithRetry runs fn up to MaxAttempts times. Non-retryable failures
// surface immediately; retryable ones wait for the provider-suggested
// delay when present, otherwise an exponentially growing delay capped
// at MaxDelay. The returned error is always a classified *APIError.
func WithRetry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr *APIError

	delay := opts.InitialDelay

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = Classify(err)

		if !lastErr.Retryable || attempt == opts.MaxAttempts {
			return zero, lastErr
		}

		wait := delay
		if lastErr.RetryAfter > 0 {
			wait = lastErr.RetryAfter
		}

		if opts.OnRetry != nil {
			opts.OnRetry(lastErr, attempt)
		}

		if sleepErr := opts.sleep(ctx, wait); sleepErr != nil {
			return zero, Classify(sleepErr)
		}

		delay = time.Duration(float64(delay) * opts.Multiplier)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}

	return zero, lastErr
}

// BatchSize is the fixed concurrency width for maintenance sweeps.
const BatchSize = 5

// DefaultBatchPause is the wait between batch groups when the caller
// has no stricter rate limit to respect.
const DefaultBatchPause = 500 * time.Millisecond

// BatchFailure pairs a failed item with its classified error.
type BatchFailure[T any] struct {
	Item T
	Err  *APIError
}

// ProcessBatches runs fn over items in fixed-size concurrent groups of
// BatchSize, pausing between groups to respect provider rate limits.
// One item's failure never aborts the rest; the failed subset is
// returned alongside the count of successes.
func ProcessBatches[T any](ctx context.Context, items []T, pause time.Duration, fn func(ctx context.Context, item T) error) (succeeded int, failed []BatchFailure[T]) {
	type outcome struct {
		item T
		err  *APIError
	}

	for start := 0; start < len(items); start += BatchSize {
		end := min(start+BatchSize, len(items))
		batch := items[start:end]
		outcomes := make([]outcome, len(batch))

		g, gctx := errgroup.WithContext(ctx)

		for i, item := range batch {
			i, item := i, item
			g.Go(func() error {
				if err := fn(gctx, item); err != nil {
					outcomes[i] = outcome{item: item, err: Classify(err)}
				} else {
					outcomes[i] = outcome{item: item}
				}

				// Failures are captured per-item, never propagated to the group.
				return nil
			})
		}

		_ = g.Wait()

		for _, o := range outcomes {
			if o.err != nil {
				failed = append(failed, BatchFailure[T]{Item: o.item, Err: o.err})
			} else {
				succeeded++
			}
		}

		if end < len(items) {
			if err := sleepContext(ctx, pause); err != nil {
				return succeeded, failed
			}
		}
	}

	return succeeded, failed
}

// sleepContext waits for d or until ctx is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
