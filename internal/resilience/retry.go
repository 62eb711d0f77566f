package resilience

import (
	"context"
	"time"
)

// RetryOptions controls WithRetry. Factor defaults to 2.
type RetryOptions struct {
	Retries   int
	BaseDelay time.Duration
	Factor    float64
	// Retryable decides whether an error is worth retrying. Nil means
	// every error is retryable.
	Retryable func(error) bool
	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithRetry runs task, retrying with exponential backoff while the attempt
// count stays within budget and the error is retryable. The delay before
// attempt n+1 is BaseDelay × Factor^(n-1). A non-retryable error or an
// exhausted budget propagates immediately.
func WithRetry(ctx context.Context, task func(context.Context) error, opts RetryOptions) error {
	factor := opts.Factor
	if factor == 0 {
		factor = 2
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}

	attempt := 0
	for {
		err := task(ctx)
		if err == nil {
			return nil
		}
		attempt++
		if attempt > opts.Retries {
			return err
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return err
		}

		delay := opts.BaseDelay
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * factor)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}
