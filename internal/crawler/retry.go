package crawler

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryPolicy controls RetryWithBackoff.
//   - Retries: total attempts (minimum 1).
//   - MinDelay: wait before the second attempt.
//   - Factor: multiplier applied per attempt (delay = MinDelay * Factor^(attempt-1)).
//   - MaxDelay: optional ceiling on a single wait.
type RetryPolicy struct {
	Retries  int           `mapstructure:"retries"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	Factor   float64       `mapstructure:"factor"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// Validate rejects unusable policies.
func (p RetryPolicy) Validate() error {
	if p.Retries <= 0 {
		return fmt.Errorf("retries must be > 0")
	}
	if p.MinDelay < 0 {
		return fmt.Errorf("min_delay must be >= 0")
	}
	if p.Factor < 1 {
		return fmt.Errorf("factor must be >= 1")
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.MinDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RetryWithBackoff calls fn until it returns a non-nil result. A nil result
// and a retryable error both consume an attempt. When attempts run out the
// result is nil with a nil error. Non-retryable errors and cancellation are
// returned immediately.
func RetryWithBackoff[T any](
	ctx context.Context,
	policy RetryPolicy,
	fn func(ctx context.Context, attempt int) (*T, error),
) (*T, error) {
	attempts := policy.Retries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, Classify(ErrCancelled, err)
		}
		res, err := fn(ctx, attempt)
		if err == nil && res != nil {
			return res, nil
		}
		if err != nil && !IsRetryable(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, policy.Delay(attempt)); err != nil {
			return nil, Classify(ErrCancelled, err)
		}
	}
	return nil, nil
}

// RetryErr is RetryWithBackoff for operations without a result. It returns
// the last error when attempts run out.
func RetryErr(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	var last error
	res, err := RetryWithBackoff(ctx, policy, func(ctx context.Context, attempt int) (*struct{}, error) {
		if err := fn(ctx, attempt); err != nil {
			last = err
			return nil, err
		}
		return &struct{}{}, nil
	})
	switch {
	case err != nil:
		return err
	case res == nil:
		return last
	default:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
