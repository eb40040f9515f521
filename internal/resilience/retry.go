package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted is matched by every [*ExhaustedError].
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is returned by [Retry] when every attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.Last)
}

// Unwrap exposes [ErrExhausted] and the last attempt's error.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// Policy configures bounded retries with exponential backoff. The delay
// before attempt k+1 is BaseDelay·Multiplier^(k−1), capped at MaxDelay when
// MaxDelay is positive. There is no delay after the last attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Retryable reports whether err is worth another attempt. Nil treats
	// every error as retryable. Context cancellation is never retried.
	Retryable func(error) bool
}

// Delay returns the wait after failed attempt k (1-based).
func (p Policy) Delay(k int) time.Duration {
	if k < 1 || p.BaseDelay <= 0 {
		return 0
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := float64(p.BaseDelay) * math.Pow(m, float64(k-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Retry calls fn up to p.MaxAttempts times (at least once), passing the
// 1-based attempt number. It returns the first success. A non-retryable
// error is returned unchanged without further attempts. When attempts run
// out the result is an [*ExhaustedError]. Cancellation of ctx while waiting
// returns ctx.Err().
func Retry[R any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (R, error)) (R, error) {
	var zero R
	attempts := max(p.MaxAttempts, 1)

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := fn(ctx, attempt)
		if err == nil {
			return res, nil
		}
		last = err
		if !p.retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		if d := p.Delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}
