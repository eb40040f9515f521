package stt

import (
	"context"
	"errors"
	"time"
)

// CallWithTimeout runs fn with a deadline of timeout and reports
// [ErrTimeout] as soon as the deadline passes, even if fn ignores its
// context and keeps running. A non-positive timeout disables the deadline.
//
// Cancellation of the parent ctx is returned as ctx.Err(), not as a timeout.
func CallWithTimeout(ctx context.Context, provider string, timeout time.Duration, fn func(context.Context) (string, error)) (string, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := fn(callCtx)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		// A result that lands after the deadline still counts as a timeout.
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			cause := r.err
			if cause == nil {
				cause = callCtx.Err()
			}
			return "", Timeout(provider, cause)
		}
		return r.text, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", Timeout(provider, callCtx.Err())
	}
}
