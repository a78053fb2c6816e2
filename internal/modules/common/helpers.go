package common

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryWithTimeout runs fn up to attempts times, sleeping delay on clock
// between failures. It gives up early when ctx is done. A non-positive delay
// retries immediately.
func RetryWithTimeout(ctx context.Context, clock clockwork.Clock, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if delay <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
	}
	return lastErr
}

// Ratio returns num/den and false when den is zero.
func Ratio(num, den uint64) (float64, bool) {
	if den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}
