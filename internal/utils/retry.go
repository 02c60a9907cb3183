package utils

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, doubling the wait between failures
// starting from base. It stops early when ctx is cancelled. The last error
// is returned when every attempt fails.
//
// Intended for connection acquisition; transactional work is not retried
// automatically.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
