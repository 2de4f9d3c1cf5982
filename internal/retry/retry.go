// Package retry implements the bounded retry loop used around individual
// network calls. The delay between attempts is fixed; callers that need to
// give up sooner cancel the context.
package retry

import (
	"context"
	"time"
)

// Sleep is swapped out in tests so retry timing never depends on the wall
// clock.
type Sleep func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy bounds how often an operation is attempted.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Sleep    Sleep
}

// Do runs fn up to p.Attempts times, stopping early on success or when
// retryable reports the error as permanent. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			return serr
		}
	}
	return err
}
