// Package runstate persists per-job run records across process invocations
// and enforces the two scheduling policies: minimum interval between runs and
// non-overlapping execution.
package runstate

import (
	"context"
	"errors"
	"time"
)

// Policy refusals. These are clean no-op exits, not failures; callers
// distinguish "nothing to do" from "something went wrong" with IsRefusal.
var (
	ErrAlreadyRunning = errors.New("runstate: job is already running")
	ErrTooSoon        = errors.New("runstate: interval has not elapsed since last run")
)

func IsRefusal(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrTooSoon)
}

// Store persists heartbeats and exclusivity markers. The file store is the
// default; the redis store trades a network dependency for crash-safe locks.
type Store interface {
	// LastHeartbeat returns the job's last recorded heartbeat; ok is false
	// when the job has never run.
	LastHeartbeat(ctx context.Context, job string) (at time.Time, ok bool, err error)
	RecordHeartbeat(ctx context.Context, job string, at time.Time) error
	// AcquireLock takes the job's exclusive cross-process marker, returning
	// a release function, or ErrAlreadyRunning when another invocation
	// holds it.
	AcquireLock(ctx context.Context, job string) (release func() error, err error)
}
