package runstate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*Gate, *FileStore, *time.Time) {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), 2*time.Hour)
	require.NoError(t, err)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }
	store.now = tick

	g := NewGate(store)
	g.now = tick
	return g, store, clock
}

func TestIntervalPolicyRefusesRecentRun(t *testing.T) {
	g, store, clock := newTestGate(t)
	ctx := context.Background()

	// Heartbeat recorded 1800s ago, interval 3600s: refuse.
	require.NoError(t, store.RecordHeartbeat(ctx, "sync", clock.Add(-1800*time.Second)))

	err := g.Run(ctx, "sync", RunOptions{Interval: 3600 * time.Second}, func(context.Context, func()) error {
		t.Fatal("job must not run")
		return nil
	})
	require.ErrorIs(t, err, ErrTooSoon)
	require.True(t, IsRefusal(err))
}

func TestIntervalPolicyForceOverride(t *testing.T) {
	g, store, clock := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, store.RecordHeartbeat(ctx, "sync", clock.Add(-time.Second)))

	ran := false
	err := g.Run(ctx, "sync", RunOptions{Interval: 3600 * time.Second, Force: true}, func(context.Context, func()) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestIntervalPolicyFirstRunProceeds(t *testing.T) {
	g, _, _ := newTestGate(t)

	ran := false
	err := g.Run(context.Background(), "sync", RunOptions{Interval: 3600 * time.Second}, func(context.Context, func()) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestSerialPolicySkipsOverlappingRun(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	err := g.Run(ctx, "sync", RunOptions{}, func(context.Context, func()) error {
		// A second invocation while the first holds the lock is skipped,
		// not queued.
		inner := g.Run(ctx, "sync", RunOptions{}, func(context.Context, func()) error {
			t.Fatal("overlapping run must not execute")
			return nil
		})
		require.ErrorIs(t, inner, ErrAlreadyRunning)
		require.True(t, IsRefusal(inner))
		return nil
	})
	require.NoError(t, err)

	// Lock released after the outer run: a new invocation proceeds.
	err = g.Run(ctx, "other-window", RunOptions{}, func(context.Context, func()) error { return nil })
	require.NoError(t, err)
}

func TestStaleLockIsBroken(t *testing.T) {
	g, store, clock := newTestGate(t)
	ctx := context.Background()

	release, err := store.AcquireLock(ctx, "sync")
	require.NoError(t, err)
	_ = release // simulate a crash: never released

	// Age the lock file past the staleness bound.
	lock := filepath.Join(store.dir, "sync.lock")
	old := clock.Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	ran := false
	err = g.Run(ctx, "sync", RunOptions{}, func(context.Context, func()) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestFinalHeartbeatRecordedOnSuccessOnly(t *testing.T) {
	g, store, clock := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, g.Run(ctx, "sync", RunOptions{}, func(context.Context, func()) error { return nil }))
	at, ok, err := store.LastHeartbeat(ctx, "sync")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, at.Equal(*clock), "final heartbeat must be the completion time")

	boom := errors.New("boom")
	*clock = clock.Add(time.Hour)
	err = g.Run(ctx, "failing", RunOptions{}, func(context.Context, func()) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, IsRefusal(err))
	_, ok, err = store.LastHeartbeat(ctx, "failing")
	require.NoError(t, err)
	require.False(t, ok, "a failed run records no completion heartbeat")
}

func TestHeartbeatWritesAreRateLimited(t *testing.T) {
	g, store, clock := newTestGate(t)
	ctx := context.Background()

	var seen []time.Time
	err := g.Run(ctx, "sync", RunOptions{}, func(_ context.Context, beat func()) error {
		record := func() {
			at, ok, err := store.LastHeartbeat(ctx, "sync")
			require.NoError(t, err)
			if ok && (len(seen) == 0 || !seen[len(seen)-1].Equal(at)) {
				seen = append(seen, at)
			}
		}
		beat()
		record()
		beat() // same instant: must be swallowed
		beat()
		record()
		*clock = clock.Add(1500 * time.Millisecond)
		beat()
		record()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2, "three beats within one second must collapse to one write")
}

func TestHeartbeatSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 0)
	require.NoError(t, err)
	ctx := context.Background()

	at := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	require.NoError(t, store.RecordHeartbeat(ctx, "nightly-sync", at))

	// A fresh store over the same directory sees the record.
	reopened, err := NewFileStore(dir, 0)
	require.NoError(t, err)
	got, ok, err := reopened.LastHeartbeat(ctx, "nightly-sync")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(at))
}

func TestJobNamesAreSanitized(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.RecordHeartbeat(ctx, "sync images/prod", time.Now()))
	_, ok, err := store.LastHeartbeat(ctx, "sync images/prod")
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), "/")
	}
}
