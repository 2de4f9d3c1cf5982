package runstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps run state under one directory: <job>.heartbeat holds an
// RFC3339 timestamp and is replaced atomically; <job>.lock is created with
// O_EXCL and holds the owning pid.
//
// Known limitation: a lock file does not prove its owner is alive. A crash
// leaves the file behind, so locks older than stale are broken on acquire.
// That heuristic cannot tell a crashed owner from a very slow one and does
// not survive pid reuse; deployments that need stronger guarantees should
// use the redis store, whose locks expire server-side.
type FileStore struct {
	dir   string
	stale time.Duration
	now   func() time.Time
}

func NewFileStore(dir string, stale time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, stale: stale, now: time.Now}, nil
}

func (s *FileStore) heartbeatPath(job string) string {
	return filepath.Join(s.dir, sanitize(job)+".heartbeat")
}

func (s *FileStore) lockPath(job string) string {
	return filepath.Join(s.dir, sanitize(job)+".lock")
}

func (s *FileStore) LastHeartbeat(_ context.Context, job string) (time.Time, bool, error) {
	data, err := os.ReadFile(s.heartbeatPath(job))
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("runstate: corrupt heartbeat for %s: %w", job, err)
	}
	return at, true, nil
}

func (s *FileStore) RecordHeartbeat(_ context.Context, job string, at time.Time) error {
	path := s.heartbeatPath(job)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(at.UTC().Format(time.RFC3339Nano)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) AcquireLock(ctx context.Context, job string) (func() error, error) {
	path := s.lockPath(job)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), s.now().UTC().Format(time.RFC3339Nano))
			f.Close()
			return func() error {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
				return nil
			}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if attempt == 0 && s.breakIfStale(path) {
			continue
		}
		return nil, ErrAlreadyRunning
	}
	return nil, ErrAlreadyRunning
}

// breakIfStale removes an abandoned lock. Returns true when the caller
// should retry acquisition.
func (s *FileStore) breakIfStale(path string) bool {
	if s.stale <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || s.now().Sub(info.ModTime()) < s.stale {
		return false
	}
	return os.Remove(path) == nil
}

func sanitize(job string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, job)
}
