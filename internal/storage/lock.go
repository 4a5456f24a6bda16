package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Write-lock retry policy: exponential backoff from 200ms, factor 2,
// up to 5 attempts.
const (
	lockRetryAttempts = 5
	lockRetryInitial  = 200 * time.Millisecond
)

// writeLock serializes writers on a dataset directory via an index.lock file.
// Works across processes on all platforms.
type writeLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

func newWriteLock(dir string) *writeLock {
	lockPath := filepath.Join(dir, "index.lock")
	return &writeLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Acquire attempts to take the exclusive lock, retrying with exponential
// backoff on contention.
func (l *writeLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	delay := lockRetryInitial
	for attempt := 1; attempt <= lockRetryAttempts; attempt++ {
		acquired, err := l.flock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire write lock: %w", err)
		}
		if acquired {
			l.locked = true
			return nil
		}
		if attempt == lockRetryAttempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("write lock on %s held by another writer after %d attempts", l.path, lockRetryAttempts)
}

// Release drops the lock. Safe to call on an unlocked writeLock.
func (l *writeLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release write lock: %w", err)
	}
	return nil
}
