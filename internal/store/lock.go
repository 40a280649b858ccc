package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
)

// LockFileName is the exclusive write lock inside an index directory.
const LockFileName = "write.lock"

// lockRetryDelay is how often a contended lock is retried.
const lockRetryDelay = 10 * time.Millisecond

// WriteLock is the cross-process exclusive write lock of one index,
// backed by gofrs/flock on <index>/write.lock.
type WriteLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewWriteLock returns the (unacquired) write lock for the index at dir.
func NewWriteLock(dir string) *WriteLock {
	path := filepath.Join(dir, LockFileName)
	return &WriteLock{path: path, flock: flock.New(path)}
}

// Acquire takes the lock, waiting up to timeout for another holder to let
// go. Expiry yields a lock timeout error.
func (l *WriteLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return gserrors.IOError("failed to create lock directory", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := l.flock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return gserrors.LockError(l.path, fmt.Errorf("not released within %s", timeout))
		}
		return gserrors.New(gserrors.ErrCodeLockHeld, "failed to acquire write lock", err).WithDetail("lock", l.path)
	}
	if !ok {
		return gserrors.LockError(l.path, nil)
	}
	l.locked = true
	return nil
}

// Release gives up the lock. It is safe to call on an unheld lock.
func (l *WriteLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return gserrors.IOError("failed to release write lock", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *WriteLock) Path() string { return l.path }

// Held reports whether this handle holds the lock.
func (l *WriteLock) Held() bool { return l.locked }
