// Package lockmgr implements the two locking disciplines the cache
// coordinator relies on: a single global lock file mediating brief
// multi-path state transitions, and per-entry advisory locks on body files
// held for the duration of an active fetch.
//
// Both are backed by OS-level advisory locks (via github.com/gofrs/flock)
// rather than in-process mutexes, because the external cleanup/report
// collaborators (spec.md §1) run as separate processes against the same
// on-disk cache tree and must serialize against this daemon through the
// filesystem, not shared memory.
package lockmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Manager owns the global lock file and hands out per-entry body locks
// rooted at the same cache directory.
type Manager struct {
	global *flock.Flock
}

// New creates a Manager whose global lock file lives at cacheDir/exlock,
// matching the on-disk layout in spec.md §6.
func New(cacheDir string) (*Manager, error) {
	path := filepath.Join(cacheDir, "exlock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockmgr: creating cache dir: %w", err)
	}
	if _, err := os.OpenFile(path, os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("lockmgr: creating global lock file: %w", err)
	}
	return &Manager{global: flock.New(path)}, nil
}

// GlobalUnlock releases a held global lock. Callers get one from
// AcquireGlobal; never nest acquisitions (spec.md §4.1: "callers must not
// nest").
type GlobalUnlock func()

// AcquireGlobal blocks (bounded by ctx) until the global lock is held, and
// returns a function to release it. Failure to obtain it is fatal for the
// request per spec.md §4.1 ("500 Configuration error or equivalent") —
// callers should map a non-nil error to that response.
func (m *Manager) AcquireGlobal(ctx context.Context) (GlobalUnlock, error) {
	locked, err := m.global.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lockmgr: acquiring global lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lockmgr: global lock unavailable")
	}
	return func() {
		_ = m.global.Unlock()
	}, nil
}

// BodyLock wraps the advisory lock on a single object's body file.
type BodyLock struct {
	fl *flock.Flock
}

// OpenBody returns the advisory lock handle for a body file, without
// acquiring it. Path is the body file's location on disk
// (packages/<vhost>/<uri>).
func OpenBody(path string) *BodyLock {
	return &BodyLock{fl: flock.New(path)}
}

// Acquire takes the exclusive body lock for the lifetime of a fetch. The
// caller must call Release when the fetch commits or fails.
func (b *BodyLock) Acquire() error {
	if err := b.fl.Lock(); err != nil {
		return fmt.Errorf("lockmgr: acquiring body lock: %w", err)
	}
	return nil
}

// Release drops the exclusive body lock.
func (b *BodyLock) Release() error {
	return b.fl.Unlock()
}

// Probe performs the non-blocking check spec.md §4.1 describes: it
// distinguishes "a fetcher is writing" (lock held by someone) from
// "previous fetch crashed" (lock free). It never blocks.
func (b *BodyLock) Probe() (held bool, err error) {
	locked, err := b.fl.TryRLock()
	if err != nil {
		return false, fmt.Errorf("lockmgr: probing body lock: %w", err)
	}
	if locked {
		// We only wanted to test; release our own read lock immediately.
		_ = b.fl.Unlock()
		return false, nil
	}
	return true, nil
}
