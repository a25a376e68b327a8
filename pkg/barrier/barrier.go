// Package barrier implements the process barrier: the named,
// inter-process synchronization primitives that coordinate loader
// processes with reader processes without any in-process shared state.
//
// Four named primitives, per spec:
//
//   - pending_update_mutex: serializes loader publications.
//   - query_mutex: protects the number_of_queries counter.
//   - region_mutex: a reader/writer lock; readers hold it shared for the
//     duration of a query, the loader takes it exclusive only to reclaim a
//     just-deactivated slot.
//   - no_running_queries_cv: signalled whenever number_of_queries reaches
//     zero.
//
// There is no cross-process futex or condition variable in the Go standard
// library or anywhere in this module's dependency stack, so the condition
// variable is realized as backoff-polling of the counter - the same shape
// this module's mmap'd-file ancestry already used for its seqlock retry
// loop, just applied to "wait for a value" instead of "retry a read".
package barrier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/meridian-routing/shmds/internal/fsx"
	"github.com/meridian-routing/shmds/pkg/region"
)

// ErrBarrierUnavailable means the named primitives could not be created or
// opened (typically a permissions or filesystem problem). Fatal on startup.
var ErrBarrierUnavailable = errors.New("barrier: unavailable")

const (
	pendingUpdateLockName = "pending_update.lock"
	regionLockName        = "region.lock"
	queryLockName         = "query.lock"
	counterRegionName     = "number_of_queries"
	counterRegionSize     = 8 // one int64, atomically loaded/stored.

	// pollInitialInterval/pollMaxInterval bound the doubling backoff step
	// used by WaitDrained. Short enough that a loader notices drain
	// promptly, long enough not to spin.
	pollInitialInterval = 200 * time.Microsecond
	pollMaxInterval     = 20 * time.Millisecond
)

// Barrier holds open handles to the four named primitives for one dataset
// directory. It is safe for concurrent use by multiple goroutines within a
// process; coordination across processes happens through the filesystem.
type Barrier struct {
	locker  *fsx.Locker
	baseDir string

	counterMgr    *region.Manager
	counterRegion *region.Region
}

// Open creates (if absent) and opens the named primitives rooted at
// baseDir. The primitives are process-lifetime: they persist across Open
// calls in other processes and are not torn down on Close.
func Open(baseDir string) (*Barrier, error) {
	counterMgr := region.NewManager(baseDir)

	if err := counterMgr.OpenOrCreate(counterRegionName, counterRegionSize); err != nil {
		return nil, fmt.Errorf("%w: creating query counter: %w", ErrBarrierUnavailable, err)
	}

	counterRegion, err := counterMgr.AttachWrite(counterRegionName)
	if err != nil {
		return nil, fmt.Errorf("%w: attaching query counter: %w", ErrBarrierUnavailable, err)
	}

	return &Barrier{
		locker:        fsx.NewLocker(fsx.NewReal()),
		baseDir:       baseDir,
		counterMgr:    counterMgr,
		counterRegion: counterRegion,
	}, nil
}

// Close releases this process's handle on the counter region. It does not
// remove any named primitive - they are process-lifetime, not
// handle-lifetime (see package doc).
func (b *Barrier) Close() error {
	return b.counterRegion.Detach()
}

func (b *Barrier) lockPath(name string) string {
	return filepath.Join(b.baseDir, name)
}

func (b *Barrier) counterPtr() *int64 {
	return (*int64)(unsafe.Pointer(&b.counterRegion.Bytes[0]))
}

func (b *Barrier) loadCounter() int64 {
	return atomic.LoadInt64(b.counterPtr())
}

// BeginPublish acquires pending_update_mutex, blocking until available.
// Returns a release function the caller must invoke exactly once (typically
// via defer) to unlock, and which never returns an error - lock release on
// an already-validated file descriptor cannot meaningfully fail in a way
// the caller can act on; internal errors are swallowed the same way the
// teacher's own lock.Close() does for its "best effort" Close paths.
func (b *Barrier) BeginPublish() (release func(), err error) {
	lock, err := b.locker.Lock(b.lockPath(pendingUpdateLockName))
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring pending_update_mutex: %w", ErrBarrierUnavailable, err)
	}

	return func() { _ = lock.Close() }, nil
}

// LockRegionShared acquires region_mutex shared, for the duration of one
// reader query.
func (b *Barrier) LockRegionShared() (release func(), err error) {
	lock, err := b.locker.RLock(b.lockPath(regionLockName))
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring region_mutex (shared): %w", ErrBarrierUnavailable, err)
	}

	return func() { _ = lock.Close() }, nil
}

// LockRegionExclusive acquires region_mutex exclusive, for reclaiming a
// just-deactivated slot. Callers must have already observed
// number_of_queries == 0 (see WaitDrained) before calling this - it alone
// does not wait for readers to drain, it only excludes concurrent readers
// from the moment it is held.
func (b *Barrier) LockRegionExclusive() (release func(), err error) {
	lock, err := b.locker.Lock(b.lockPath(regionLockName))
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring region_mutex (exclusive): %w", ErrBarrierUnavailable, err)
	}

	return func() { _ = lock.Close() }, nil
}

// BeginQuery increments number_of_queries under query_mutex. Pair with
// EndQuery (typically via defer) on every exit path.
func (b *Barrier) BeginQuery() error {
	lock, err := b.locker.Lock(b.lockPath(queryLockName))
	if err != nil {
		return fmt.Errorf("%w: acquiring query_mutex: %w", ErrBarrierUnavailable, err)
	}
	defer lock.Close()

	atomic.AddInt64(b.counterPtr(), 1)

	return nil
}

// EndQuery decrements number_of_queries under query_mutex. When the
// counter reaches zero, any concurrent WaitDrained poller observes it on
// its next poll - there is no explicit notify_all, since the barrier has no
// cross-process wakeup primitive to notify with; see package doc.
func (b *Barrier) EndQuery() error {
	lock, err := b.locker.Lock(b.lockPath(queryLockName))
	if err != nil {
		return fmt.Errorf("%w: acquiring query_mutex: %w", ErrBarrierUnavailable, err)
	}
	defer lock.Close()

	if n := atomic.AddInt64(b.counterPtr(), -1); n < 0 {
		// Invariant violation (unbalanced BeginQuery/EndQuery); restore the
		// floor so WaitDrained doesn't wait forever on a negative count.
		atomic.StoreInt64(b.counterPtr(), 0)

		return fmt.Errorf("barrier: number_of_queries went negative (%d)", n)
	}

	return nil
}

// WaitDrained blocks until number_of_queries == 0, or ctx is cancelled.
// This realizes no_running_queries_cv as backoff-polling (see package doc).
func (b *Barrier) WaitDrained(ctx context.Context) error {
	interval := pollInitialInterval

	for {
		if b.loadCounter() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > pollMaxInterval {
			interval = pollMaxInterval
		}
	}
}

// NumberOfQueries returns the current in-flight query count. Exposed
// primarily for tests and diagnostics.
func (b *Barrier) NumberOfQueries() int64 {
	return b.loadCounter()
}
