// Package dlock provides the mutex shapes used for leader election and
// per-identifier serialisation: a static single-key mutex and a dynamic keyed
// mutex, each with an in-memory implementation and, for the static shape, a
// Postgres advisory-lock implementation for cross-process exclusion.
package dlock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrLockTimeout = errors.New("dlock: lock not acquired before timeout")
	ErrNotLocked   = errors.New("dlock: unlock of a mutex that is not held")
)

// Mutex is an exclusive, non-reentrant lock.
type Mutex interface {
	TryLock(ctx context.Context) (bool, error)
	// Lock blocks until the lock is acquired. A timeout of zero means wait
	// until ctx is done; otherwise ErrLockTimeout is returned when the
	// timeout elapses first.
	Lock(ctx context.Context, timeout time.Duration) error
	Unlock(ctx context.Context) error
}

// KeyedMutex is a family of mutexes addressed by key. Locks on distinct keys
// do not contend.
type KeyedMutex interface {
	TryLock(ctx context.Context, key string) (bool, error)
	Lock(ctx context.Context, key string, timeout time.Duration) error
	Unlock(ctx context.Context, key string) error
}
