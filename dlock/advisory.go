package dlock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/duna-oss/deltic-sub000/pgctx"
)

// KeyToInt converts a lock name to the signed 64-bit key space used by
// pg_advisory_lock, via FNV-64a. Both sides of an election must use the same
// converter.
func KeyToInt(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// Advisory is a Mutex backed by a session-scoped Postgres advisory lock.
//
// In fresh mode the lock is taken on a connection dedicated to it, claimed
// from the runtime and held until Unlock, so releasing workload connections
// cannot drop the lock. Without fresh mode the lock rides on the context's
// primary connection.
type Advisory struct {
	rt    *pgctx.Runtime
	key   int64
	fresh bool

	mu   sync.Mutex
	conn *pgctx.PooledConn
	held bool
}

func NewAdvisory(rt *pgctx.Runtime, key string, fresh bool) *Advisory {
	return &Advisory{rt: rt, key: KeyToInt(key), fresh: fresh}
}

func (a *Advisory) lockConn(ctx context.Context) (*pgctx.PooledConn, error) {
	if !a.fresh {
		return a.rt.Primary(ctx)
	}
	if a.conn != nil {
		return a.conn, nil
	}
	conn, err := a.rt.ClaimFresh(ctx)
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

// releaseFreshConn gives the dedicated connection back when the lock is not
// held, so a failed acquisition does not pin a pool connection.
func (a *Advisory) releaseFreshConn(ctx context.Context, cause error) {
	if !a.fresh || a.conn == nil {
		return
	}
	_ = a.rt.Release(ctx, a.conn, cause)
	a.conn = nil
}

func (a *Advisory) TryLock(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.lockConn(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, a.key).Scan(&acquired); err != nil {
		a.releaseFreshConn(ctx, err)
		return false, fmt.Errorf("dlock: try advisory lock: %w", err)
	}
	if !acquired {
		a.releaseFreshConn(ctx, nil)
		return false, nil
	}
	a.held = true
	return true, nil
}

func (a *Advisory) Lock(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.lockConn(ctx)
	if err != nil {
		return err
	}

	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := conn.Exec(lockCtx, `SELECT pg_advisory_lock($1)`, a.key); err != nil {
		// a cancelled blocking acquire leaves the connection in an
		// unknown state, give it back with the error attached
		a.releaseFreshConn(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return fmt.Errorf("dlock: advisory lock: %w", err)
	}
	a.held = true
	return nil
}

func (a *Advisory) Unlock(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.held {
		return ErrNotLocked
	}
	conn, err := a.lockConn(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, a.key)
	a.held = false
	a.releaseFreshConn(ctx, err)
	if err != nil {
		return fmt.Errorf("dlock: advisory unlock: %w", err)
	}
	return nil
}

// KeyedAdvisory is a KeyedMutex over advisory locks: one Advisory per key,
// created on first use. With fresh mode every held key pins its own
// connection, which is what a long-lived leader election wants.
type KeyedAdvisory struct {
	rt    *pgctx.Runtime
	fresh bool

	mu    sync.Mutex
	locks map[string]*Advisory
}

func NewKeyedAdvisory(rt *pgctx.Runtime, fresh bool) *KeyedAdvisory {
	return &KeyedAdvisory{rt: rt, fresh: fresh, locks: make(map[string]*Advisory)}
}

func (k *KeyedAdvisory) forKey(key string) *Advisory {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, ok := k.locks[key]
	if !ok {
		a = NewAdvisory(k.rt, key, k.fresh)
		k.locks[key] = a
	}
	return a
}

func (k *KeyedAdvisory) TryLock(ctx context.Context, key string) (bool, error) {
	return k.forKey(key).TryLock(ctx)
}

func (k *KeyedAdvisory) Lock(ctx context.Context, key string, timeout time.Duration) error {
	return k.forKey(key).Lock(ctx, timeout)
}

func (k *KeyedAdvisory) Unlock(ctx context.Context, key string) error {
	return k.forKey(key).Unlock(ctx)
}
