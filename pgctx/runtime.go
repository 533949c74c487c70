package pgctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/duna-oss/deltic-sub000/appctx"
)

const sessionSlot = "pgctx.session"

// Options configure a Runtime. All fields are optional.
type Options struct {
	// KeepConnections bounds the keep-warm freelist. Released connections are
	// kept while the freelist holds fewer than KeepConnections entries.
	KeepConnections int
	// MaxIdle evicts a freelist connection that has not been re-claimed in
	// time. Idle eviction returns the raw connection to the pool without
	// running OnRelease.
	MaxIdle time.Duration
	// OnClaim runs on every connection freshly acquired from the pool, e.g.
	// SET app.tenant_id. A failing hook hard-releases the connection and the
	// claim fails with ErrUnableToClaim.
	OnClaim func(ctx context.Context, conn Conn) error
	// OnRelease runs before a connection is returned to the pool, unless the
	// release carries an error and ReleaseHookOnError is false.
	OnRelease          func(ctx context.Context, conn Conn, cause error) error
	ReleaseHookOnError bool
	// FreshResetQuery is issued on every ClaimFresh connection.
	FreshResetQuery string
	// BeginQuery overrides the statement used to open transactions.
	BeginQuery string

	Logger zerolog.Logger
}

// Runtime multiplexes pool connections across call trees. Open a scope with
// RunSession; every operation inside the scope shares one session.
type Runtime struct {
	pool  Pool
	opts  Options
	slots *appctx.Registry
}

func NewRuntime(pool Pool, opts Options) *Runtime {
	if opts.BeginQuery == "" {
		opts.BeginQuery = "BEGIN"
	}
	rt := &Runtime{pool: pool, opts: opts}
	rt.slots = appctx.NewRegistry(appctx.Slot{
		Name:    sessionSlot,
		Local:   true, // every session scope owns its connections
		Default: func() any { return &session{} },
	})
	return rt
}

type session struct {
	mu      sync.Mutex
	tx      *PooledConn
	primary *PooledConn
	free    []freeEntry
}

type freeEntry struct {
	conn  *PooledConn
	timer *time.Timer
}

// PooledConn is a pool connection owned by the runtime. Manual Close is
// suppressed: release goes through Runtime.Release so the freelist and
// release hooks stay consistent.
type PooledConn struct {
	Conn
	released atomic.Bool
}

func (c *PooledConn) Close(context.Context) error {
	return ErrManualRelease
}

// WaitForNotification blocks until a NOTIFY arrives on this connection.
func (c *PooledConn) WaitForNotification(ctx context.Context) (string, string, error) {
	w, ok := c.Conn.(Waiter)
	if !ok {
		return "", "", ErrNoNotifications
	}
	return w.WaitForNotification(ctx)
}

// dispose returns the raw connection to the pool, at most once.
func (c *PooledConn) dispose(ctx context.Context) error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	return c.Conn.Close(ctx)
}

// RunSession opens a connection scope around fn and flushes it on exit. The
// flush releases the freelist and the primary connection; a transaction left
// open by fn surfaces as ErrDanglingTransaction.
func (rt *Runtime) RunSession(ctx context.Context, fn func(ctx context.Context) error) error {
	return rt.slots.Run(ctx, nil, func(ctx context.Context) error {
		err := fn(ctx)
		if ferr := rt.Flush(ctx); ferr != nil && err == nil {
			err = ferr
		}
		return err
	})
}

func (rt *Runtime) session(ctx context.Context) (*session, error) {
	s, _ := rt.slots.Get(ctx, sessionSlot).(*session)
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// Primary returns the context's cached primary connection, claiming one on
// first use. Releasing the primary is a no-op until the context is flushed.
func (rt *Runtime) Primary(ctx context.Context) (*PooledConn, error) {
	s, err := rt.session(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary != nil {
		return s.primary, nil
	}
	conn, err := rt.claimLocked(ctx, s)
	if err != nil {
		return nil, err
	}
	s.primary = conn
	return conn, nil
}

// Claim returns a warm freelist connection when one is available, otherwise a
// newly acquired pool connection with OnClaim applied.
func (rt *Runtime) Claim(ctx context.Context) (*PooledConn, error) {
	s, err := rt.session(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return rt.claimLocked(ctx, s)
}

func (rt *Runtime) claimLocked(ctx context.Context, s *session) (*PooledConn, error) {
	if len(s.free) > 0 {
		entry := s.free[0]
		s.free = s.free[1:]
		if entry.timer != nil {
			entry.timer.Stop()
		}
		return entry.conn, nil
	}

	raw, err := rt.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnableToClaim, err)
	}
	conn := &PooledConn{Conn: raw}
	if rt.opts.OnClaim != nil {
		if err := rt.opts.OnClaim(ctx, raw); err != nil {
			_ = conn.dispose(ctx)
			return nil, fmt.Errorf("%w: claim hook: %v", ErrUnableToClaim, err)
		}
	}
	return conn, nil
}

// ClaimFresh always acquires a new pool connection, bypassing the freelist
// and the primary. Used for connections that must not share session state
// with workload queries, such as LISTEN and advisory-lock holders.
func (rt *Runtime) ClaimFresh(ctx context.Context) (*PooledConn, error) {
	if _, err := rt.session(ctx); err != nil {
		return nil, err
	}
	raw, err := rt.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnableToClaim, err)
	}
	conn := &PooledConn{Conn: raw}
	if rt.opts.FreshResetQuery != "" {
		if _, err := raw.Exec(ctx, rt.opts.FreshResetQuery); err != nil {
			_ = conn.dispose(ctx)
			return nil, fmt.Errorf("%w: reset query: %v", ErrUnableToClaim, err)
		}
	}
	return conn, nil
}

// Release hands a connection back. The primary connection is a pass-through.
// An error-free release parks the connection on the freelist while there is
// room; everything else goes through the release hook and back to the pool.
func (rt *Runtime) Release(ctx context.Context, conn *PooledConn, cause error) error {
	s, err := rt.session(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return rt.releaseLocked(ctx, s, conn, cause)
}

func (rt *Runtime) releaseLocked(ctx context.Context, s *session, conn *PooledConn, cause error) error {
	if conn == s.primary {
		return nil
	}
	if cause == nil && len(s.free) < rt.opts.KeepConnections {
		entry := freeEntry{conn: conn}
		if rt.opts.MaxIdle > 0 {
			entry.timer = time.AfterFunc(rt.opts.MaxIdle, func() {
				rt.evictIdle(s, conn)
			})
		}
		s.free = append(s.free, entry)
		return nil
	}
	return rt.doRelease(ctx, conn, cause)
}

// evictIdle removes an idle freelist entry and returns the raw connection to
// the pool without running the release hook.
func (rt *Runtime) evictIdle(s *session, conn *PooledConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.free {
		if entry.conn == conn {
			s.free = append(s.free[:i], s.free[i+1:]...)
			_ = conn.dispose(context.Background())
			return
		}
	}
}

func (rt *Runtime) doRelease(ctx context.Context, conn *PooledConn, cause error) error {
	if rt.opts.OnRelease != nil && (cause == nil || rt.opts.ReleaseHookOnError) {
		if herr := rt.opts.OnRelease(ctx, conn.Conn, cause); herr != nil {
			rt.opts.Logger.Warn().Err(herr).Msg("release hook failed, hard-releasing connection")
			_ = conn.dispose(ctx)
			return fmt.Errorf("%w: release hook: %v", ErrUnableToRelease, herr)
		}
	}
	return conn.dispose(ctx)
}

// Begin opens a transaction for this context. The primary connection is used
// when one is cached, otherwise a connection is claimed for the duration.
func (rt *Runtime) Begin(ctx context.Context) (*PooledConn, error) {
	s, err := rt.session(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return nil, ErrAlreadyInTransaction
	}

	conn := s.primary
	claimed := false
	if conn == nil {
		conn, err = rt.claimLocked(ctx, s)
		if err != nil {
			return nil, err
		}
		claimed = true
	}

	if _, err := conn.Conn.Exec(ctx, rt.opts.BeginQuery); err != nil {
		if claimed {
			_ = conn.dispose(ctx)
		}
		return nil, err
	}
	s.tx = conn
	return conn, nil
}

// Commit finalises the transaction held by conn. The connection must be the
// one Begin handed out for this context.
func (rt *Runtime) Commit(ctx context.Context, conn *PooledConn) error {
	return rt.finalize(ctx, conn, "COMMIT", nil)
}

// Rollback aborts the transaction held by conn, annotating the release with
// cause when one is given.
func (rt *Runtime) Rollback(ctx context.Context, conn *PooledConn, cause error) error {
	return rt.finalize(ctx, conn, "ROLLBACK", cause)
}

func (rt *Runtime) finalize(ctx context.Context, conn *PooledConn, stmt string, cause error) error {
	s, err := rt.session(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return ErrNoActiveTransaction
	}
	if conn != s.tx {
		return ErrTransactionMismatch
	}
	defer func() { s.tx = nil }()

	if _, err := conn.Conn.Exec(ctx, stmt); err != nil {
		_ = conn.dispose(ctx)
		return err
	}
	return rt.releaseLocked(ctx, s, conn, cause)
}

// InTransaction reports whether this context holds an open transaction.
func (rt *Runtime) InTransaction(ctx context.Context) bool {
	s, err := rt.session(ctx)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Transaction returns the connection of the open transaction.
func (rt *Runtime) Transaction(ctx context.Context) (*PooledConn, error) {
	s, err := rt.session(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil, ErrNoActiveTransaction
	}
	return s.tx, nil
}

// RunInTransaction invokes fn inside a transaction. When one is already open
// fn joins it and the outer caller keeps commit responsibility; otherwise the
// transaction is committed on success and rolled back on error.
func (rt *Runtime) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if rt.InTransaction(ctx) {
		return fn(ctx)
	}
	conn, err := rt.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rberr := rt.Rollback(ctx, conn, err); rberr != nil {
			rt.opts.Logger.Warn().Err(rberr).Msg("rollback failed")
		}
		return err
	}
	return rt.Commit(ctx, conn)
}

// WithConn routes fn to the transaction connection, the primary connection,
// or a claim/release pair, in that order of preference.
func (rt *Runtime) WithConn(ctx context.Context, fn func(conn Conn) error) error {
	s, err := rt.session(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.tx != nil {
		conn := s.tx
		s.mu.Unlock()
		return fn(conn.Conn)
	}
	if s.primary != nil {
		conn := s.primary
		s.mu.Unlock()
		return fn(conn.Conn)
	}
	conn, cerr := rt.claimLocked(ctx, s)
	s.mu.Unlock()
	if cerr != nil {
		return cerr
	}
	err = fn(conn.Conn)
	if rerr := rt.Release(ctx, conn, err); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Borrow returns a connection using the same routing as WithConn, plus a
// release function for when the caller is done. For transaction and primary
// connections the release is a no-op; the function must still be called.
func (rt *Runtime) Borrow(ctx context.Context) (Conn, func(error), error) {
	s, err := rt.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	if s.tx != nil {
		conn := s.tx
		s.mu.Unlock()
		return conn.Conn, func(error) {}, nil
	}
	if s.primary != nil {
		conn := s.primary
		s.mu.Unlock()
		return conn.Conn, func(error) {}, nil
	}
	conn, cerr := rt.claimLocked(ctx, s)
	s.mu.Unlock()
	if cerr != nil {
		return nil, nil, cerr
	}
	release := func(cause error) {
		_ = rt.Release(ctx, conn, cause)
	}
	return conn.Conn, release, nil
}

// Flush releases every connection attributable to this context: freelist
// entries first, then the primary. Fails without releasing anything when a
// transaction is still open.
func (rt *Runtime) Flush(ctx context.Context) error {
	s, err := rt.session(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return ErrDanglingTransaction
	}

	var first error
	for _, entry := range s.free {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if err := rt.doRelease(ctx, entry.conn, nil); err != nil && first == nil {
			first = err
		}
	}
	s.free = nil

	if s.primary != nil {
		primary := s.primary
		s.primary = nil
		if err := rt.doRelease(ctx, primary, nil); err != nil && first == nil {
			first = err
		}
	}
	return first
}
