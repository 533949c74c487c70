// Package pgctx routes database work to the right connection for the current
// call tree: the active transaction's connection when one is open, the
// context's cached primary connection when one has been claimed, or a freshly
// claimed pool connection otherwise. All state transitions for one context are
// serialised on that context's mutex, so concurrent goroutines sharing a
// context cannot race connection assignments.
package pgctx

import (
	"context"
	"errors"
)

var (
	ErrAlreadyInTransaction = errors.New("pgctx: transaction already active in this context")
	ErrNoActiveTransaction  = errors.New("pgctx: no active transaction in this context")
	ErrTransactionMismatch  = errors.New("pgctx: connection does not match the active transaction")
	ErrDanglingTransaction  = errors.New("pgctx: cannot flush context while a transaction is open")
	ErrManualRelease        = errors.New("pgctx: connections must be released through the runtime")
	ErrUnableToClaim        = errors.New("pgctx: unable to claim connection")
	ErrUnableToRelease      = errors.New("pgctx: unable to release connection")
	ErrNoSession            = errors.New("pgctx: no session in context, wrap the call in Runtime.RunSession")
	ErrNoNotifications      = errors.New("pgctx: connection does not support notifications")
)

// Row is the single-row scan surface.
type Row interface {
	Scan(dest ...any) error
}

// Rows is the minimal result-set surface needed by the repositories. It is
// deliberately small so tests can fake it without a database.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Conn is the query surface of a single raw database connection. Close
// returns the connection to its pool.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Close(ctx context.Context) error
}

// Waiter is implemented by connections that can block on LISTEN/NOTIFY.
type Waiter interface {
	WaitForNotification(ctx context.Context) (channel string, payload string, err error)
}

// Pool hands out raw connections. *pgxpool.Pool is adapted via WrapPool.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}
