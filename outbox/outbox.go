// Package outbox implements a consumable message queue colocated with the
// producer's database, written in the same transaction as the domain changes
// it derives from. Three variants share one interface: a plain store, a
// delayed store for retry backoff, and a throttled store that collapses
// bursts per idempotency key inside a rolling window.
package outbox

import (
	"context"
	"time"

	"github.com/duna-oss/deltic-sub000/message"
)

// Repository is the surface shared by every outbox variant.
type Repository interface {
	// Table names the backing table; it travels with retrieved messages in
	// the outbox_table header.
	Table() string
	// Persist appends messages. An empty slice is a no-op.
	Persist(ctx context.Context, messages []message.Message) error
	// RetrieveBatch streams at most n eligible messages in ascending id
	// order. Each message carries the outbox_id, outbox_table and
	// outbox_consumed headers. The cursor must be closed.
	RetrieveBatch(ctx context.Context, n int) (Cursor, error)
	// MarkConsumed marks the rows identified by the outbox_id headers.
	MarkConsumed(ctx context.Context, messages []message.Message) error
	// CleanupConsumed deletes up to limit terminally consumed rows, oldest
	// first, and reports how many were deleted.
	CleanupConsumed(ctx context.Context, limit int) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
	ConsumedCount(ctx context.Context) (int64, error)
	// Truncate empties the table and resets identity. Test support.
	Truncate(ctx context.Context) error
}

// Cursor is a lazy, finite, single-pass sequence of retrieved messages.
type Cursor interface {
	Next() bool
	Message() message.Message
	Err() error
	Close()
}

// Clock abstracts time for the delayed and throttled stores.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Backoff maps a delivery attempt ordinal to a delay.
type Backoff func(attempt int64) time.Duration

// Linear is the canonical backoff: k per attempt already made.
func Linear(k time.Duration) Backoff {
	return func(attempt int64) time.Duration {
		return time.Duration(attempt) * k
	}
}

// sliceCursor serves messages from a pre-built slice. Used by the in-memory
// stores; the SQL stores stream from the database instead.
type sliceCursor struct {
	messages []message.Message
	pos      int
}

func (c *sliceCursor) Next() bool {
	if c.pos >= len(c.messages) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Message() message.Message { return c.messages[c.pos-1] }
func (c *sliceCursor) Err() error               { return nil }
func (c *sliceCursor) Close()                   {}

// outboxIDs pulls the row ids out of the outbox_id headers.
func outboxIDs(messages []message.Message) []int64 {
	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		if id, ok := m.Headers.Int64(message.HeaderOutboxID); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
