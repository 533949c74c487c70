package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/duna-oss/deltic-sub000/message"
	"github.com/duna-oss/deltic-sub000/pgctx"
)

// DelayedStore is the retry variant: every persisted message is scheduled
// backoff(attempt) into the future and carries an incremented attempt header.
// Rows become retrievable once their delay_until has passed.
type DelayedStore struct {
	rt      *pgctx.Runtime
	table   string
	backoff Backoff
	clock   Clock
}

func NewDelayedStore(rt *pgctx.Runtime, table string, backoff Backoff, clock Clock) *DelayedStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DelayedStore{rt: rt, table: table, backoff: backoff, clock: clock}
}

func (s *DelayedStore) Table() string { return s.table }

func (s *DelayedStore) Persist(ctx context.Context, messages []message.Message) error {
	if len(messages) == 0 {
		return nil
	}
	now := s.clock.Now()

	scheduled := make([]message.Message, len(messages))
	delays := make([]time.Time, len(messages))
	for i, m := range messages {
		attempt, _ := m.Headers.Int64(message.HeaderAttempt)
		delayUntil := now.Add(s.backoff(attempt))
		m.Headers = m.Headers.Clone()
		m.Headers[message.HeaderAttempt] = attempt + 1
		m.Headers[message.HeaderDelayUntil] = delayUntil.UnixMilli()
		scheduled[i] = m
		delays[i] = delayUntil
	}
	payloads, err := encodeAll(scheduled)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (consumed, payload, delay_until) VALUES `, s.table)
	args := make([]any, 0, len(payloads)*2)
	for i := range payloads {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "(FALSE, $%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, payloads[i], delays[i])
	}

	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, sb.String(), args...)
		return err
	})
}

func (s *DelayedStore) RetrieveBatch(ctx context.Context, n int) (Cursor, error) {
	query := fmt.Sprintf(
		`SELECT id, consumed, payload FROM %s
		 WHERE consumed = FALSE AND delay_until <= $1
		 ORDER BY id ASC LIMIT $2`,
		s.table,
	)
	return openCursor(ctx, s.rt, s.table, query, s.clock.Now(), n)
}

func (s *DelayedStore) MarkConsumed(ctx context.Context, messages []message.Message) error {
	ids := outboxIDs(messages)
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET consumed = TRUE WHERE id = ANY($1)`, s.table)
	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, query, ids)
		return err
	})
}

func (s *DelayedStore) CleanupConsumed(ctx context.Context, limit int) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %[1]s WHERE id IN (
			SELECT id FROM %[1]s WHERE consumed = TRUE ORDER BY id ASC LIMIT $1
		)`,
		s.table,
	)
	var deleted int64
	err := s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		var err error
		deleted, err = conn.Exec(ctx, query, limit)
		return err
	})
	return deleted, err
}

func (s *DelayedStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE consumed = FALSE`, s.table)
	err := s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		return conn.QueryRow(ctx, query).Scan(&n)
	})
	return n, err
}

func (s *DelayedStore) ConsumedCount(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE consumed = TRUE`, s.table)
	err := s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		return conn.QueryRow(ctx, query).Scan(&n)
	})
	return n, err
}

func (s *DelayedStore) Truncate(ctx context.Context) error {
	query := fmt.Sprintf(`TRUNCATE %s RESTART IDENTITY`, s.table)
	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, query)
		return err
	})
}
