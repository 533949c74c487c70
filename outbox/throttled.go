package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/duna-oss/deltic-sub000/message"
	"github.com/duna-oss/deltic-sub000/pgctx"
)

// KeyResolver derives the idempotency key a message throttles on.
type KeyResolver func(m message.Message) string

// ThrottledStore rate-limits messages to at most one publication per
// idempotency key per rolling window, collapsing bursts to the most recent
// payload. Each key goes through two publications at most per window: the
// initial one, and one delayed publication carrying the last payload written
// during the window.
//
// Row life cycle per persist:
//
//   - no row: insert fresh, initial publication pending
//   - initial publication still pending: replace the payload, keep the window
//   - window expired after a consumed initial: start over as a fresh row
//   - within the window after a consumed initial: flag the delayed
//     publication and replace the payload
type ThrottledStore struct {
	rt     *pgctx.Runtime
	table  string
	window time.Duration
	key    KeyResolver
	clock  Clock
}

func NewThrottledStore(rt *pgctx.Runtime, table string, window time.Duration, key KeyResolver, clock Clock) *ThrottledStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ThrottledStore{rt: rt, table: table, window: window, key: key, clock: clock}
}

func (s *ThrottledStore) Table() string { return s.table }

// The four-branch policy expressed as one conditional upsert. $1 key,
// $2 payload, $3 new delay_until, $4 now.
const throttledUpsertTemplate = `
INSERT INTO %[1]s (idempotency_key, consumed_initially, should_dispatch_delayed, consumed_delayed, payload, delay_until)
VALUES ($1, FALSE, FALSE, FALSE, $2, $3)
ON CONFLICT (idempotency_key) DO UPDATE SET
  payload = EXCLUDED.payload,
  consumed_initially = CASE
    WHEN %[1]s.consumed_initially AND %[1]s.delay_until <= $4 THEN FALSE
    ELSE %[1]s.consumed_initially END,
  should_dispatch_delayed = CASE
    WHEN NOT %[1]s.consumed_initially THEN %[1]s.should_dispatch_delayed
    WHEN %[1]s.delay_until <= $4 THEN FALSE
    ELSE TRUE END,
  consumed_delayed = CASE
    WHEN %[1]s.consumed_initially AND %[1]s.delay_until <= $4 THEN FALSE
    ELSE %[1]s.consumed_delayed END,
  delay_until = CASE
    WHEN %[1]s.consumed_initially AND %[1]s.delay_until <= $4 THEN EXCLUDED.delay_until
    ELSE %[1]s.delay_until END
`

func (s *ThrottledStore) Persist(ctx context.Context, messages []message.Message) error {
	if len(messages) == 0 {
		return nil
	}
	query := fmt.Sprintf(throttledUpsertTemplate, s.table)

	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		for _, m := range messages {
			now := s.clock.Now()
			payload, err := message.Encode(m)
			if err != nil {
				return fmt.Errorf("outbox: encode message (%s): %w", m.Type, err)
			}
			if _, err := conn.Exec(ctx, query, s.key(m), payload, now.Add(s.window), now); err != nil {
				return err
			}
		}
		return nil
	})
}

// RetrieveBatch yields pending initial publications plus delayed publications
// whose window has passed. The outbox_consumed header reflects
// consumed_initially, which distinguishes the two phases for MarkConsumed.
func (s *ThrottledStore) RetrieveBatch(ctx context.Context, n int) (Cursor, error) {
	query := fmt.Sprintf(
		`SELECT id, consumed_initially, payload FROM %s
		 WHERE consumed_initially = FALSE
		    OR (should_dispatch_delayed = TRUE AND consumed_delayed = FALSE AND delay_until <= $1)
		 ORDER BY id ASC LIMIT $2`,
		s.table,
	)
	return openCursor(ctx, s.rt, s.table, query, s.clock.Now(), n)
}

// MarkConsumed advances each row one phase: a pending initial row becomes
// consumed_initially, a delayed row becomes consumed_delayed. The update
// reads the pre-update flags, so one statement covers both phases.
func (s *ThrottledStore) MarkConsumed(ctx context.Context, messages []message.Message) error {
	ids := outboxIDs(messages)
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE %[1]s SET
		   consumed_delayed = %[1]s.consumed_delayed OR (%[1]s.consumed_initially AND %[1]s.should_dispatch_delayed),
		   consumed_initially = TRUE
		 WHERE id = ANY($1)`,
		s.table,
	)
	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, query, ids)
		return err
	})
}

// CleanupConsumed removes rows whose publications are finished and whose
// window passed long enough ago that a late persist cannot still revive them
// as a fresh publication.
func (s *ThrottledStore) CleanupConsumed(ctx context.Context, limit int) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %[1]s WHERE id IN (
			SELECT id FROM %[1]s
			WHERE consumed_initially = TRUE
			  AND (should_dispatch_delayed = FALSE OR consumed_delayed = TRUE)
			  AND delay_until <= $1
			ORDER BY id ASC LIMIT $2
		)`,
		s.table,
	)
	graceCutoff := s.clock.Now().Add(-s.window)
	var deleted int64
	err := s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		var err error
		deleted, err = conn.Exec(ctx, query, graceCutoff, limit)
		return err
	})
	return deleted, err
}

func (s *ThrottledStore) PendingCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s
		 WHERE consumed_initially = FALSE
		    OR (should_dispatch_delayed = TRUE AND consumed_delayed = FALSE)`,
		s.table,
	)
	var n int64
	err := s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		return conn.QueryRow(ctx, query).Scan(&n)
	})
	return n, err
}

func (s *ThrottledStore) ConsumedCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s
		 WHERE consumed_initially = TRUE
		   AND (should_dispatch_delayed = FALSE OR consumed_delayed = TRUE)`,
		s.table,
	)
	var n int64
	err := s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		return conn.QueryRow(ctx, query).Scan(&n)
	})
	return n, err
}

func (s *ThrottledStore) Truncate(ctx context.Context) error {
	query := fmt.Sprintf(`TRUNCATE %s RESTART IDENTITY`, s.table)
	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, query)
		return err
	})
}
