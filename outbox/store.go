package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/duna-oss/deltic-sub000/message"
	"github.com/duna-oss/deltic-sub000/pgctx"
)

// Store is the plain outbox: rows are eligible until marked consumed.
type Store struct {
	rt    *pgctx.Runtime
	table string
}

func NewStore(rt *pgctx.Runtime, table string) *Store {
	return &Store{rt: rt, table: table}
}

func (s *Store) Table() string { return s.table }

func (s *Store) Persist(ctx context.Context, messages []message.Message) error {
	if len(messages) == 0 {
		return nil
	}
	payloads, err := encodeAll(messages)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (consumed, payload) VALUES `, s.table)
	args := make([]any, 0, len(payloads))
	for i, p := range payloads {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "(FALSE, $%d)", i+1)
		args = append(args, p)
	}

	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, sb.String(), args...)
		return err
	})
}

func (s *Store) RetrieveBatch(ctx context.Context, n int) (Cursor, error) {
	query := fmt.Sprintf(
		`SELECT id, consumed, payload FROM %s WHERE consumed = FALSE ORDER BY id ASC LIMIT $1`,
		s.table,
	)
	return openCursor(ctx, s.rt, s.table, query, n)
}

func (s *Store) MarkConsumed(ctx context.Context, messages []message.Message) error {
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

func (s *Store) CleanupConsumed(ctx context.Context, limit int) (int64, error) {
	// DELETE has no LIMIT in Postgres, go through a sub-select.
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

func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.count(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE consumed = FALSE`, s.table))
}

func (s *Store) ConsumedCount(ctx context.Context) (int64, error) {
	return s.count(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE consumed = TRUE`, s.table))
}

func (s *Store) count(ctx context.Context, query string) (int64, error) {
	var n int64
	err := s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		return conn.QueryRow(ctx, query).Scan(&n)
	})
	return n, err
}

func (s *Store) Truncate(ctx context.Context) error {
	query := fmt.Sprintf(`TRUNCATE %s RESTART IDENTITY`, s.table)
	return s.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, query)
		return err
	})
}

func encodeAll(messages []message.Message) ([][]byte, error) {
	out := make([][]byte, len(messages))
	for i, m := range messages {
		body, err := message.Encode(m)
		if err != nil {
			return nil, fmt.Errorf("outbox: encode message %d (%s): %w", i, m.Type, err)
		}
		out[i] = body
	}
	return out, nil
}

// openCursor borrows a connection, runs the retrieval query and streams the
// rows. The connection is given back when the cursor is closed.
func openCursor(ctx context.Context, rt *pgctx.Runtime, table, query string, args ...any) (Cursor, error) {
	conn, release, err := rt.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		release(err)
		return nil, err
	}
	return &rowCursor{table: table, rows: rows, release: release}, nil
}

type rowCursor struct {
	table   string
	rows    pgctx.Rows
	release func(error)
	current message.Message
	err     error
	closed  bool
}

func (c *rowCursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}

	var (
		id       int64
		consumed bool
		payload  []byte
	)
	if err := c.rows.Scan(&id, &consumed, &payload); err != nil {
		c.err = err
		return false
	}
	m, err := message.Decode(payload)
	if err != nil {
		c.err = fmt.Errorf("outbox: decode row %d: %w", id, err)
		return false
	}
	m.Headers[message.HeaderOutboxID] = id
	m.Headers[message.HeaderOutboxTable] = c.table
	m.Headers[message.HeaderOutboxConsumed] = consumed
	c.current = m
	return true
}

func (c *rowCursor) Message() message.Message { return c.current }

func (c *rowCursor) Err() error { return c.err }

func (c *rowCursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.rows.Close()
	c.release(c.err)
}
