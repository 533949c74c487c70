package outbox

import (
	"context"
	"fmt"

	"github.com/duna-oss/deltic-sub000/pgctx"
)

// Canonical table shapes. The %s placeholder is the table name; names come
// from application configuration, not user input.
const (
	plainSchemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
  id BIGSERIAL PRIMARY KEY,
  consumed BOOLEAN NOT NULL DEFAULT FALSE,
  payload JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_pending_idx ON %[1]s (id) WHERE consumed = FALSE;
`

	delayedSchemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
  id BIGSERIAL PRIMARY KEY,
  consumed BOOLEAN NOT NULL DEFAULT FALSE,
  payload JSON NOT NULL,
  delay_until TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_pending_idx ON %[1]s (id) WHERE consumed = FALSE;
`

	throttledSchemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
  id BIGSERIAL PRIMARY KEY,
  consumed_initially BOOLEAN NOT NULL DEFAULT FALSE,
  should_dispatch_delayed BOOLEAN NOT NULL DEFAULT FALSE,
  consumed_delayed BOOLEAN NOT NULL DEFAULT FALSE,
  idempotency_key VARCHAR NOT NULL,
  payload JSON NOT NULL,
  delay_until TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_idempotency_key_idx ON %[1]s (idempotency_key);
`
)

func ensure(ctx context.Context, rt *pgctx.Runtime, template, table string) error {
	return rt.WithConn(ctx, func(conn pgctx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf(template, table))
		return err
	})
}

// EnsureSchema creates the plain outbox table when it does not exist.
func EnsureSchema(ctx context.Context, rt *pgctx.Runtime, table string) error {
	return ensure(ctx, rt, plainSchemaTemplate, table)
}

// EnsureDelayedSchema creates the delayed outbox table when it does not exist.
func EnsureDelayedSchema(ctx context.Context, rt *pgctx.Runtime, table string) error {
	return ensure(ctx, rt, delayedSchemaTemplate, table)
}

// EnsureThrottledSchema creates the throttled outbox table when it does not
// exist.
func EnsureThrottledSchema(ctx context.Context, rt *pgctx.Runtime, table string) error {
	return ensure(ctx, rt, throttledSchemaTemplate, table)
}
