package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/duna-oss/deltic-sub000/dlock"
	"github.com/duna-oss/deltic-sub000/message"
	"github.com/duna-oss/deltic-sub000/outbox"
	"github.com/duna-oss/deltic-sub000/pgctx"
)

/*
Integration cases against a live Postgres:
1) plain store round trip: persist -> retrieve -> mark consumed -> cleanup
2) notifying persist is heard by a LISTEN connection
3) advisory lock excludes a second locker
*/

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:17"),
		postgres.WithDatabase("outbox_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestIntegration_PlainStoreRoundTrip(t *testing.T) {
	pool := startPostgres(t)
	rt := pgctx.NewRuntime(pgctx.WrapPool(pool), pgctx.Options{})
	store := outbox.NewStore(rt, "outbox_messages")

	err := rt.RunSession(context.Background(), func(ctx context.Context) error {
		require.NoError(t, outbox.EnsureSchema(ctx, rt, store.Table()))

		require.NoError(t, store.Persist(ctx, []message.Message{
			message.New("listing.created", map[string]any{"id": "l1"}),
			message.New("listing.updated", map[string]any{"id": "l1"}),
		}))

		cursor, err := store.RetrieveBatch(ctx, 10)
		require.NoError(t, err)
		var got []message.Message
		for cursor.Next() {
			got = append(got, cursor.Message())
		}
		require.NoError(t, cursor.Err())
		cursor.Close()

		require.Len(t, got, 2)
		assert.Equal(t, "listing.created", got[0].Type)
		assert.Equal(t, "outbox_messages", got[0].Headers[message.HeaderOutboxTable])

		require.NoError(t, store.MarkConsumed(ctx, got))

		pending, err := store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)

		deleted, err := store.CleanupConsumed(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_NotifyingPersistWakesListener(t *testing.T) {
	pool := startPostgres(t)
	rt := pgctx.NewRuntime(pgctx.WrapPool(pool), pgctx.Options{})
	store := outbox.NewStore(rt, "outbox_notified")
	notifying := outbox.NewNotifying(store, rt, outbox.NotifyCentral, "outbox")

	err := rt.RunSession(context.Background(), func(ctx context.Context) error {
		require.NoError(t, outbox.EnsureSchema(ctx, rt, store.Table()))

		listenConn, err := rt.ClaimFresh(ctx)
		require.NoError(t, err)
		defer func() { _ = rt.Release(ctx, listenConn, context.Canceled) }()
		_, err = listenConn.Exec(ctx, `LISTEN "outbox"`)
		require.NoError(t, err)

		require.NoError(t, notifying.Persist(ctx, []message.Message{
			message.New("listing.created", nil),
		}))

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		channel, payload, err := listenConn.WaitForNotification(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, "outbox", channel)
		assert.Equal(t, "outbox_notified", payload, "central payload names the table")
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_AdvisoryLockExcludesSecondHolder(t *testing.T) {
	pool := startPostgres(t)
	rt := pgctx.NewRuntime(pgctx.WrapPool(pool), pgctx.Options{})

	err := rt.RunSession(context.Background(), func(ctx context.Context) error {
		first := dlock.NewAdvisory(rt, "outbox_messages", true)
		second := dlock.NewAdvisory(rt, "outbox_messages", true)

		ok, err := first.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = second.TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "the lock is held on another connection")

		require.NoError(t, first.Unlock(ctx))

		ok, err = second.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, second.Unlock(ctx))
		return nil
	})
	require.NoError(t, err)
}
