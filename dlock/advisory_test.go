package dlock

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duna-oss/deltic-sub000/pgctx"
)

type advConn struct {
	pool  *advPool
	mu    sync.Mutex
	execs []string
	open  bool
}

func (c *advConn) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return 0, nil
}

func (c *advConn) Query(context.Context, string, ...any) (pgctx.Rows, error) {
	panic("not used")
}

func (c *advConn) QueryRow(context.Context, string, ...any) pgctx.Row {
	return boolRow{value: c.pool.tryResult}
}

func (c *advConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

type boolRow struct{ value bool }

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.value
	return nil
}

type advPool struct {
	mu        sync.Mutex
	tryResult bool
	conns     []*advConn
}

func (p *advPool) Acquire(context.Context) (pgctx.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := &advConn{pool: p, open: true}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *advPool) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := 0
	for _, c := range p.conns {
		if c.open {
			open++
		}
	}
	return open
}

func TestAdvisory_FreshModeReleasesConnOnFailedTry(t *testing.T) {
	pool := &advPool{tryResult: false}
	rt := pgctx.NewRuntime(pool, pgctx.Options{})

	require.NoError(t, rt.RunSession(context.Background(), func(ctx context.Context) error {
		lock := NewAdvisory(rt, "leader", true)
		ok, err := lock.TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, pool.openCount())
		return nil
	}))
}

func TestAdvisory_FreshModeHoldsConnWhileLocked(t *testing.T) {
	pool := &advPool{tryResult: true}
	rt := pgctx.NewRuntime(pool, pgctx.Options{})

	require.NoError(t, rt.RunSession(context.Background(), func(ctx context.Context) error {
		lock := NewAdvisory(rt, "leader", true)
		ok, err := lock.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, pool.openCount())

		require.NoError(t, lock.Unlock(ctx))
		assert.Equal(t, 0, pool.openCount())
		assert.ErrorIs(t, lock.Unlock(ctx), ErrNotLocked)
		return nil
	}))
}

func TestAdvisory_UnlockIssuesAdvisoryUnlock(t *testing.T) {
	pool := &advPool{tryResult: true}
	rt := pgctx.NewRuntime(pool, pgctx.Options{})

	require.NoError(t, rt.RunSession(context.Background(), func(ctx context.Context) error {
		lock := NewAdvisory(rt, "leader", true)
		ok, err := lock.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, lock.Unlock(ctx))

		require.Len(t, pool.conns, 1)
		assert.Contains(t, pool.conns[0].execs, `SELECT pg_advisory_unlock($1)`)
		return nil
	}))
}
