package dlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_TryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Unlock(ctx))
	ok, err = m.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_LockTimesOut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Lock(ctx, 0))

	err := m.Lock(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestMemory_LockWaitsForHolder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Lock(ctx, 0))

	done := make(chan error, 1)
	go func() { done <- m.Lock(ctx, time.Second) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Unlock(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	require.NoError(t, m.Unlock(ctx))
}

func TestMemory_UnlockWithoutHoldFails(t *testing.T) {
	m := NewMemory()
	assert.ErrorIs(t, m.Unlock(context.Background()), ErrNotLocked)
}

func TestMemory_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Lock(ctx, time.Second))
			counter++
			require.NoError(t, m.Unlock(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, counter)
}

func TestKeyedMemory_DistinctKeysDoNotContend(t *testing.T) {
	ctx := context.Background()
	k := NewKeyedMemory()

	ok, err := k.TryLock(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = k.TryLock(ctx, "invoices")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = k.TryLock(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, k.Unlock(ctx, "orders"))
	require.NoError(t, k.Unlock(ctx, "invoices"))
	assert.ErrorIs(t, k.Unlock(ctx, "orders"), ErrNotLocked)
}

func TestKeyToInt_StableAndDistinct(t *testing.T) {
	assert.Equal(t, KeyToInt("outbox_publish"), KeyToInt("outbox_publish"))
	assert.NotEqual(t, KeyToInt("outbox_publish"), KeyToInt("outbox_publish_2"))
}
