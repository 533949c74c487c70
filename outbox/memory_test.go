package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duna-oss/deltic-sub000/message"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func drain(t *testing.T, cursor Cursor) []message.Message {
	t.Helper()
	defer cursor.Close()
	var out []message.Message
	for cursor.Next() {
		out = append(out, cursor.Message())
	}
	require.NoError(t, cursor.Err())
	return out
}

func retrieve(t *testing.T, repo Repository, n int) []message.Message {
	t.Helper()
	cursor, err := repo.RetrieveBatch(context.Background(), n)
	require.NoError(t, err)
	return drain(t, cursor)
}

func event(typ string, payload any) message.Message {
	return message.New(typ, payload)
}

func TestMemoryStore_RetrievePreservesPersistOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("outbox_messages")

	require.NoError(t, store.Persist(ctx, []message.Message{
		event("listing.created", "a"),
		event("listing.updated", "b"),
	}))
	require.NoError(t, store.Persist(ctx, []message.Message{
		event("listing.closed", "c"),
	}))

	got := retrieve(t, store, 10)
	require.Len(t, got, 3)
	assert.Equal(t, "listing.created", got[0].Type)
	assert.Equal(t, "listing.updated", got[1].Type)
	assert.Equal(t, "listing.closed", got[2].Type)

	for i, m := range got {
		id, ok := m.Headers.Int64(message.HeaderOutboxID)
		require.True(t, ok)
		assert.Equal(t, int64(i+1), id)
		assert.Equal(t, "outbox_messages", m.Headers[message.HeaderOutboxTable])
		assert.Equal(t, false, m.Headers[message.HeaderOutboxConsumed])
	}
}

func TestMemoryStore_BatchLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("outbox_messages")

	require.NoError(t, store.Persist(ctx, []message.Message{
		event("a", 1), event("b", 2), event("c", 3),
	}))

	got := retrieve(t, store, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Type)
	assert.Equal(t, "b", got[1].Type)
}

func TestMemoryStore_MarkConsumedRemovesFromRetrieval(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("outbox_messages")

	require.NoError(t, store.Persist(ctx, []message.Message{
		event("a", 1), event("b", 2),
	}))

	first := retrieve(t, store, 1)
	require.Len(t, first, 1)
	require.NoError(t, store.MarkConsumed(ctx, first))

	// marking again is harmless
	require.NoError(t, store.MarkConsumed(ctx, first))

	rest := retrieve(t, store, 10)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].Type)

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	consumed, err := store.ConsumedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(1), consumed)
}

func TestMemoryStore_CleanupConsumedHonoursLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("outbox_messages")

	require.NoError(t, store.Persist(ctx, []message.Message{
		event("a", 1), event("b", 2), event("c", 3),
	}))
	all := retrieve(t, store, 10)
	require.NoError(t, store.MarkConsumed(ctx, all))

	deleted, err := store.CleanupConsumed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	consumed, err := store.ConsumedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), consumed)
}

func TestMemoryStore_PersistDoesNotAliasCallerHeaders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("outbox_messages")

	m := event("a", 1)
	require.NoError(t, store.Persist(ctx, []message.Message{m}))
	m.Headers["mutated"] = true

	got := retrieve(t, store, 1)
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].Headers, "mutated")
}

func TestMemoryDelayedStore_SchedulesByAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryDelayedStore("outbox_retries", Linear(time.Minute), clock)

	fresh := event("notify.failed", "x")
	retried := event("notify.failed", "y").WithHeader(message.HeaderAttempt, int64(2))
	require.NoError(t, store.Persist(ctx, []message.Message{fresh, retried}))

	// attempt 0 has no backoff, immediately eligible
	got := retrieve(t, store, 10)
	require.Len(t, got, 1)
	attempt, ok := got[0].Headers.Int64(message.HeaderAttempt)
	require.True(t, ok)
	assert.Equal(t, int64(1), attempt)

	clock.Advance(time.Minute)
	assert.Len(t, retrieve(t, store, 10), 1, "one minute is not enough for attempt 2")

	clock.Advance(time.Minute)
	got = retrieve(t, store, 10)
	require.Len(t, got, 2)
	attempt, ok = got[1].Headers.Int64(message.HeaderAttempt)
	require.True(t, ok)
	assert.Equal(t, int64(3), attempt)
}

func TestMemoryDelayedStore_DelayUntilHeader(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryDelayedStore("outbox_retries", Linear(time.Minute), clock)

	m := event("notify.failed", "x").WithHeader(message.HeaderAttempt, int64(1))
	require.NoError(t, store.Persist(ctx, []message.Message{m}))

	clock.Advance(time.Minute)
	got := retrieve(t, store, 1)
	require.Len(t, got, 1)
	delayUntil, ok := got[0].Headers.Int64(message.HeaderDelayUntil)
	require.True(t, ok)
	assert.Equal(t, clock.Now().UnixMilli(), delayUntil)
}

func TestMemoryThrottledStore_WindowCollapsesBurst(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	byAggregate := func(m message.Message) string { return m.AggregateRootID() }
	store := NewMemoryThrottledStore("outbox_throttled", 10*time.Minute, byAggregate, clock)

	stamped := func(payload any) message.Message {
		return event("listing.price_changed", payload).
			WithHeader(message.HeaderAggregateRootID, "listing-1")
	}

	// initial publication goes out right away
	require.NoError(t, store.Persist(ctx, []message.Message{stamped("v1")}))
	got := retrieve(t, store, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].Payload)
	assert.Equal(t, false, got[0].Headers[message.HeaderOutboxConsumed])
	require.NoError(t, store.MarkConsumed(ctx, got))

	// repeats within the window are held back
	clock.Advance(time.Minute)
	require.NoError(t, store.Persist(ctx, []message.Message{stamped("v2")}))
	clock.Advance(time.Minute)
	require.NoError(t, store.Persist(ctx, []message.Message{stamped("v3")}))
	assert.Empty(t, retrieve(t, store, 10))

	// once the window passes, exactly one delayed publication with the
	// last payload
	clock.Advance(10 * time.Minute)
	got = retrieve(t, store, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "v3", got[0].Payload)
	assert.Equal(t, true, got[0].Headers[message.HeaderOutboxConsumed])
	require.NoError(t, store.MarkConsumed(ctx, got))

	assert.Empty(t, retrieve(t, store, 10))
	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestMemoryThrottledStore_PendingInitialKeepsLastPayload(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryThrottledStore("outbox_throttled", 10*time.Minute,
		func(m message.Message) string { return m.AggregateRootID() }, clock)

	a := event("t", "v1").WithHeader(message.HeaderAggregateRootID, "k")
	b := event("t", "v2").WithHeader(message.HeaderAggregateRootID, "k")
	require.NoError(t, store.Persist(ctx, []message.Message{a}))
	require.NoError(t, store.Persist(ctx, []message.Message{b}))

	got := retrieve(t, store, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].Payload)
}

func TestMemoryThrottledStore_ExpiredWindowStartsFresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryThrottledStore("outbox_throttled", 10*time.Minute,
		func(m message.Message) string { return m.AggregateRootID() }, clock)

	m := func(p any) message.Message {
		return event("t", p).WithHeader(message.HeaderAggregateRootID, "k")
	}

	require.NoError(t, store.Persist(ctx, []message.Message{m("v1")}))
	require.NoError(t, store.MarkConsumed(ctx, retrieve(t, store, 10)))

	clock.Advance(11 * time.Minute)
	require.NoError(t, store.Persist(ctx, []message.Message{m("v2")}))

	got := retrieve(t, store, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].Payload)
	assert.Equal(t, false, got[0].Headers[message.HeaderOutboxConsumed],
		"after the window the key publishes as a fresh initial, not delayed")
}

func TestMemoryThrottledStore_DistinctKeysDoNotThrottleEachOther(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryThrottledStore("outbox_throttled", 10*time.Minute,
		func(m message.Message) string { return m.AggregateRootID() }, clock)

	require.NoError(t, store.Persist(ctx, []message.Message{
		event("t", 1).WithHeader(message.HeaderAggregateRootID, "a"),
		event("t", 2).WithHeader(message.HeaderAggregateRootID, "b"),
	}))

	assert.Len(t, retrieve(t, store, 10), 2)
}

func TestMemoryThrottledStore_CleanupWaitsForGracePeriod(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryThrottledStore("outbox_throttled", 10*time.Minute,
		func(m message.Message) string { return m.AggregateRootID() }, clock)

	require.NoError(t, store.Persist(ctx, []message.Message{
		event("t", 1).WithHeader(message.HeaderAggregateRootID, "k"),
	}))
	require.NoError(t, store.MarkConsumed(ctx, retrieve(t, store, 10)))

	// the row could still be revived as a delayed publication
	deleted, err := store.CleanupConsumed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	clock.Advance(21 * time.Minute)
	deleted, err = store.CleanupConsumed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// and the key starts over afterwards
	require.NoError(t, store.Persist(ctx, []message.Message{
		event("t", 2).WithHeader(message.HeaderAggregateRootID, "k"),
	}))
	assert.Len(t, retrieve(t, store, 10), 1)
}
