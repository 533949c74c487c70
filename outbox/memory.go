package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/duna-oss/deltic-sub000/message"
)

// MemoryStore is an in-process Repository with the plain store's semantics.
// It backs unit tests and local development, the way the services used an
// in-memory publisher before the database was wired up.
type MemoryStore struct {
	mu     sync.Mutex
	table  string
	rows   []*memoryRow
	nextID int64
}

type memoryRow struct {
	id       int64
	consumed bool
	msg      message.Message

	// delayed variant
	delayUntil time.Time

	// throttled variant
	key               string
	consumedInitially bool
	dispatchDelayed   bool
	consumedDelayed   bool
}

func NewMemoryStore(table string) *MemoryStore {
	return &MemoryStore{table: table, nextID: 1}
}

func (s *MemoryStore) Table() string { return s.table }

func (s *MemoryStore) Persist(_ context.Context, messages []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		m.Headers = m.Headers.Clone()
		s.rows = append(s.rows, &memoryRow{id: s.nextID, msg: m})
		s.nextID++
	}
	return nil
}

func (s *MemoryStore) RetrieveBatch(_ context.Context, n int) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, row := range s.rows {
		if len(out) == n {
			break
		}
		if row.consumed {
			continue
		}
		out = append(out, retrieved(row.msg, row.id, s.table, row.consumed))
	}
	return &sliceCursor{messages: out}, nil
}

func (s *MemoryStore) MarkConsumed(_ context.Context, messages []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range outboxIDs(messages) {
		for _, row := range s.rows {
			if row.id == id {
				row.consumed = true
			}
		}
	}
	return nil
}

func (s *MemoryStore) CleanupConsumed(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*memoryRow
	var deleted int64
	for _, row := range s.rows {
		if row.consumed && deleted < int64(limit) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return deleted, nil
}

func (s *MemoryStore) PendingCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if !row.consumed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ConsumedCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.consumed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Truncate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	s.nextID = 1
	return nil
}

func retrieved(m message.Message, id int64, table string, consumed bool) message.Message {
	m.Headers = m.Headers.Clone()
	m.Headers[message.HeaderOutboxID] = id
	m.Headers[message.HeaderOutboxTable] = table
	m.Headers[message.HeaderOutboxConsumed] = consumed
	return m
}

// MemoryDelayedStore mirrors DelayedStore's semantics in memory.
type MemoryDelayedStore struct {
	mu      sync.Mutex
	table   string
	rows    []*memoryRow
	nextID  int64
	backoff Backoff
	clock   Clock
}

func NewMemoryDelayedStore(table string, backoff Backoff, clock Clock) *MemoryDelayedStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryDelayedStore{table: table, nextID: 1, backoff: backoff, clock: clock}
}

func (s *MemoryDelayedStore) Table() string { return s.table }

func (s *MemoryDelayedStore) Persist(_ context.Context, messages []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, m := range messages {
		attempt, _ := m.Headers.Int64(message.HeaderAttempt)
		delayUntil := now.Add(s.backoff(attempt))
		m.Headers = m.Headers.Clone()
		m.Headers[message.HeaderAttempt] = attempt + 1
		m.Headers[message.HeaderDelayUntil] = delayUntil.UnixMilli()
		s.rows = append(s.rows, &memoryRow{id: s.nextID, msg: m, delayUntil: delayUntil})
		s.nextID++
	}
	return nil
}

func (s *MemoryDelayedStore) RetrieveBatch(_ context.Context, n int) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var out []message.Message
	for _, row := range s.rows {
		if len(out) == n {
			break
		}
		if row.consumed || row.delayUntil.After(now) {
			continue
		}
		out = append(out, retrieved(row.msg, row.id, s.table, row.consumed))
	}
	return &sliceCursor{messages: out}, nil
}

func (s *MemoryDelayedStore) MarkConsumed(_ context.Context, messages []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range outboxIDs(messages) {
		for _, row := range s.rows {
			if row.id == id {
				row.consumed = true
			}
		}
	}
	return nil
}

func (s *MemoryDelayedStore) CleanupConsumed(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*memoryRow
	var deleted int64
	for _, row := range s.rows {
		if row.consumed && deleted < int64(limit) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return deleted, nil
}

func (s *MemoryDelayedStore) PendingCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if !row.consumed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryDelayedStore) ConsumedCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.consumed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryDelayedStore) Truncate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	s.nextID = 1
	return nil
}

// MemoryThrottledStore mirrors ThrottledStore's four-branch upsert and
// two-phase consumption in memory, keyed by idempotency key.
type MemoryThrottledStore struct {
	mu     sync.Mutex
	table  string
	rows   []*memoryRow
	byKey  map[string]*memoryRow
	nextID int64
	window time.Duration
	key    KeyResolver
	clock  Clock
}

func NewMemoryThrottledStore(table string, window time.Duration, key KeyResolver, clock Clock) *MemoryThrottledStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryThrottledStore{
		table:  table,
		byKey:  make(map[string]*memoryRow),
		nextID: 1,
		window: window,
		key:    key,
		clock:  clock,
	}
}

func (s *MemoryThrottledStore) Table() string { return s.table }

func (s *MemoryThrottledStore) Persist(_ context.Context, messages []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		now := s.clock.Now()
		key := s.key(m)
		m.Headers = m.Headers.Clone()

		row, exists := s.byKey[key]
		switch {
		case !exists:
			row = &memoryRow{id: s.nextID, key: key, msg: m, delayUntil: now.Add(s.window)}
			s.nextID++
			s.rows = append(s.rows, row)
			s.byKey[key] = row
		case !row.consumedInitially:
			// initial publication still pending, last write wins
			row.msg = m
		case now.Before(row.delayUntil):
			// within the window, schedule the one delayed publication
			row.dispatchDelayed = true
			row.msg = m
		default:
			// window expired, start over as a fresh publication
			row.consumedInitially = false
			row.dispatchDelayed = false
			row.consumedDelayed = false
			row.msg = m
			row.delayUntil = now.Add(s.window)
		}
	}
	return nil
}

func (s *MemoryThrottledStore) RetrieveBatch(_ context.Context, n int) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var out []message.Message
	for _, row := range s.rows {
		if len(out) == n {
			break
		}
		initial := !row.consumedInitially
		delayed := row.consumedInitially && row.dispatchDelayed && !row.consumedDelayed && !row.delayUntil.After(now)
		if !initial && !delayed {
			continue
		}
		out = append(out, retrieved(row.msg, row.id, s.table, row.consumedInitially))
	}
	return &sliceCursor{messages: out}, nil
}

func (s *MemoryThrottledStore) MarkConsumed(_ context.Context, messages []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range outboxIDs(messages) {
		for _, row := range s.rows {
			if row.id != id {
				continue
			}
			if row.consumedInitially && row.dispatchDelayed {
				row.consumedDelayed = true
			}
			row.consumedInitially = true
		}
	}
	return nil
}

func (s *MemoryThrottledStore) CleanupConsumed(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	graceCutoff := s.clock.Now().Add(-s.window)
	var kept []*memoryRow
	var deleted int64
	for _, row := range s.rows {
		terminal := row.consumedInitially && (!row.dispatchDelayed || row.consumedDelayed)
		if terminal && !row.delayUntil.After(graceCutoff) && deleted < int64(limit) {
			delete(s.byKey, row.key)
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return deleted, nil
}

func (s *MemoryThrottledStore) PendingCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if !row.consumedInitially || (row.dispatchDelayed && !row.consumedDelayed) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryThrottledStore) ConsumedCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.consumedInitially && (!row.dispatchDelayed || row.consumedDelayed) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryThrottledStore) Truncate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	s.byKey = make(map[string]*memoryRow)
	s.nextID = 1
	return nil
}
