package outbox

import (
	"context"

	"github.com/duna-oss/deltic-sub000/message"
)

// Relay pairs an outbox with a downstream dispatcher. One RelayBatch call
// pulls up to BatchSize messages and pushes them downstream in runs of
// CommitSize, marking each run consumed only after its dispatch succeeded.
// A failed run leaves its rows unconsumed and abandons the rest of the
// batch, so retries replay exactly the undelivered tail.
type Relay struct {
	Outbox     Repository
	Dispatcher message.Dispatcher
	BatchSize  int
	CommitSize int
}

func NewRelay(repo Repository, dispatcher message.Dispatcher, batchSize, commitSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if commitSize <= 0 {
		commitSize = 25
	}
	if commitSize > batchSize {
		commitSize = batchSize
	}
	return &Relay{Outbox: repo, Dispatcher: dispatcher, BatchSize: batchSize, CommitSize: commitSize}
}

// RelayBatch processes one batch and returns how many messages were
// dispatched and marked consumed. The batch is read out and the cursor
// closed before anything is dispatched: marking rows while the cursor still
// holds its connection would contend with the open read when the session
// runs on a single connection.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	cursor, err := r.Outbox.RetrieveBatch(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	batch := make([]message.Message, 0, r.BatchSize)
	for cursor.Next() {
		batch = append(batch, cursor.Message())
	}
	err = cursor.Err()
	cursor.Close()
	if err != nil {
		return 0, err
	}

	total := 0
	for len(batch) > 0 {
		run := batch
		if len(run) > r.CommitSize {
			run = run[:r.CommitSize]
		}
		if err := r.Dispatcher.Send(ctx, run...); err != nil {
			return total, err
		}
		if err := r.Outbox.MarkConsumed(ctx, run); err != nil {
			return total, err
		}
		total += len(run)
		batch = batch[len(run):]
	}
	return total, nil
}
