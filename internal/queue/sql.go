package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/observe"
	"github.com/roach88/pulse/internal/store"
)

// SQLQueue is a durable queue backed by the store's events table.
// Events survive process restart; ids continue from the last stored id.
//
// Thread-safety: SQLQueue is safe for concurrent use. The store serializes
// writes through a single connection; reads never hold it across calls.
type SQLQueue struct {
	store  *store.Store
	opts   options
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLQueue creates a queue on top of an opened store.
func NewSQLQueue(s *store.Store, opts ...Option) *SQLQueue {
	return &SQLQueue{
		store:  s,
		opts:   newOptions(opts),
		now:    time.Now,
		logger: slog.Default().With("component", "queue"),
	}
}

// Add serializes payload and appends it, applying the overflow policy.
func (q *SQLQueue) Add(ctx context.Context, payload *event.Payload) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("queue add: marshal payload: %w", err)
	}

	id, dropped, err := q.store.InsertEventBounded(ctx, data, q.now(),
		q.opts.maxEvents, q.opts.policy == DropOldest)
	if errors.Is(err, store.ErrCapacity) {
		return 0, q.opts.rejectFull(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("queue add: %w", err)
	}

	if dropped > 0 {
		q.opts.observer.Observe(ctx, observe.Report{
			Kind:  observe.KindDropped,
			Op:    "queue.overflow",
			Count: int(dropped),
		})
	}

	q.logger.Debug("event queued", "id", id, "bytes", len(data))
	return id, nil
}

// PeekBatch returns up to max events, oldest first.
//
// A row whose payload can no longer be decoded is deleted and reported as a
// local fault; leaving it would block the head of the queue forever.
func (q *SQLQueue) PeekBatch(ctx context.Context, max int) ([]event.QueuedEvent, error) {
	if max <= 0 {
		return []event.QueuedEvent{}, nil
	}
	rows, err := q.store.ReadEvents(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("queue peek: %w", err)
	}

	events := make([]event.QueuedEvent, 0, len(rows))
	var corrupt []int64
	for _, row := range rows {
		p := event.NewPayload()
		if err := json.Unmarshal(row.Payload, p); err != nil {
			observe.LocalFault(ctx, q.opts.observer, "queue.decode",
				fmt.Errorf("event %d: %w", row.ID, err))
			corrupt = append(corrupt, row.ID)
			continue
		}
		events = append(events, event.QueuedEvent{ID: row.ID, Payload: p})
	}

	if len(corrupt) > 0 {
		if _, err := q.store.DeleteEvents(ctx, corrupt); err != nil {
			q.logger.Error("failed to delete corrupt events", "ids", corrupt, "error", err)
		}
	}

	return events, nil
}

// Remove deletes the given ids. Unknown ids are ignored.
func (q *SQLQueue) Remove(ctx context.Context, ids []int64) error {
	if _, err := q.store.DeleteEvents(ctx, ids); err != nil {
		return fmt.Errorf("queue remove: %w", err)
	}
	return nil
}

// Size returns the number of stored events.
func (q *SQLQueue) Size(ctx context.Context) (int, error) {
	n, err := q.store.CountEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// Reject records a rejection for each id and removes exhausted events.
func (q *SQLQueue) Reject(ctx context.Context, ids []int64, maxRejections int) ([]int64, error) {
	dropped, err := q.store.RejectEvents(ctx, ids, maxRejections)
	if err != nil {
		return nil, fmt.Errorf("queue reject: %w", err)
	}
	return dropped, nil
}

// Purge removes every stored event and returns how many were removed.
func (q *SQLQueue) Purge(ctx context.Context) (int, error) {
	n, err := q.store.DeleteAllEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue purge: %w", err)
	}
	return int(n), nil
}
