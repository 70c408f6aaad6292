package queue

import (
	"context"
	"sync"

	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/observe"
)

type memEntry struct {
	id         int64
	payload    *event.Payload
	rejections int
}

// MemoryQueue is a process-local queue. It honors the same contract as
// SQLQueue except durability: contents are lost when the process exits.
//
// Thread-safety: all methods are safe for concurrent use. The lock is held
// only for slice operations, never across I/O.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []memEntry
	nextID  int64
	opts    options
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{opts: newOptions(opts)}
}

// Add stores a copy of payload and returns its id.
func (q *MemoryQueue) Add(ctx context.Context, payload *event.Payload) (int64, error) {
	q.mu.Lock()
	dropped := 0
	if q.opts.maxEvents > 0 && len(q.entries) >= q.opts.maxEvents {
		if q.opts.policy != DropOldest {
			q.mu.Unlock()
			return 0, q.opts.rejectFull(ctx)
		}
		dropped = len(q.entries) - q.opts.maxEvents + 1
		clear(q.entries[:dropped])
		q.entries = q.entries[dropped:]
	}
	q.nextID++
	id := q.nextID
	q.entries = append(q.entries, memEntry{id: id, payload: payload.Copy()})
	q.mu.Unlock()

	if dropped > 0 {
		q.opts.observer.Observe(ctx, observe.Report{
			Kind:  observe.KindDropped,
			Op:    "queue.overflow",
			Count: dropped,
		})
	}
	return id, nil
}

// PeekBatch returns copies of up to max events, oldest first.
func (q *MemoryQueue) PeekBatch(_ context.Context, max int) ([]event.QueuedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, len(q.entries))
	if n < 0 {
		n = 0
	}
	out := make([]event.QueuedEvent, n)
	for i := 0; i < n; i++ {
		out[i] = event.QueuedEvent{ID: q.entries[i].id, Payload: q.entries[i].payload.Copy()}
	}
	return out, nil
}

// Remove deletes the given ids. Unknown ids are ignored.
func (q *MemoryQueue) Remove(_ context.Context, ids []int64) error {
	q.removeWhere(idSet(ids), func(memEntry) bool { return true })
	return nil
}

// Size returns the number of stored events.
func (q *MemoryQueue) Size(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Reject records a rejection for each id and removes exhausted events.
func (q *MemoryQueue) Reject(_ context.Context, ids []int64, maxRejections int) ([]int64, error) {
	set := idSet(ids)
	q.mu.Lock()
	for i := range q.entries {
		if _, ok := set[q.entries[i].id]; ok {
			q.entries[i].rejections++
		}
	}
	q.mu.Unlock()

	return q.removeWhere(set, func(e memEntry) bool { return e.rejections >= maxRejections }), nil
}

// removeWhere deletes entries whose id is in set and that satisfy pred,
// returning the removed ids in ascending order.
func (q *MemoryQueue) removeWhere(set map[int64]struct{}, pred func(memEntry) bool) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := []int64{}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := set[e.id]; ok && pred(e) {
			removed = append(removed, e.id)
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	return removed
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
