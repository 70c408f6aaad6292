package tracker

import (
	"sync"
	"time"
)

// job is one tracked event waiting for enrichment.
type job struct {
	eventID   string
	timestamp time.Time
	event     Event
}

// workQueue is a thread-safe FIFO feeding the worker pool.
//
// The queue is unbounded so Track never blocks the caller; durable
// bounding happens in the event queue behind the emitter.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the workers (prevents goroutine hangs on shutdown).
type workQueue struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
	signal chan struct{} // Signals job availability (buffered, size 1)
}

func newWorkQueue() *workQueue {
	return &workQueue{
		jobs:   make([]job, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed.
func (q *workQueue) Enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.jobs = append(q.jobs, j)
	q.notifyLocked()
	return true
}

// TryDequeue removes the front job without blocking.
func (q *workQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]

	// Nil out the slot so the event data can be collected
	q.jobs[0] = job{}

	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
		// Signals coalesce: hand the remaining work to another worker
		q.notifyLocked()
	}

	return j, true
}

// notifyLocked signals availability (non-blocking). Caller holds q.mu.
func (q *workQueue) notifyLocked() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when jobs may be available. It is
// closed once the queue is closed.
func (q *workQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending jobs.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and wakes every waiting worker. Jobs already
// queued can still be dequeued.
func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *workQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
