// Package queue implements the event queue: durable, ordered, at-least-once
// storage for pending outbound payloads.
//
// Contract:
//   - Add assigns a strictly increasing id
//   - PeekBatch is non-destructive and returns the oldest events first
//   - Remove is idempotent; removing an unknown id is a no-op
//   - Nothing leaves the queue except through Remove, Reject (after the
//     rejection budget is spent) or the documented overflow policy
//
// # Capacity
//
// A queue may be bounded with WithMaxEvents. When full, the OverflowPolicy
// decides what happens to the next Add:
//   - DropOldest (default): the oldest events are deleted to make room and
//     the loss is reported to the observer as KindDropped
//   - RejectNew: Add fails with ErrQueueFull and nothing is stored
//
// Unbounded is the default; a bound is never applied silently.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/observe"
)

// ErrQueueFull is returned by Add under the RejectNew policy when the queue
// holds MaxEvents events.
var ErrQueueFull = errors.New("queue full")

// Queue is the event queue contract consumed by the emitter.
type Queue interface {
	// Add stores payload and returns its id.
	Add(ctx context.Context, payload *event.Payload) (int64, error)

	// PeekBatch returns up to max events, oldest first, without removing them.
	PeekBatch(ctx context.Context, max int) ([]event.QueuedEvent, error)

	// Remove deletes the given ids. Unknown ids are ignored.
	Remove(ctx context.Context, ids []int64) error

	// Size returns the number of stored events.
	Size(ctx context.Context) (int, error)

	// Reject records one non-retryable rejection for each id and removes
	// the events that reached maxRejections. Returns the removed ids.
	Reject(ctx context.Context, ids []int64, maxRejections int) ([]int64, error)
}

// OverflowPolicy selects what a bounded queue does when full.
type OverflowPolicy string

const (
	// DropOldest deletes the oldest events to make room for new ones.
	DropOldest OverflowPolicy = "drop_oldest"
	// RejectNew refuses new events with ErrQueueFull.
	RejectNew OverflowPolicy = "reject_new"
)

// ParseOverflowPolicy validates a policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, RejectNew:
		return OverflowPolicy(s), nil
	case "":
		return DropOldest, nil
	default:
		return "", fmt.Errorf("invalid overflow policy %q: must be %q or %q", s, DropOldest, RejectNew)
	}
}

type options struct {
	maxEvents int
	policy    OverflowPolicy
	observer  observe.Observer
}

// Option configures a queue.
type Option func(*options)

// WithMaxEvents bounds the queue to max events using policy when full.
// A max <= 0 leaves the queue unbounded.
func WithMaxEvents(max int, policy OverflowPolicy) Option {
	return func(o *options) {
		o.maxEvents = max
		o.policy = policy
	}
}

// WithObserver sets the observer that receives overflow and corruption
// reports.
func WithObserver(obs observe.Observer) Option {
	return func(o *options) {
		o.observer = observe.Or(obs)
	}
}

func newOptions(opts []Option) options {
	o := options{policy: DropOldest, observer: observe.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// rejectFull reports an event refused by a full RejectNew queue and returns
// the error for Add. The refusal is an overflow loss like a DropOldest
// eviction and is reported the same way.
func (o options) rejectFull(ctx context.Context) error {
	err := fmt.Errorf("queue add: %w (max %d)", ErrQueueFull, o.maxEvents)
	o.observer.Observe(ctx, observe.Report{
		Kind:  observe.KindDropped,
		Op:    "queue.overflow",
		Count: 1,
		Err:   err,
	})
	return err
}
