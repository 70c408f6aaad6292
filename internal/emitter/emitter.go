// Package emitter implements the delivery engine: it drains the event queue
// to a remote collector in bounded batches, tolerating offline periods and
// partial failures.
//
// ARCHITECTURE:
//
// Self-driving loop:
// The emitter is IDLE until woken by Add, Flush or Resume. A wake performs
// an atomic IDLE -> RUNNING transition and starts one goroutine that runs
// send cycles until there is nothing left to do, then returns to IDLE.
// Waking a RUNNING emitter is a no-op apart from nudging the loop.
//
// Loop, per iteration:
//  1. Paused or shutting down -> stop
//  2. Offline -> stop
//  3. Queue empty -> count it; stop after emptyLimit consecutive empty
//     polls, otherwise wait one tick (or a wake) and re-check
//  4. Peek up to sendLimit events, build requests, send them
//  5. Remove acknowledged ids; leave failures queued; spend rejection
//     budget for non-retryable statuses
//  6. Invoke the callback with (success, failure)
//  7. All requests failed -> stop; otherwise loop immediately
//
// CRITICAL: Only one loop goroutine exists at a time (atomic running flag).
// Result reconciliation happens on that goroutine before the next decision.
//
// Retry policy:
// Failed events are never delayed individually. Backoff comes only from
// stopping on an all-failure cycle and from the empty-poll tick; the next
// Add, Flush or Resume retries them.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/pulse/internal/clock"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/observe"
	"github.com/roach88/pulse/internal/queue"
)

// Transport delivers requests to the collector.
//
// Send must return exactly one DeliveryResult per request, in the same
// order, carrying the request's event ids.
type Transport interface {
	Send(ctx context.Context, requests []event.Request) []event.DeliveryResult
}

// Emitter is the self-driving delivery engine.
//
// Thread-safety model:
//   - Add, Flush, Pause, Resume, Shutdown: safe from any goroutine
//   - The send loop runs on its own goroutine, at most one at a time
type Emitter struct {
	queue     queue.Queue
	transport Transport
	reach     Reachability
	clock     clock.Clock
	observer  observe.Observer
	logger    *slog.Logger

	method        event.Method
	sendLimit     int
	byteLimitGet  int
	byteLimitPost int
	emptyLimit    int
	tickInterval  time.Duration
	nonRetryable  map[int]struct{}
	maxRejections int
	callback      func(success, failure int)

	running  atomic.Bool
	paused   atomic.Bool
	stopping atomic.Bool
	wake     chan struct{} // Coalesced wake signal (buffered, size 1)

	mu     sync.Mutex // Guards closed and loop start against Shutdown
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle emitter draining q through t.
func New(q queue.Queue, t Transport, opts ...Option) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		queue:         q,
		transport:     t,
		reach:         AlwaysOnline{},
		clock:         clock.System{},
		observer:      observe.Nop{},
		logger:        slog.Default().With("component", "emitter"),
		method:        event.MethodPost,
		sendLimit:     DefaultSendLimit,
		byteLimitGet:  DefaultByteLimitGet,
		byteLimitPost: DefaultByteLimitPost,
		emptyLimit:    DefaultEmptyLimit,
		tickInterval:  DefaultTickInterval,
		maxRejections: DefaultMaxRejections,
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	WithNonRetryableStatuses(DefaultNonRetryableStatuses...)(e)

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Add appends payload to the queue and wakes the send loop.
//
// A queue error is a local fault: it is reported to the observer and
// returned, and the event is not retried. A full queue has already reported
// the refused event as an overflow drop.
func (e *Emitter) Add(ctx context.Context, payload *event.Payload) (int64, error) {
	id, err := e.queue.Add(ctx, payload)
	if err != nil {
		if !errors.Is(err, queue.ErrQueueFull) {
			observe.LocalFault(ctx, e.observer, "emitter.add", err)
		}
		return 0, fmt.Errorf("emitter add: %w", err)
	}
	e.Flush()
	return id, nil
}

// Flush wakes the send loop. If a loop is already running it is nudged out
// of any empty-poll wait; otherwise a new loop starts unless the emitter is
// paused or shut down.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLocked()
}

// Pause stops new cycles from starting. An in-flight cycle finishes; the
// loop exits at the next cycle boundary.
func (e *Emitter) Pause() {
	e.paused.Store(true)
	e.logger.Info("emitter paused")
}

// Resume clears the pause flag and wakes the loop.
func (e *Emitter) Resume() {
	e.paused.Store(false)
	e.logger.Info("emitter resumed")
	e.Flush()
}

// IsRunning reports whether a send loop is active.
func (e *Emitter) IsRunning() bool {
	return e.running.Load()
}

// IsPaused reports whether the emitter is paused.
func (e *Emitter) IsPaused() bool {
	return e.paused.Load()
}

// Shutdown stops accepting wakes and gives the loop up to timeout to drain
// what is queued. While shutting down the loop does not wait on empty
// polls; it stops as soon as the queue is empty or a cycle fully fails.
//
// Returns true if the loop finished within timeout, or if the queue is empty
// once the timeout has cancelled it. On timeout any in-flight send is
// cancelled; unsent events stay queued for the next process.
func (e *Emitter) Shutdown(timeout time.Duration) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return true
	}
	e.stopping.Store(true)
	e.startLocked() // final drain attempt
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		e.cancel()
		e.logger.Info("emitter stopped")
		return true
	case <-timer.C:
	}

	// Out of time: cancel the in-flight send and report whether anything
	// is left behind. A loop that had nothing to send still counts as drained.
	e.cancel()
	<-done
	size, err := e.queue.Size(context.Background())
	if err != nil || size > 0 {
		e.logger.Warn("emitter shutdown timed out", "timeout", timeout, "pending", size)
		return false
	}
	e.logger.Info("emitter stopped")
	return true
}

// startLocked performs the IDLE -> RUNNING transition. Caller holds e.mu.
func (e *Emitter) startLocked() {
	if e.closed || e.paused.Load() {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		// Already running: nudge the loop (non-blocking, coalesced)
		select {
		case e.wake <- struct{}{}:
		default:
		}
		return
	}
	e.wg.Add(1)
	go e.run()
}

// run is the send loop. Exactly one instance runs while e.running is true.
func (e *Emitter) run() {
	defer e.wg.Done()

	e.logger.Debug("send loop starting")
	e.loop(e.ctx)
	e.running.Store(false)
	e.logger.Debug("send loop idle")

	// A wake that raced with the exit decision must not be lost.
	select {
	case <-e.wake:
		e.mu.Lock()
		e.startLocked()
		e.mu.Unlock()
	default:
	}
}

func (e *Emitter) loop(ctx context.Context) {
	empty := 0
	for {
		// Consume any pending wake: this iteration is about to look anyway.
		select {
		case <-e.wake:
		default:
		}

		if e.paused.Load() {
			e.logger.Debug("send loop stopping: paused")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !e.reach.IsOnline() {
			e.logger.Debug("send loop stopping: offline")
			return
		}

		size, err := e.queue.Size(ctx)
		if err != nil {
			observe.LocalFault(ctx, e.observer, "emitter.size", err)
			return
		}

		if size == 0 {
			empty++
			if empty >= e.emptyLimit || e.stopping.Load() {
				e.logger.Debug("send loop stopping: queue empty", "empty_polls", empty)
				return
			}
			timer := time.NewTimer(e.tickInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-e.wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}
		empty = 0

		success, failure, err := e.cycle(ctx)
		if err != nil {
			observe.LocalFault(ctx, e.observer, "emitter.cycle", err)
			return
		}
		if failure > 0 && success == 0 {
			e.logger.Warn("send loop stopping: all requests failed", "failed", failure)
			return
		}
	}
}

// cycle sends one batch and reconciles the results with the queue.
// Returns the number of events that succeeded and failed.
func (e *Emitter) cycle(ctx context.Context) (success, failure int, err error) {
	events, err := e.queue.PeekBatch(ctx, e.sendLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("peek batch: %w", err)
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	byteLimit := e.byteLimitPost
	if e.method == event.MethodGet {
		byteLimit = e.byteLimitGet
	}
	requests := buildRequests(events, e.method, byteLimit, e.clock.Now())
	for _, r := range requests {
		if r.Oversized {
			e.logger.Warn("sending oversized request",
				"event_ids", r.EventIDs,
				"bytes", r.ByteSize(),
				"limit", byteLimit,
			)
		}
	}

	results := e.transport.Send(ctx, requests)
	if len(results) != len(requests) {
		e.logger.Error("transport returned wrong number of results",
			"requests", len(requests),
			"results", len(results),
		)
	}

	var (
		delivered []int64
		rejected  []int64
		transient int
	)
	for i, req := range requests {
		res := event.DeliveryResult{EventIDs: req.EventIDs}
		if i < len(results) {
			res = results[i]
		}
		switch {
		case res.Success:
			delivered = append(delivered, res.EventIDs...)
		case e.isNonRetryable(res.StatusCode):
			rejected = append(rejected, res.EventIDs...)
			e.observer.Observe(ctx, observe.Report{
				Kind:       observe.KindRejected,
				Op:         "emitter.send",
				Count:      len(res.EventIDs),
				StatusCode: res.StatusCode,
			})
		default:
			transient += len(res.EventIDs)
			e.observer.Observe(ctx, observe.Report{
				Kind:       observe.KindTransient,
				Op:         "emitter.send",
				Count:      len(res.EventIDs),
				StatusCode: res.StatusCode,
			})
		}
	}

	success = len(delivered)
	failure = len(rejected) + transient

	if len(delivered) > 0 {
		if err := e.queue.Remove(ctx, delivered); err != nil {
			// Delivered but still queued: they will be sent again.
			observe.LocalFault(ctx, e.observer, "emitter.remove", err)
		}
		e.observer.Observe(ctx, observe.Report{
			Kind:  observe.KindDelivered,
			Op:    "emitter.send",
			Count: len(delivered),
		})
	}

	if len(rejected) > 0 {
		dropped, err := e.queue.Reject(ctx, rejected, e.maxRejections)
		if err != nil {
			observe.LocalFault(ctx, e.observer, "emitter.reject", err)
		} else if len(dropped) > 0 {
			e.logger.Error("dropping events after repeated rejection",
				"event_ids", dropped,
				"max_rejections", e.maxRejections,
			)
			e.observer.Observe(ctx, observe.Report{
				Kind:  observe.KindDropped,
				Op:    "emitter.reject",
				Count: len(dropped),
			})
		}
	}

	e.logger.Debug("send cycle complete",
		"requests", len(requests),
		"success", success,
		"failure", failure,
	)

	if e.callback != nil {
		e.callback(success, failure)
	}

	return success, failure, nil
}

func (e *Emitter) isNonRetryable(status int) bool {
	if status == 0 {
		return false
	}
	_, ok := e.nonRetryable[status]
	return ok
}
