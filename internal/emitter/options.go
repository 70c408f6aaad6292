package emitter

import (
	"log/slog"
	"time"

	"github.com/roach88/pulse/internal/clock"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/observe"
)

// Defaults applied by New.
const (
	DefaultSendLimit     = 150
	DefaultByteLimitGet  = 40000
	DefaultByteLimitPost = 40000
	DefaultEmptyLimit    = 5
	DefaultTickInterval  = 5 * time.Second
	DefaultMaxRejections = 3
)

// DefaultNonRetryableStatuses are statuses that count against an event's
// rejection budget instead of being retried forever.
var DefaultNonRetryableStatuses = []int{400, 401, 403, 410, 413, 422}

// Option allows configuration of emitter parameters.
type Option func(*Emitter)

// WithMethod selects GET (one event per request) or POST (batched).
// Default: POST.
func WithMethod(m event.Method) Option {
	return func(e *Emitter) {
		e.method = m
	}
}

// WithSendLimit caps how many events are pulled from the queue per cycle.
func WithSendLimit(n int) Option {
	return func(e *Emitter) {
		e.sendLimit = n
	}
}

// WithByteLimits sets the per-request byte ceilings for GET and POST.
func WithByteLimits(get, post int) Option {
	return func(e *Emitter) {
		e.byteLimitGet = get
		e.byteLimitPost = post
	}
}

// WithEmptyLimit sets how many consecutive empty polls end a cycle.
//
// Default: 5. Use WithEmptyLimit(0) to stop as soon as the queue is empty.
func WithEmptyLimit(n int) Option {
	return func(e *Emitter) {
		e.emptyLimit = n
	}
}

// WithTickInterval sets the wait between empty polls.
func WithTickInterval(d time.Duration) Option {
	return func(e *Emitter) {
		e.tickInterval = d
	}
}

// WithCallback registers a function invoked once per send cycle with the
// number of events that succeeded and failed. It runs on the emitter
// goroutine and should return quickly.
func WithCallback(cb func(success, failure int)) Option {
	return func(e *Emitter) {
		e.callback = cb
	}
}

// WithNonRetryableStatuses replaces the set of statuses treated as
// permanent rejections.
func WithNonRetryableStatuses(codes ...int) Option {
	return func(e *Emitter) {
		e.nonRetryable = make(map[int]struct{}, len(codes))
		for _, c := range codes {
			e.nonRetryable[c] = struct{}{}
		}
	}
}

// WithMaxRejections sets how many non-retryable responses an event may get
// before it is dropped. Values < 1 are treated as 1.
func WithMaxRejections(n int) Option {
	return func(e *Emitter) {
		e.maxRejections = max(n, 1)
	}
}

// WithReachability sets the online check consulted before each cycle.
func WithReachability(r Reachability) Option {
	return func(e *Emitter) {
		e.reach = r
	}
}

// WithObserver sets the observability hook.
func WithObserver(o observe.Observer) Option {
	return func(e *Emitter) {
		e.observer = observe.Or(o)
	}
}

// WithClock sets the clock used for the sent timestamp.
func WithClock(c clock.Clock) Option {
	return func(e *Emitter) {
		e.clock = clock.Or(c)
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l.With("component", "emitter")
		}
	}
}
