// Package observe is the single observability hook of the pipeline.
//
// Every outcome the pipeline does not make a policy decision about is
// reported here: delivered events, transient delivery failures, permanent
// rejections, events dropped after repeated rejection or queue overflow, and
// local faults (storage or serialization errors). Operators distinguish
// them by Kind.
package observe

import (
	"context"
	"errors"
	"log/slog"
)

// Kind classifies a report.
type Kind string

const (
	// KindDelivered counts events acknowledged by the collector.
	KindDelivered Kind = "delivered"
	// KindTransient counts events whose request failed without a response
	// or with a retryable status. They stay queued.
	KindTransient Kind = "transient"
	// KindRejected counts events whose request got a non-retryable status.
	// They stay queued until their rejection budget is spent.
	KindRejected Kind = "rejected"
	// KindDropped counts events removed without delivery: rejection budget
	// exhausted or queue overflow.
	KindDropped Kind = "dropped"
	// KindLocal counts events lost to a local storage or encoding fault.
	KindLocal Kind = "local"
)

// Report describes one observed outcome.
type Report struct {
	Kind       Kind
	Op         string // e.g. "emitter.send", "queue.add", "session.persist"
	Count      int    // number of events affected
	StatusCode int    // HTTP status when one was received
	Err        error
}

// Observer receives reports. Implementations must be safe for concurrent
// use and must not block.
type Observer interface {
	Observe(ctx context.Context, r Report)
}

// Func adapts a function into an Observer.
type Func func(ctx context.Context, r Report)

// Observe calls f.
func (f Func) Observe(ctx context.Context, r Report) {
	f(ctx, r)
}

// Nop discards every report.
type Nop struct{}

// Observe does nothing.
func (Nop) Observe(context.Context, Report) {}

// Multi fans a report out to several observers in order.
type Multi []Observer

// Observe forwards r to every observer.
func (m Multi) Observe(ctx context.Context, r Report) {
	for _, o := range m {
		o.Observe(ctx, r)
	}
}

// LogObserver writes reports to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger.With("component", "observe")}
}

// Observe logs r at a level matching its kind.
func (o *LogObserver) Observe(ctx context.Context, r Report) {
	attrs := []any{
		"kind", string(r.Kind),
		"op", r.Op,
		"count", r.Count,
	}
	if r.StatusCode != 0 {
		attrs = append(attrs, "status", r.StatusCode)
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}

	switch r.Kind {
	case KindDelivered:
		o.logger.DebugContext(ctx, "events delivered", attrs...)
	case KindTransient:
		o.logger.WarnContext(ctx, "transient delivery failure", attrs...)
	case KindRejected:
		o.logger.WarnContext(ctx, "events rejected by collector", attrs...)
	case KindDropped:
		o.logger.ErrorContext(ctx, "events dropped", attrs...)
	case KindLocal:
		o.logger.ErrorContext(ctx, "local fault", attrs...)
	default:
		o.logger.InfoContext(ctx, "pipeline report", attrs...)
	}
}

// Or returns o, or Nop if o is nil.
func Or(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// LocalFault is a convenience for reporting a local fault on one event.
func LocalFault(ctx context.Context, o Observer, op string, err error) {
	if err == nil {
		err = errors.New("unknown local fault")
	}
	o.Observe(ctx, Report{Kind: KindLocal, Op: op, Count: 1, Err: err})
}
