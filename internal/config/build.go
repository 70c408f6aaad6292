package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/pulse/internal/emitter"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/observe"
	"github.com/roach88/pulse/internal/queue"
	"github.com/roach88/pulse/internal/session"
	"github.com/roach88/pulse/internal/store"
	"github.com/roach88/pulse/internal/tracker"
	"github.com/roach88/pulse/internal/transport"
)

// Pipeline is a fully wired tracker with its storage and delivery side.
type Pipeline struct {
	Store     *store.Store
	Queue     *queue.SQLQueue
	Transport *transport.HTTPTransport
	Emitter   *emitter.Emitter
	Session   *session.Session // nil when sessions are off
	Tracker   *tracker.Tracker
}

type buildOptions struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	reachability  emitter.Reachability
	transport     emitter.Transport
	callback      func(success, failure int)
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

// WithLogger sets the logger every component derives from.
func WithLogger(l *slog.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = l }
}

// WithMeterProvider adds metric counters to the observability hook.
func WithMeterProvider(mp metric.MeterProvider) BuildOption {
	return func(o *buildOptions) { o.meterProvider = mp }
}

// WithReachability sets the online check of the emitter.
func WithReachability(r emitter.Reachability) BuildOption {
	return func(o *buildOptions) { o.reachability = r }
}

// WithTransport replaces the HTTP transport, e.g. for tests.
func WithTransport(t emitter.Transport) BuildOption {
	return func(o *buildOptions) { o.transport = t }
}

// WithCallback sets the per-cycle delivery callback.
func WithCallback(cb func(success, failure int)) BuildOption {
	return func(o *buildOptions) { o.callback = cb }
}

// OpenQueue opens the durable queue described by cfg without the delivery
// side, for inspection commands.
func OpenQueue(cfg Config, obs observe.Observer) (*store.Store, *queue.SQLQueue, error) {
	policy, err := queue.ParseOverflowPolicy(cfg.Overflow)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	q := queue.NewSQLQueue(st,
		queue.WithMaxEvents(cfg.MaxEvents, policy),
		queue.WithObserver(obs),
	)
	return st, q, nil
}

// Build wires store, queue, transport, emitter, session and tracker.
func Build(ctx context.Context, cfg Config, opts ...BuildOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	observers := observe.Multi{observe.NewLogObserver(logger)}
	if o.meterProvider != nil {
		mo, err := observe.NewMetricsObserver(o.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("metrics observer: %w", err)
		}
		observers = append(observers, mo)
	}

	st, q, err := OpenQueue(cfg, observers)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{Store: st, Queue: q}

	sender := o.transport
	if sender == nil {
		if cfg.Endpoint == "" {
			st.Close()
			return nil, fmt.Errorf("%w: endpoint is required", ErrInvalid)
		}
		ht, err := transport.New(cfg.Endpoint,
			transport.WithTimeout(cfg.RequestTimeout),
			transport.WithConcurrency(cfg.Concurrency),
			transport.WithLogger(logger),
		)
		if err != nil {
			st.Close()
			return nil, err
		}
		p.Transport = ht
		sender = ht
	}

	emOpts := []emitter.Option{
		emitter.WithMethod(event.Method(cfg.Method)),
		emitter.WithSendLimit(cfg.SendLimit),
		emitter.WithByteLimits(cfg.ByteLimitGet, cfg.ByteLimitPost),
		emitter.WithEmptyLimit(cfg.EmptyLimit),
		emitter.WithTickInterval(cfg.TickInterval),
		emitter.WithNonRetryableStatuses(cfg.NonRetryableStatuses...),
		emitter.WithMaxRejections(cfg.MaxRejections),
		emitter.WithObserver(observers),
		emitter.WithLogger(logger),
	}
	if o.reachability != nil {
		emOpts = append(emOpts, emitter.WithReachability(o.reachability))
	}
	if o.callback != nil {
		emOpts = append(emOpts, emitter.WithCallback(o.callback))
	}
	p.Emitter = emitter.New(q, sender, emOpts...)

	trOpts := []tracker.Option{
		tracker.WithNamespace(cfg.Namespace),
		tracker.WithAppID(cfg.AppID),
		tracker.WithPlatform(cfg.Platform),
		tracker.WithBase64(cfg.Base64),
		tracker.WithScreenTracking(cfg.ScreenTracking),
		tracker.WithLifecycleTracking(cfg.LifecycleTracking),
		tracker.WithWorkers(cfg.Workers),
		tracker.WithObserver(observers),
		tracker.WithLogger(logger),
	}
	if cfg.Session {
		p.Session = session.New(ctx,
			session.WithStorage(session.NewStoreStorage(st)),
			session.WithTimeouts(cfg.ForegroundTimeout, cfg.BackgroundTimeout),
			session.WithAnonymous(cfg.Anonymous),
			session.WithObserver(observers),
			session.WithLogger(logger),
		)
		trOpts = append(trOpts, tracker.WithSession(p.Session))
	}
	p.Tracker = tracker.New(p.Emitter, trOpts...)

	return p, nil
}

// Close drains the tracker and emitter within timeout, then closes the
// store. Returns whether the drain completed.
func (p *Pipeline) Close(timeout time.Duration) (bool, error) {
	drained := p.Tracker.Shutdown(timeout)
	if err := p.Store.Close(); err != nil {
		return drained, fmt.Errorf("close store: %w", err)
	}
	return drained, nil
}
