// Package tracker is the front of the pipeline: it accepts events from any
// goroutine and hands them to a worker pool that enriches them through the
// state manager and queues the resulting payloads on the emitter.
//
// ARCHITECTURE:
//
//	Track ──▶ workQueue ──▶ N workers ──▶ state.Manager.Process
//	                                        │
//	                                        ▼
//	                      entities + payload values ──▶ Payload ──▶ Emitter.Add
//
// Track is fire-and-forget: it assigns the event id and timestamp and
// returns without waiting for enrichment or storage. Local faults during
// processing are reported to the observer and the event is dropped.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/pulse/internal/clock"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/ids"
	"github.com/roach88/pulse/internal/machines"
	"github.com/roach88/pulse/internal/observe"
	"github.com/roach88/pulse/internal/session"
	"github.com/roach88/pulse/internal/state"
)

// DefaultWorkers is the worker pool size.
const DefaultWorkers = 4

// Event is a self-describing event tracked by application code.
type Event struct {
	// Schema is the iglu URI of the event data.
	Schema string
	Data   map[string]any

	// Entities are attached in addition to the generated ones.
	Entities []event.Entity

	// TrueTimestamp is the caller-asserted time of the event, if known.
	TrueTimestamp *time.Time
}

// Emitter is the delivery side the tracker feeds.
type Emitter interface {
	Add(ctx context.Context, payload *event.Payload) (int64, error)
	Flush()
	Pause()
	Resume()
	Shutdown(timeout time.Duration) bool
}

// Tracker enriches and queues events.
//
// Thread-safety: All methods are safe for concurrent use.
type Tracker struct {
	emitter   Emitter
	states    *state.Manager
	session   *session.Session
	providers []Provider

	namespace string
	appID     string
	platform  string
	base64    bool
	screen    bool
	lifecycle bool
	workers   int

	ids      ids.Generator
	clock    clock.Clock
	observer observe.Observer
	logger   *slog.Logger

	mu              sync.Mutex // Guards the lifecycle counters
	foregroundIndex int
	backgroundIndex int

	work   *workQueue
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNamespace sets the tracker namespace sent as tna.
func WithNamespace(ns string) Option {
	return func(t *Tracker) { t.namespace = ns }
}

// WithAppID sets the application id sent as aid.
func WithAppID(id string) Option {
	return func(t *Tracker) { t.appID = id }
}

// WithPlatform sets the platform code sent as p.
func WithPlatform(p string) Option {
	return func(t *Tracker) {
		if p != "" {
			t.platform = p
		}
	}
}

// WithBase64 selects base64 encoding for event data and contexts.
func WithBase64(on bool) Option {
	return func(t *Tracker) { t.base64 = on }
}

// WithSession attaches a session. Its machine is registered under
// session.Identifier.
func WithSession(s *session.Session) Option {
	return func(t *Tracker) { t.session = s }
}

// WithScreenTracking registers the screen machine.
func WithScreenTracking(on bool) Option {
	return func(t *Tracker) { t.screen = on }
}

// WithLifecycleTracking registers the lifecycle machine and makes
// SetBackground track foreground/background events.
func WithLifecycleTracking(on bool) Option {
	return func(t *Tracker) { t.lifecycle = on }
}

// WithProviders adds entity providers.
func WithProviders(p ...Provider) Option {
	return func(t *Tracker) { t.providers = append(t.providers, p...) }
}

// WithWorkers sets the worker pool size. Values < 1 mean 1.
func WithWorkers(n int) Option {
	return func(t *Tracker) { t.workers = max(n, 1) }
}

// WithIDGenerator sets the event id generator.
func WithIDGenerator(g ids.Generator) Option {
	return func(t *Tracker) { t.ids = ids.Or(g) }
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = clock.Or(c) }
}

// WithObserver sets the hook receiving local faults.
func WithObserver(o observe.Observer) Option {
	return func(t *Tracker) { t.observer = observe.Or(o) }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l.With("component", "tracker")
		}
	}
}

// New creates a tracker feeding em and starts its workers.
func New(em Emitter, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		emitter:  em,
		states:   state.NewManager(),
		platform: event.DefaultPlatform,
		workers:  DefaultWorkers,
		ids:      ids.UUIDGenerator{},
		clock:    clock.System{},
		observer: observe.Nop{},
		logger:   slog.Default().With("component", "tracker"),
		work:     newWorkQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.session != nil {
		t.states.Add(session.Identifier, session.NewMachine(t.session))
	}
	if t.screen {
		t.states.Add(machines.ScreenIdentifier, machines.ScreenMachine{})
	}
	if t.lifecycle {
		t.states.Add(machines.LifecycleIdentifier, machines.LifecycleMachine{})
	}

	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}

	t.logger.Info("tracker started",
		"namespace", t.namespace,
		"workers", t.workers,
		"machines", t.states.Identifiers(),
	)
	return t
}

// AddMachine registers a feature machine.
func (t *Tracker) AddMachine(identifier string, m state.Machine) {
	t.states.Add(identifier, m)
}

// RemoveMachine unregisters a feature machine.
func (t *Tracker) RemoveMachine(identifier string) bool {
	return t.states.Remove(identifier)
}

// Session returns the attached session, or nil.
func (t *Tracker) Session() *session.Session {
	return t.session
}

// Track queues ev for processing and returns its event id. Returns "" if
// the tracker is shut down.
func (t *Tracker) Track(ev Event) string {
	j := job{
		eventID:   t.ids.Generate(),
		timestamp: t.clock.Now(),
		event: Event{
			Schema:        ev.Schema,
			Data:          maps.Clone(ev.Data),
			Entities:      entitiesCopy(ev.Entities),
			TrueTimestamp: ev.TrueTimestamp,
		},
	}
	if !t.work.Enqueue(j) {
		t.logger.Warn("event dropped: tracker is shut down", "schema", ev.Schema)
		return ""
	}
	return j.eventID
}

// SetBackground switches the session timeout and, with lifecycle tracking
// on, tracks the matching application_background/foreground event.
func (t *Tracker) SetBackground(background bool) {
	if t.session != nil {
		t.session.SetBackground(background)
	}
	if !t.lifecycle {
		return
	}

	t.mu.Lock()
	var ev Event
	if background {
		t.backgroundIndex++
		ev = Event{
			Schema: event.SchemaBackground,
			Data:   map[string]any{machines.KeyBackgroundIndex: t.backgroundIndex},
		}
	} else {
		t.foregroundIndex++
		ev = Event{
			Schema: event.SchemaForeground,
			Data:   map[string]any{machines.KeyForegroundIndex: t.foregroundIndex},
		}
	}
	t.mu.Unlock()

	t.Track(ev)
}

// Flush wakes the emitter.
func (t *Tracker) Flush() { t.emitter.Flush() }

// Pause stops new send cycles.
func (t *Tracker) Pause() { t.emitter.Pause() }

// Resume restarts sending.
func (t *Tracker) Resume() { t.emitter.Resume() }

// Pending returns the number of tracked events not yet processed.
func (t *Tracker) Pending() int {
	return t.work.Len()
}

// Shutdown stops accepting events, waits for the workers to process what
// was already tracked, then shuts the emitter down, all within timeout.
// Returns true if everything drained in time.
func (t *Tracker) Shutdown(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t.work.Close()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		t.cancel()
		t.logger.Warn("tracker shutdown timed out with events pending", "pending", t.work.Len())
		t.emitter.Shutdown(0)
		return false
	}
	t.cancel()

	ok := t.emitter.Shutdown(max(time.Until(deadline), 0))
	t.logger.Info("tracker stopped", "drained", ok)
	return ok
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for {
		if j, ok := t.work.TryDequeue(); ok {
			t.process(t.ctx, j)
			continue
		}
		if t.work.Closed() {
			return
		}
		select {
		case <-t.ctx.Done():
			return
		case <-t.work.Wait():
		}
	}
}

// process enriches one event and queues its payload. Faults are local:
// reported, logged and the event dropped.
func (t *Tracker) process(ctx context.Context, j job) {
	tev := &state.TrackerEvent{
		Schema:        j.event.Schema,
		Data:          j.event.Data,
		EventID:       j.eventID,
		Timestamp:     j.timestamp,
		TrueTimestamp: j.event.TrueTimestamp,
	}
	t.states.Process(ctx, tev)

	data := tev.DataCopy()
	if data == nil {
		data = map[string]any{}
	}
	maps.Copy(data, t.states.PayloadValuesFor(tev))

	entities := j.event.Entities
	entities = append(entities, t.states.EntitiesFor(tev)...)
	for _, p := range t.providers {
		entities = append(entities, p.Entities(ctx)...)
	}

	payload, err := t.payload(j, data, entities)
	if err != nil {
		observe.LocalFault(ctx, t.observer, "tracker.payload", err)
		t.logger.Error("event dropped: cannot build payload", "event_id", j.eventID, "error", err)
		return
	}

	if _, err := t.emitter.Add(ctx, payload); err != nil {
		// The emitter reports queue faults itself
		t.logger.Error("event dropped: cannot queue payload", "event_id", j.eventID, "error", err)
		return
	}
	t.logger.Debug("event queued", "event_id", j.eventID, "schema", j.event.Schema, "entities", len(entities))
}

func (t *Tracker) payload(j job, data map[string]any, entities []event.Entity) (*event.Payload, error) {
	p := event.NewPayload()
	p.Add(event.KeyEvent, event.EventUnstructured)
	p.Add(event.KeyEventID, j.eventID)
	p.Add(event.KeyDeviceTimestamp, millis(j.timestamp))
	if j.event.TrueTimestamp != nil {
		p.Add(event.KeyTrueTimestamp, millis(*j.event.TrueTimestamp))
	}
	p.Add(event.KeyTrackerVersion, event.TrackerVersion)
	p.Add(event.KeyNamespace, t.namespace)
	p.Add(event.KeyAppID, t.appID)
	p.Add(event.KeyPlatform, t.platform)

	ue := event.Envelope{
		Schema: event.SchemaUnstructured,
		Data:   event.Envelope{Schema: j.event.Schema, Data: data},
	}
	if err := p.AddJSON(ue, t.base64, event.KeyUnstructuredB64, event.KeyUnstructured); err != nil {
		return nil, fmt.Errorf("event data: %w", err)
	}

	if len(entities) > 0 {
		co := event.Envelope{Schema: event.SchemaContexts, Data: entities}
		if err := p.AddJSON(co, t.base64, event.KeyContextsB64, event.KeyContexts); err != nil {
			return nil, fmt.Errorf("contexts: %w", err)
		}
	}
	return p, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
