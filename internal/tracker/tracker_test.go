package tracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/clock"
	"github.com/roach88/pulse/internal/emitter"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/ids"
	"github.com/roach88/pulse/internal/machines"
	"github.com/roach88/pulse/internal/observe"
	"github.com/roach88/pulse/internal/queue"
	"github.com/roach88/pulse/internal/session"
	"github.com/roach88/pulse/internal/testutil"
)

const clickSchema = "iglu:com.example/click/jsonschema/1-0-0"

var now = time.UnixMilli(1767268800000)

// captureEmitter records payloads instead of sending them.
type captureEmitter struct {
	mu       sync.Mutex
	payloads []*event.Payload
	err      error
	attempts int
	flushes  int
	pauses   int
	resumes  int
	shutdown bool
}

func (c *captureEmitter) Add(_ context.Context, p *event.Payload) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.err != nil {
		return 0, c.err
	}
	c.payloads = append(c.payloads, p)
	return int64(len(c.payloads)), nil
}

func (c *captureEmitter) Flush()  { c.mu.Lock(); c.flushes++; c.mu.Unlock() }
func (c *captureEmitter) Pause()  { c.mu.Lock(); c.pauses++; c.mu.Unlock() }
func (c *captureEmitter) Resume() { c.mu.Lock(); c.resumes++; c.mu.Unlock() }

func (c *captureEmitter) Shutdown(time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	return true
}

func (c *captureEmitter) all() []*event.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.Payload(nil), c.payloads...)
}

func (c *captureEmitter) waitFor(t *testing.T, n int) []*event.Payload {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.all()
}

func newTestTracker(t *testing.T, em Emitter, opts ...Option) *Tracker {
	t.Helper()
	base := []Option{
		WithWorkers(1),
		WithIDGenerator(ids.NewSequence("evt")),
		WithClock(clock.NewManual(now)),
		WithNamespace("ns"),
		WithAppID("app"),
	}
	tr := New(em, append(base, opts...)...)
	t.Cleanup(func() { tr.Shutdown(time.Second) })
	return tr
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	return session.New(context.Background(),
		session.WithClock(clock.NewManual(now)),
		session.WithIDGenerator(ids.NewSequence("s")),
	)
}

type selfDescribing struct {
	Schema string `json:"schema"`
	Data   struct {
		Schema string         `json:"schema"`
		Data   map[string]any `json:"data"`
	} `json:"data"`
}

type contexts struct {
	Schema string         `json:"schema"`
	Data   []event.Entity `json:"data"`
}

func decodeEvent(t *testing.T, p *event.Payload) selfDescribing {
	t.Helper()
	var sd selfDescribing
	require.NoError(t, json.Unmarshal([]byte(p.GetString(event.KeyUnstructured)), &sd))
	return sd
}

func decodeContexts(t *testing.T, p *event.Payload) contexts {
	t.Helper()
	var co contexts
	raw := p.GetString(event.KeyContexts)
	if raw == "" {
		return co
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &co))
	return co
}

func entityBySchema(co contexts, schema string) (event.Entity, bool) {
	for _, e := range co.Data {
		if e.Schema == schema {
			return e, true
		}
	}
	return event.Entity{}, false
}

func TestTracker_BuildsPayload(t *testing.T) {
	em := &captureEmitter{}
	tr := newTestTracker(t, em, WithSession(newTestSession(t)))

	trueTime := now.Add(-time.Second)
	id := tr.Track(Event{
		Schema:        clickSchema,
		Data:          map[string]any{"target": "buy"},
		TrueTimestamp: &trueTime,
	})
	assert.Equal(t, "evt-1", id)

	p := em.waitFor(t, 1)[0]
	assert.Equal(t, event.EventUnstructured, p.GetString(event.KeyEvent))
	assert.Equal(t, "evt-1", p.GetString(event.KeyEventID))
	assert.Equal(t, "1767268800000", p.GetString(event.KeyDeviceTimestamp))
	assert.Equal(t, "1767268799000", p.GetString(event.KeyTrueTimestamp))
	assert.Equal(t, event.TrackerVersion, p.GetString(event.KeyTrackerVersion))
	assert.Equal(t, "ns", p.GetString(event.KeyNamespace))
	assert.Equal(t, "app", p.GetString(event.KeyAppID))
	assert.Equal(t, event.DefaultPlatform, p.GetString(event.KeyPlatform))

	sd := decodeEvent(t, p)
	assert.Equal(t, event.SchemaUnstructured, sd.Schema)
	assert.Equal(t, clickSchema, sd.Data.Schema)
	assert.Equal(t, map[string]any{"target": "buy"}, sd.Data.Data)

	co := decodeContexts(t, p)
	assert.Equal(t, event.SchemaContexts, co.Schema)
	sess, ok := entityBySchema(co, event.SchemaSession)
	require.True(t, ok)
	assert.Equal(t, float64(1), sess.Data["session_index"])
	assert.Equal(t, float64(0), sess.Data["event_index"])
}

func TestTracker_Base64(t *testing.T) {
	em := &captureEmitter{}
	tr := newTestTracker(t, em, WithBase64(true), WithProviders(StaticProvider{
		event.NewEntity("iglu:com.example/device/jsonschema/1-0-0", map[string]any{"os": "linux"}),
	}))

	tr.Track(Event{Schema: clickSchema, Data: map[string]any{"a": 1}})
	p := em.waitFor(t, 1)[0]

	_, plain := p.Get(event.KeyUnstructured)
	assert.False(t, plain)

	raw, err := base64.RawURLEncoding.DecodeString(p.GetString(event.KeyUnstructuredB64))
	require.NoError(t, err)
	assert.Contains(t, string(raw), clickSchema)

	raw, err = base64.RawURLEncoding.DecodeString(p.GetString(event.KeyContextsB64))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"os":"linux"`)
}

func TestTracker_NoEntitiesNoContexts(t *testing.T) {
	em := &captureEmitter{}
	tr := newTestTracker(t, em)

	tr.Track(Event{Schema: clickSchema})
	p := em.waitFor(t, 1)[0]

	_, ok := p.Get(event.KeyContexts)
	assert.False(t, ok)
	assert.Empty(t, decodeEvent(t, p).Data.Data)
}

func TestTracker_ScreenTracking(t *testing.T) {
	em := &captureEmitter{}
	tr := newTestTracker(t, em, WithScreenTracking(true))

	tr.Track(Event{Schema: event.SchemaScreenView, Data: map[string]any{"id": "s1", "name": "Home"}})
	tr.Track(Event{Schema: event.SchemaScreenView, Data: map[string]any{"id": "s2", "name": "Cart"}})
	tr.Track(Event{Schema: clickSchema})

	payloads := em.waitFor(t, 3)

	second := decodeEvent(t, payloads[1]).Data.Data
	assert.Equal(t, "s1", second["previousId"])
	assert.Equal(t, "Home", second["previousName"])

	screen, ok := entityBySchema(decodeContexts(t, payloads[2]), event.SchemaScreen)
	require.True(t, ok)
	assert.Equal(t, "s2", screen.Data["id"])
}

func TestTracker_SetBackgroundTracksLifecycle(t *testing.T) {
	em := &captureEmitter{}
	s := newTestSession(t)
	tr := newTestTracker(t, em, WithSession(s), WithLifecycleTracking(true))

	tr.SetBackground(true)
	assert.True(t, s.IsBackground())
	tr.SetBackground(false)
	tr.Track(Event{Schema: clickSchema})

	payloads := em.waitFor(t, 3)

	bg := decodeEvent(t, payloads[0]).Data
	assert.Equal(t, event.SchemaBackground, bg.Schema)
	assert.Equal(t, float64(1), bg.Data[machines.KeyBackgroundIndex])

	fg := decodeEvent(t, payloads[1]).Data
	assert.Equal(t, event.SchemaForeground, fg.Schema)

	lc, ok := entityBySchema(decodeContexts(t, payloads[2]), event.SchemaLifecycle)
	require.True(t, ok)
	assert.Equal(t, true, lc.Data["isVisible"])
	assert.Equal(t, float64(1), lc.Data["index"])
}

func TestTracker_SetBackgroundWithoutLifecycleTracksNothing(t *testing.T) {
	em := &captureEmitter{}
	s := newTestSession(t)
	tr := newTestTracker(t, em, WithSession(s))

	tr.SetBackground(true)
	assert.True(t, s.IsBackground())
	assert.True(t, tr.Shutdown(time.Second))
	assert.Empty(t, em.all())
}

func TestTracker_AsyncProvider(t *testing.T) {
	em := &captureEmitter{}
	release := make(chan struct{})
	async := NewAsyncProvider(context.Background(), func(context.Context) []event.Entity {
		<-release
		return []event.Entity{event.NewEntity("iglu:com.example/ad/jsonschema/1-0-0", map[string]any{"id": "ad-1"})}
	})
	tr := newTestTracker(t, em, WithProviders(async))

	tr.Track(Event{Schema: clickSchema})
	first := em.waitFor(t, 1)[0]
	_, ok := entityBySchema(decodeContexts(t, first), "iglu:com.example/ad/jsonschema/1-0-0")
	assert.False(t, ok, "unresolved provider contributes nothing")

	close(release)
	<-async.Done()

	tr.Track(Event{Schema: clickSchema})
	second := em.waitFor(t, 2)[1]
	ad, ok := entityBySchema(decodeContexts(t, second), "iglu:com.example/ad/jsonschema/1-0-0")
	require.True(t, ok)
	assert.Equal(t, "ad-1", ad.Data["id"])
}

func TestTracker_CallerEntitiesAndDataAreCopied(t *testing.T) {
	em := &captureEmitter{}
	tr := newTestTracker(t, em)

	data := map[string]any{"k": "v"}
	ent := event.NewEntity("iglu:com.example/x/jsonschema/1-0-0", map[string]any{"n": 1})
	tr.Track(Event{Schema: clickSchema, Data: data, Entities: []event.Entity{ent}})
	data["k"] = "mutated"
	ent.Data["n"] = 2

	p := em.waitFor(t, 1)[0]
	assert.Equal(t, "v", decodeEvent(t, p).Data.Data["k"])
	x, ok := entityBySchema(decodeContexts(t, p), "iglu:com.example/x/jsonschema/1-0-0")
	require.True(t, ok)
	assert.Equal(t, float64(1), x.Data["n"])
}

func TestTracker_PayloadFaultIsLocal(t *testing.T) {
	em := &captureEmitter{}
	var mu sync.Mutex
	var reports []observe.Report
	tr := newTestTracker(t, em, WithObserver(observe.Func(func(_ context.Context, r observe.Report) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, r)
	})))

	tr.Track(Event{Schema: clickSchema, Data: map[string]any{"bad": make(chan int)}})
	tr.Track(Event{Schema: clickSchema})

	em.waitFor(t, 1)
	assert.True(t, tr.Shutdown(time.Second))
	assert.Len(t, em.all(), 1, "only the encodable event is queued")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, observe.KindLocal, reports[0].Kind)
	assert.Equal(t, "tracker.payload", reports[0].Op)
}

func TestTracker_EmitterFaultDoesNotStopWorkers(t *testing.T) {
	em := &captureEmitter{err: errors.New("disk full")}
	tr := newTestTracker(t, em)

	tr.Track(Event{Schema: clickSchema})
	require.Eventually(t, func() bool {
		em.mu.Lock()
		defer em.mu.Unlock()
		return em.attempts == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.Pending())

	em.mu.Lock()
	em.err = nil
	em.mu.Unlock()

	tr.Track(Event{Schema: clickSchema})
	p := em.waitFor(t, 1)[0]
	assert.Equal(t, "evt-2", p.GetString(event.KeyEventID))
}

func TestTracker_RemoveMachineStopsEntities(t *testing.T) {
	em := &captureEmitter{}
	tr := newTestTracker(t, em, WithSession(newTestSession(t)))

	tr.Track(Event{Schema: clickSchema})
	em.waitFor(t, 1)
	assert.True(t, tr.RemoveMachine(session.Identifier))

	tr.Track(Event{Schema: clickSchema})
	p := em.waitFor(t, 2)[1]
	_, ok := entityBySchema(decodeContexts(t, p), event.SchemaSession)
	assert.False(t, ok)
}

func TestTracker_ControlsDelegateToEmitter(t *testing.T) {
	em := &captureEmitter{}
	tr := newTestTracker(t, em)

	tr.Flush()
	tr.Pause()
	tr.Resume()

	em.mu.Lock()
	assert.Equal(t, 1, em.flushes)
	assert.Equal(t, 1, em.pauses)
	assert.Equal(t, 1, em.resumes)
	em.mu.Unlock()
}

func TestTracker_ShutdownDrainsAndRejects(t *testing.T) {
	em := &captureEmitter{}
	tr := New(em, WithWorkers(4))

	for i := 0; i < 50; i++ {
		tr.Track(Event{Schema: clickSchema})
	}
	assert.True(t, tr.Shutdown(2*time.Second))
	assert.Len(t, em.all(), 50)
	assert.True(t, em.shutdown)

	assert.Empty(t, tr.Track(Event{Schema: clickSchema}))
	assert.True(t, tr.Shutdown(time.Second), "second shutdown is a no-op")
}

func TestTracker_EndToEnd(t *testing.T) {
	q := queue.NewMemoryQueue()
	transport := testutil.NewScriptedTransport(testutil.Succeed)
	em := emitter.New(q, transport, emitter.WithEmptyLimit(0))
	tr := New(em,
		WithWorkers(4),
		WithSession(newTestSession(t)),
		WithNamespace("e2e"),
	)

	const n = 20
	tracked := map[string]bool{}
	for i := 0; i < n; i++ {
		tracked[tr.Track(Event{Schema: clickSchema, Data: map[string]any{"i": i}})] = true
	}
	require.True(t, tr.Shutdown(5*time.Second))

	size, err := q.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)

	delivered := transport.DeliveredPayloads()
	require.Len(t, delivered, n)

	var indices []int
	for _, p := range delivered {
		assert.True(t, tracked[p.GetString(event.KeyEventID)])
		assert.NotEmpty(t, p.GetString(event.KeySentTimestamp))
		sess, ok := entityBySchema(decodeContexts(t, p), event.SchemaSession)
		require.True(t, ok)
		indices = append(indices, int(sess.Data["event_index"].(float64)))
	}
	sort.Ints(indices)
	for i, idx := range indices {
		assert.Equal(t, i, idx, "session event indices have no gaps")
	}
}
