// Package session implements the timeout-driven session state machine.
//
// Every event that needs a session context calls Check. A rollover happens
// on the very first check, when the time since the previous check exceeds
// the timeout for the current foreground/background mode, when the clock
// went backwards, or when a new session was requested. Rollover allocates a
// new session id, chains the previous one, increments the session index
// and resets the event index to 0. Otherwise the event index increments.
//
// The state is persisted after every check and restored on construction,
// so sessions survive process restarts.
//
// CRITICAL: Check is a critical section. Concurrent callers observe a
// consistent sequence of (session_index, event_index) with no duplicates
// or gaps.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/pulse/internal/clock"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/ids"
	"github.com/roach88/pulse/internal/observe"
)

const (
	// DefaultForegroundTimeout ends a session after 30 minutes of inactivity.
	DefaultForegroundTimeout = 30 * time.Minute

	// DefaultBackgroundTimeout ends a session after 30 minutes in background.
	DefaultBackgroundTimeout = 30 * time.Minute

	// StorageKey is the key-value key holding the persisted session.
	StorageKey = "session"
)

// State is the session identity attached to events.
type State struct {
	UserID            string  `json:"user_id"`
	SessionID         string  `json:"session_id"`
	PreviousSessionID *string `json:"previous_session_id"`
	SessionIndex      int     `json:"session_index"`
	EventIndex        int     `json:"event_index"`
	StorageTag        string  `json:"storage_tag"`

	FirstEventID        string    `json:"first_event_id,omitempty"`
	FirstEventTimestamp time.Time `json:"first_event_timestamp,omitzero"`
}

// Copy returns a state that shares nothing with s.
func (s State) Copy() State {
	if s.PreviousSessionID != nil {
		prev := *s.PreviousSessionID
		s.PreviousSessionID = &prev
	}
	return s
}

// record is the persisted form: the state plus when it was last checked.
type record struct {
	State     State `json:"state"`
	LastCheck int64 `json:"last_check_ms"`
}

// Session is the session state machine.
//
// Thread-safety: All methods are safe for concurrent use.
type Session struct {
	mu         sync.Mutex
	state      *State // nil until the first rollover
	lastCheck  time.Time
	newPending bool
	background bool
	anonymous  bool

	foregroundTimeout time.Duration
	backgroundTimeout time.Duration

	storage  Storage
	clock    clock.Clock
	ids      ids.Generator
	observer observe.Observer
	onUpdate func(State)
	logger   *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithTimeouts sets the foreground and background inactivity timeouts.
func WithTimeouts(foreground, background time.Duration) Option {
	return func(s *Session) {
		s.foregroundTimeout = foreground
		s.backgroundTimeout = background
	}
}

// WithStorage sets where the session is persisted. Default: in memory.
func WithStorage(st Storage) Option {
	return func(s *Session) {
		if st != nil {
			s.storage = st
		}
	}
}

// WithClock sets the clock used for timeout checks.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		s.clock = clock.Or(c)
	}
}

// WithIDGenerator sets the generator for session and user ids.
func WithIDGenerator(g ids.Generator) Option {
	return func(s *Session) {
		s.ids = ids.Or(g)
	}
}

// WithObserver sets the hook receiving storage faults.
func WithObserver(o observe.Observer) Option {
	return func(s *Session) {
		s.observer = observe.Or(o)
	}
}

// WithOnUpdate registers a callback invoked once per rollover with a copy
// of the new state. It runs on its own goroutine, never blocking Check.
func WithOnUpdate(fn func(State)) Option {
	return func(s *Session) {
		s.onUpdate = fn
	}
}

// WithAnonymous starts the session with user anonymisation on.
func WithAnonymous(on bool) Option {
	return func(s *Session) {
		s.anonymous = on
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l.With("component", "session")
		}
	}
}

// New creates a session and restores any persisted state. A storage error
// while loading is reported and the session starts fresh.
func New(ctx context.Context, opts ...Option) *Session {
	s := &Session{
		foregroundTimeout: DefaultForegroundTimeout,
		backgroundTimeout: DefaultBackgroundTimeout,
		storage:           NewMemoryStorage(),
		clock:             clock.System{},
		ids:               ids.UUIDGenerator{},
		observer:          observe.Nop{},
		logger:            slog.Default().With("component", "session"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.restore(ctx); err != nil {
		observe.LocalFault(ctx, s.observer, "session.restore", err)
		s.logger.Error("failed to restore session, starting fresh", "error", err)
	}
	return s
}

func (s *Session) restore(ctx context.Context) error {
	data, found, err := s.storage.LoadValue(ctx, StorageKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	st := rec.State
	s.state = &st
	s.lastCheck = time.UnixMilli(rec.LastCheck)
	s.logger.Debug("session restored",
		"session_id", st.SessionID,
		"session_index", st.SessionIndex,
	)
	return nil
}

// Check advances the session for one event and returns the resulting state.
func (s *Session) Check(ctx context.Context, eventID string, eventTime time.Time) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.shouldRollover(now) {
		s.rollover(eventID, eventTime)
	} else {
		s.state.EventIndex++
	}
	s.lastCheck = now

	s.persist(ctx)
	return s.state.Copy()
}

// shouldRollover decides whether now ends the current session. Caller
// holds s.mu.
func (s *Session) shouldRollover(now time.Time) bool {
	if s.state == nil || s.newPending {
		return true
	}
	// A clock moved backwards must not keep the session open forever
	if now.Before(s.lastCheck) {
		return true
	}
	timeout := s.foregroundTimeout
	if s.background {
		timeout = s.backgroundTimeout
	}
	return now.Sub(s.lastCheck) > timeout
}

// rollover starts a new session. Caller holds s.mu.
func (s *Session) rollover(eventID string, eventTime time.Time) {
	next := State{
		SessionIndex:        1,
		StorageTag:          s.storage.Tag(),
		FirstEventID:        eventID,
		FirstEventTimestamp: eventTime.UTC(),
	}
	if s.state != nil {
		prev := s.state.SessionID
		next.UserID = s.state.UserID
		next.PreviousSessionID = &prev
		next.SessionIndex = s.state.SessionIndex + 1
	}
	if next.UserID == "" {
		next.UserID = s.ids.Generate()
	}
	next.SessionID = s.ids.Generate()

	s.state = &next
	s.newPending = false

	s.logger.Info("session rollover",
		"session_id", next.SessionID,
		"session_index", next.SessionIndex,
	)

	if s.onUpdate != nil {
		go s.onUpdate(next.Copy())
	}
}

// persist writes the state. Caller holds s.mu.
func (s *Session) persist(ctx context.Context) {
	data, err := json.Marshal(record{State: *s.state, LastCheck: s.lastCheck.UnixMilli()})
	if err == nil {
		err = s.storage.SaveValue(ctx, StorageKey, data)
	}
	if err != nil {
		observe.LocalFault(ctx, s.observer, "session.persist", err)
		s.logger.Error("failed to persist session", "error", err)
	}
}

// StartNewSession forces a rollover on the next Check.
func (s *Session) StartNewSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newPending = true
}

// SetBackground selects which timeout applies to the next Check.
func (s *Session) SetBackground(background bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background = background
}

// IsBackground reports the current mode.
func (s *Session) IsBackground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background
}

// SetAnonymous toggles user anonymisation in produced entities.
func (s *Session) SetAnonymous(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonymous = on
}

// State returns a copy of the current state, or false before the first
// Check.
func (s *Session) State() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return State{}, false
	}
	return s.state.Copy(), true
}

// Entity renders st as the client_session context entity. While
// anonymisation is on, user_id is replaced with the anonymous sentinel and
// previous_session_id is null.
func (s *Session) Entity(st State) event.Entity {
	s.mu.Lock()
	anonymous := s.anonymous
	s.mu.Unlock()

	userID := st.UserID
	var previous any
	if st.PreviousSessionID != nil {
		previous = *st.PreviousSessionID
	}
	if anonymous {
		userID = event.AnonymousUserID
		previous = nil
	}

	return event.NewEntity(event.SchemaSession, map[string]any{
		"user_id":             userID,
		"session_id":          st.SessionID,
		"previous_session_id": previous,
		"session_index":       st.SessionIndex,
		"event_index":         st.EventIndex,
		"storage_tag":         st.StorageTag,
	})
}
