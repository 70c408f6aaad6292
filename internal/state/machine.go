// Package state hosts the registry of independent state machines that turn
// the tracked event stream into per-event contextual state and entities.
//
// Features (session, screen, lifecycle, ...) register a Machine under an
// identifier. The Manager never interprets machine state; it only decides
// which machines an event reaches and serializes transitions per
// identifier.
package state

import (
	"context"
	"maps"
	"time"

	"github.com/roach88/pulse/internal/event"
)

// State is an opaque machine-defined value. nil is the initial state.
type State any

// Machine is one independent feature observing the event stream.
//
// Transition must be a pure function of (ev, prev) apart from the machine's
// own documented side effects: the Manager may call it from different
// workers, serialized per identifier only.
type Machine interface {
	// TransitionSchemas lists the event schemas that trigger Transition.
	// event.WildcardSchema matches every event.
	TransitionSchemas() []string

	// EntitySchemas lists the event schemas that receive Entities.
	// event.WildcardSchema matches every event.
	EntitySchemas() []string

	// Transition computes the next state from the previous one.
	Transition(ctx context.Context, ev *TrackerEvent, prev State) State

	// Entities returns the context entities for ev given a non-nil state.
	Entities(ev *TrackerEvent, state State) []event.Entity
}

// PayloadUpdater is implemented by machines that add values to the event
// data itself, e.g. the previous screen on a screen view.
type PayloadUpdater interface {
	PayloadSchemas() []string
	PayloadValues(ev *TrackerEvent, state State) map[string]any
}

// TrackerEvent is the unit passed through the machines.
type TrackerEvent struct {
	Schema        string
	Data          map[string]any
	EventID       string
	Timestamp     time.Time
	TrueTimestamp *time.Time

	// States holds the state of every machine after Process.
	States map[string]State
}

// StateFor returns the state computed for identifier, or nil.
func (ev *TrackerEvent) StateFor(identifier string) State {
	return ev.States[identifier]
}

// DataCopy returns an owned copy of the event data.
func (ev *TrackerEvent) DataCopy() map[string]any {
	return maps.Clone(ev.Data)
}
