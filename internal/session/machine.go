package session

import (
	"context"

	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/state"
)

// Identifier is the state manager identifier of the session machine.
const Identifier = "session"

// Machine exposes a Session to the state manager. It transitions on, and
// attaches the session entity to, every event.
//
// Unlike other machines its transition has a side effect: the session is
// advanced and persisted.
type Machine struct {
	session *Session
}

// NewMachine wraps s.
func NewMachine(s *Session) *Machine {
	return &Machine{session: s}
}

// TransitionSchemas implements state.Machine.
func (m *Machine) TransitionSchemas() []string { return []string{event.WildcardSchema} }

// EntitySchemas implements state.Machine.
func (m *Machine) EntitySchemas() []string { return []string{event.WildcardSchema} }

// Transition implements state.Machine.
func (m *Machine) Transition(ctx context.Context, ev *state.TrackerEvent, _ state.State) state.State {
	return m.session.Check(ctx, ev.EventID, ev.Timestamp)
}

// Entities implements state.Machine.
func (m *Machine) Entities(_ *state.TrackerEvent, st state.State) []event.Entity {
	s, ok := st.(State)
	if !ok {
		return nil
	}
	return []event.Entity{m.session.Entity(s)}
}
