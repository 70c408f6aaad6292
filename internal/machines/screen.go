// Package machines holds the feature state machines registered alongside
// the session: screen tracking and application lifecycle tracking.
package machines

import (
	"context"

	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/state"
)

// ScreenIdentifier is the state manager identifier of ScreenMachine.
const ScreenIdentifier = "screen"

// ScreenState is the current and previous screen.
type ScreenState struct {
	ID   string
	Name string
	Type string

	PreviousID   string
	PreviousName string
	PreviousType string
}

// ScreenMachine tracks the current screen from screen_view events and
// attaches it as a screen entity to every event once a screen is known.
// Screen views themselves get the previous screen in their data.
type ScreenMachine struct{}

// TransitionSchemas implements state.Machine.
func (ScreenMachine) TransitionSchemas() []string { return []string{event.SchemaScreenView} }

// EntitySchemas implements state.Machine.
func (ScreenMachine) EntitySchemas() []string { return []string{event.WildcardSchema} }

// PayloadSchemas implements state.PayloadUpdater.
func (ScreenMachine) PayloadSchemas() []string { return []string{event.SchemaScreenView} }

// Transition implements state.Machine.
func (ScreenMachine) Transition(_ context.Context, ev *state.TrackerEvent, prev state.State) state.State {
	next := ScreenState{
		ID:   stringValue(ev.Data, "id"),
		Name: stringValue(ev.Data, "name"),
		Type: stringValue(ev.Data, "type"),
	}
	if p, ok := prev.(ScreenState); ok {
		next.PreviousID = p.ID
		next.PreviousName = p.Name
		next.PreviousType = p.Type
	}
	return next
}

// Entities implements state.Machine.
func (ScreenMachine) Entities(_ *state.TrackerEvent, st state.State) []event.Entity {
	s, ok := st.(ScreenState)
	if !ok {
		return nil
	}
	data := map[string]any{
		"id":   s.ID,
		"name": s.Name,
	}
	if s.Type != "" {
		data["type"] = s.Type
	}
	return []event.Entity{event.NewEntity(event.SchemaScreen, data)}
}

// PayloadValues implements state.PayloadUpdater.
func (ScreenMachine) PayloadValues(_ *state.TrackerEvent, st state.State) map[string]any {
	s, ok := st.(ScreenState)
	if !ok || s.PreviousID == "" {
		return nil
	}
	values := map[string]any{
		"previousId":   s.PreviousID,
		"previousName": s.PreviousName,
	}
	if s.PreviousType != "" {
		values["previousType"] = s.PreviousType
	}
	return values
}

func stringValue(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
