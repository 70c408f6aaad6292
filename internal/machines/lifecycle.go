package machines

import (
	"context"
	"encoding/json"

	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/state"
)

// LifecycleIdentifier is the state manager identifier of LifecycleMachine.
const LifecycleIdentifier = "lifecycle"

// Data keys carrying the transition counters on lifecycle events.
const (
	KeyForegroundIndex = "foregroundIndex"
	KeyBackgroundIndex = "backgroundIndex"
)

// LifecycleState is whether the application is visible and how many
// transitions into that mode have happened.
type LifecycleState struct {
	Visible bool
	Index   int
}

// LifecycleMachine follows application foreground/background events and
// attaches an application_lifecycle entity to every later event.
type LifecycleMachine struct{}

// TransitionSchemas implements state.Machine.
func (LifecycleMachine) TransitionSchemas() []string {
	return []string{event.SchemaForeground, event.SchemaBackground}
}

// EntitySchemas implements state.Machine.
func (LifecycleMachine) EntitySchemas() []string { return []string{event.WildcardSchema} }

// Transition implements state.Machine.
func (LifecycleMachine) Transition(_ context.Context, ev *state.TrackerEvent, prev state.State) state.State {
	switch ev.Schema {
	case event.SchemaForeground:
		return LifecycleState{Visible: true, Index: intValue(ev.Data, KeyForegroundIndex)}
	case event.SchemaBackground:
		return LifecycleState{Visible: false, Index: intValue(ev.Data, KeyBackgroundIndex)}
	}
	return prev
}

// Entities implements state.Machine.
func (LifecycleMachine) Entities(_ *state.TrackerEvent, st state.State) []event.Entity {
	s, ok := st.(LifecycleState)
	if !ok {
		return nil
	}
	return []event.Entity{event.NewEntity(event.SchemaLifecycle, map[string]any{
		"isVisible": s.Visible,
		"index":     s.Index,
	})}
}

// intValue reads a numeric field that may come from Go code or decoded JSON.
func intValue(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	}
	return 0
}
