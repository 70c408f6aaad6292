package state

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/pulse/internal/event"
)

// entry is one registered machine and its current state.
type entry struct {
	id      string
	machine Machine

	transitions schemaSet
	entities    schemaSet
	payloads    *schemaSet // nil unless machine is a PayloadUpdater

	mu      sync.Mutex // Serializes transitions for this identifier
	state   State
	removed bool
}

// Manager is the registry of state machines.
//
// Thread-safety model:
//   - Registry changes (Add, Remove) take the registry lock
//   - Transitions take only the per-identifier lock, so machines with
//     different identifiers advance in parallel
type Manager struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	logger  *slog.Logger
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		logger:  slog.Default().With("component", "state"),
	}
}

// Add registers m under identifier with a nil initial state. Adding an
// identifier that already exists replaces the machine, keeps its position
// in registration order and discards its state.
func (m *Manager) Add(identifier string, machine Machine) {
	e := &entry{
		id:          identifier,
		machine:     machine,
		transitions: newSchemaSet(machine.TransitionSchemas()),
		entities:    newSchemaSet(machine.EntitySchemas()),
	}
	if pu, ok := machine.(PayloadUpdater); ok {
		ps := newSchemaSet(pu.PayloadSchemas())
		e.payloads = &ps
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[identifier]; ok {
		old.retire()
	} else {
		m.order = append(m.order, identifier)
	}
	m.entries[identifier] = e
	m.logger.Debug("machine added", "identifier", identifier)
}

// Remove unregisters identifier and discards its state. Returns false if
// nothing was registered under it.
func (m *Manager) Remove(identifier string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[identifier]
	if !ok {
		return false
	}
	e.retire()
	delete(m.entries, identifier)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == identifier })
	m.logger.Debug("machine removed", "identifier", identifier)
	return true
}

// Identifiers returns the registered identifiers in registration order.
func (m *Manager) Identifiers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Process applies ev to every machine subscribed to its schema and stores
// the resulting snapshot of all machine states in ev.States.
//
// Machines not subscribed keep their previous state. Each transition reads
// and writes the state under that machine's lock, so the state sequence per
// identifier is linearizable.
func (m *Manager) Process(ctx context.Context, ev *TrackerEvent) map[string]State {
	entries := m.snapshotEntries()

	states := make(map[string]State, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.transitions.matches(ev.Schema) {
			e.state = e.machine.Transition(ctx, ev, e.state)
		}
		states[e.id] = e.state
		e.mu.Unlock()
	}

	ev.States = states
	return maps.Clone(states)
}

// EntitiesFor returns the entities of every machine subscribed to ev's
// schema whose state in ev.States is non-nil, in registration order.
// Machines removed after Process contribute nothing.
func (m *Manager) EntitiesFor(ev *TrackerEvent) []event.Entity {
	var out []event.Entity
	for _, e := range m.snapshotEntries() {
		if !e.entities.matches(ev.Schema) {
			continue
		}
		st := ev.StateFor(e.id)
		if st == nil {
			continue
		}
		for _, ent := range e.machine.Entities(ev, st) {
			out = append(out, ent.Copy())
		}
	}
	return out
}

// PayloadValuesFor merges the values every subscribed PayloadUpdater
// contributes for ev. Later registrations win on key conflicts.
func (m *Manager) PayloadValuesFor(ev *TrackerEvent) map[string]any {
	out := map[string]any{}
	for _, e := range m.snapshotEntries() {
		if e.payloads == nil || !e.payloads.matches(ev.Schema) {
			continue
		}
		st := ev.StateFor(e.id)
		if st == nil {
			continue
		}
		maps.Copy(out, e.machine.(PayloadUpdater).PayloadValues(ev, st))
	}
	return out
}

// Snapshot returns a copy of the current state of every machine.
func (m *Manager) Snapshot() map[string]State {
	entries := m.snapshotEntries()
	out := make(map[string]State, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out[e.id] = e.state
		}
		e.mu.Unlock()
	}
	return out
}

// snapshotEntries returns the live entries in registration order.
func (m *Manager) snapshotEntries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (e *entry) retire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	e.state = nil
}

// schemaSet is a set of schemas with wildcard support.
type schemaSet struct {
	all     bool
	schemas map[string]struct{}
}

func newSchemaSet(schemas []string) schemaSet {
	s := schemaSet{schemas: make(map[string]struct{}, len(schemas))}
	for _, schema := range schemas {
		if schema == event.WildcardSchema {
			s.all = true
		}
		s.schemas[schema] = struct{}{}
	}
	return s
}

func (s schemaSet) matches(schema string) bool {
	if s.all {
		return true
	}
	_, ok := s.schemas[schema]
	return ok
}
