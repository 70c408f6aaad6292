// Package ids generates identifiers for events, sessions and users.
package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
// Implemented by UUIDGenerator (production) and Sequence (tests).
type Generator interface {
	Generate() string
}

// UUIDGenerator generates random RFC 4122 version 4 UUIDs, the format the
// collector expects for event and session ids.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate returns a new hyphenated UUIDv4 string.
//
// Format: "550e8400-e29b-41d4-a716-446655440000" (36 characters)
func (UUIDGenerator) Generate() string {
	return uuid.NewString()
}

// Or returns g, or UUIDGenerator if g is nil.
func Or(g Generator) Generator {
	if g == nil {
		return UUIDGenerator{}
	}
	return g
}

// Sequence returns predetermined ids in order, then "<prefix>-<n>" once the
// list is exhausted.
//
// This enables deterministic test execution and golden comparison.
//
// Thread-safety: Sequence is safe for concurrent use via internal mutex.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	ids    []string
	idx    int
}

// NewSequence creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewSequence("s", "first", "second")
//	gen.Generate() // "first"
//	gen.Generate() // "second"
//	gen.Generate() // "s-3"
func NewSequence(prefix string, ids ...string) *Sequence {
	return &Sequence{prefix: prefix, ids: ids}
}

// Generate returns the next id.
func (g *Sequence) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.idx)
}
