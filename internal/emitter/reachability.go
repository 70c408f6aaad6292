package emitter

import "sync/atomic"

// Reachability reports whether the collector can currently be reached.
type Reachability interface {
	IsOnline() bool
}

// AlwaysOnline never suppresses a cycle.
type AlwaysOnline struct{}

// IsOnline returns true.
func (AlwaysOnline) IsOnline() bool { return true }

// StaticReachability is a settable online flag, for hosts that learn about
// connectivity from the platform.
type StaticReachability struct {
	online atomic.Bool
}

// NewStaticReachability creates a flag with the given initial value.
func NewStaticReachability(online bool) *StaticReachability {
	r := &StaticReachability{}
	r.online.Store(online)
	return r
}

// IsOnline returns the current flag.
func (r *StaticReachability) IsOnline() bool { return r.online.Load() }

// SetOnline updates the flag.
func (r *StaticReachability) SetOnline(online bool) { r.online.Store(online) }
