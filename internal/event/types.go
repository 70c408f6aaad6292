package event

import (
	"maps"
	"slices"
)

// Entity is a schema-tagged data blob attached to an event as context.
//
// This is the wire contract the collector depends on: exactly two fields,
// "schema" and "data". Every entity in the pipeline uses this shape,
// including the session entity.
type Entity struct {
	Schema string         `json:"schema"`
	Data   map[string]any `json:"data"`
}

// NewEntity creates an entity holding an owned copy of data.
func NewEntity(schema string, data map[string]any) Entity {
	return Entity{Schema: schema, Data: maps.Clone(data)}
}

// Copy returns an entity whose top-level data map is owned by the caller.
func (e Entity) Copy() Entity {
	return NewEntity(e.Schema, e.Data)
}

// Envelope wraps values under an iglu schema, e.g. the contexts array or
// the payload_data batch.
type Envelope struct {
	Schema string `json:"schema"`
	Data   any    `json:"data"`
}

// QueuedEvent is a payload stored in the event queue.
// Identity is the ID; the payload is opaque to the queue.
type QueuedEvent struct {
	ID      int64
	Payload *Payload
}

// Method selects how the emitter groups events into requests.
type Method string

const (
	// MethodGet sends one request per event with fields in the query string.
	MethodGet Method = "get"
	// MethodPost batches events into a payload_data body.
	MethodPost Method = "post"
)

// ValidMethods defines the allowed emitter methods.
var ValidMethods = []Method{MethodGet, MethodPost}

// Request is one network request built by the emitter.
type Request struct {
	Method   Method
	Payloads []*Payload
	EventIDs []int64

	// Oversized is set when a single event alone exceeds the byte limit.
	// The request is still sent; the collector decides its fate.
	Oversized bool
}

// ByteSize returns the size the byte limit is checked against: the query
// string length for GET, the sum of the payload JSON sizes for POST.
func (r Request) ByteSize() int {
	total := 0
	for _, p := range r.Payloads {
		if r.Method == MethodGet {
			total += len(p.QueryString())
		} else {
			total += p.ByteSize()
		}
	}
	return total
}

// DeliveryResult reports the outcome of one request attempt.
type DeliveryResult struct {
	EventIDs   []int64
	Success    bool
	StatusCode int // 0 when no response was received
	Oversized  bool
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
