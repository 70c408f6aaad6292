// Package testutil provides shared fakes for pipeline tests.
package testutil

import (
	"context"
	"sync"

	"github.com/roach88/pulse/internal/event"
)

// Responder decides the outcome of one request. call is the 1-based number
// of the Send call the request belongs to.
type Responder func(call int, req event.Request) (success bool, status int)

// Succeed acknowledges every request with 200.
func Succeed(int, event.Request) (bool, int) { return true, 200 }

// Fail answers every request with the given status (0 = no response).
func Fail(status int) Responder {
	return func(int, event.Request) (bool, int) { return false, status }
}

// ScriptedTransport records every request and answers through a Responder.
// An optional gate blocks each Send until the test releases it.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedTransport struct {
	mu        sync.Mutex
	respond   Responder
	calls     int
	requests  [][]event.Request
	gate      chan struct{}
	entered   chan struct{}
	delivered map[int64]int
	payloads  []*event.Payload
}

// NewScriptedTransport creates a transport answering through respond.
func NewScriptedTransport(respond Responder) *ScriptedTransport {
	return &ScriptedTransport{
		respond:   respond,
		delivered: make(map[int64]int),
	}
}

// SetResponder replaces the responder for subsequent calls.
func (t *ScriptedTransport) SetResponder(respond Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond = respond
}

// Gate makes every Send block until Release is called once per Send.
// Entered() signals when a Send is blocked at the gate.
func (t *ScriptedTransport) Gate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = make(chan struct{})
	t.entered = make(chan struct{}, 16)
}

// Release lets one gated Send proceed.
func (t *ScriptedTransport) Release() {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		gate <- struct{}{}
	}
}

// Entered returns a channel that receives once per Send blocked at the gate.
func (t *ScriptedTransport) Entered() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entered
}

// Send records requests and returns one result per request.
func (t *ScriptedTransport) Send(ctx context.Context, requests []event.Request) []event.DeliveryResult {
	t.mu.Lock()
	t.calls++
	call := t.calls
	t.requests = append(t.requests, requests)
	gate, entered := t.gate, t.entered
	t.mu.Unlock()

	results := make([]event.DeliveryResult, len(requests))
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			// Cancelled sends are never acknowledged
			for i, req := range requests {
				results[i] = event.DeliveryResult{EventIDs: req.EventIDs, Oversized: req.Oversized}
			}
			return results
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, req := range requests {
		ok, status := t.respond(call, req)
		results[i] = event.DeliveryResult{
			EventIDs:   req.EventIDs,
			Success:    ok,
			StatusCode: status,
			Oversized:  req.Oversized,
		}
		if ok {
			for _, id := range req.EventIDs {
				t.delivered[id]++
			}
			t.payloads = append(t.payloads, req.Payloads...)
		}
	}
	return results
}

// Calls returns how many times Send was called.
func (t *ScriptedTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Requests returns the requests of every Send call, in call order.
func (t *ScriptedTransport) Requests() [][]event.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]event.Request, len(t.requests))
	copy(out, t.requests)
	return out
}

// Delivered returns how many successful results included each event id.
func (t *ScriptedTransport) Delivered() map[int64]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]int, len(t.delivered))
	for k, v := range t.delivered {
		out[k] = v
	}
	return out
}

// DeliveredPayloads returns every payload from successful requests, in
// send order.
func (t *ScriptedTransport) DeliveredPayloads() []*event.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*event.Payload, len(t.payloads))
	copy(out, t.payloads)
	return out
}
