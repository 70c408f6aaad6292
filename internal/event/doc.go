// Package event provides the wire types shared by every stage of the pulse
// pipeline.
//
// This package contains type definitions and their encodings only. All other
// internal packages import event; event imports nothing internal. This keeps
// the wire contract the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Payload keys keep insertion order on the wire
//   - Entities always serialize as {"schema": ..., "data": {...}}
//   - Queue ids are int64 and assigned by the queue, never by callers
//   - Payload string values are NFC normalized so byte sizes are stable
package event
