// Package store provides SQLite-backed durable storage for the pulse
// pipeline.
//
// The store holds two tables:
//   - events: pending outbound payloads, keyed by a monotonic id
//   - kv: small persisted values (the session state lives here)
//
// # Critical Patterns
//
// Monotonic identity:
//   - events.id is INTEGER PRIMARY KEY AUTOINCREMENT
//   - ids are strictly increasing and never reused, across restarts too
//
// Deterministic reads:
//   - All event reads use ORDER BY id ASC (oldest first)
//
// Idempotent deletes:
//   - Deleting an id that no longer exists affects zero rows and is not an error
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
