// Package store provides SQLite-backed durable storage for calibration state.
//
// The store holds:
//   - Qubit parameters: the live calibration, one row per qubit
//   - Drift records: append-only recalibration history
//   - Measurements: results returned by execution backends
//
// # Invariants
//
// Drift history is append-only. Triggers reject UPDATE and DELETE on
// drift_records, and records are keyed by their content-addressed ID so a
// repeated write is a no-op.
//
// Ordering uses the logical seq column, never timestamps. Every history query
// orders by seq ASC, id ASC COLLATE BINARY so reads are identical across
// replays.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
