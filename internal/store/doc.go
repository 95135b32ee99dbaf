// Package store provides SQLite-backed durable storage for weft objects.
//
// The store holds:
//   - Objects: every literal, keyed by content hash, with an insertion seq
//   - Op headers: the causal-history header of each op, once computed
//   - Pending headers: ops whose prevs have not all been saved yet
//   - References: (field, target) → object index used by LoadByReference
//     and WatchReferences
//   - Terminal ops: the current frontier of each mutable object
//
// WatchHeaders reports ops as their headers are computed, so sync sees
// pending ops the moment their last prev arrives.
//
// # Ordering
//
// Reference listings are ordered by seq, the objects table's insertion
// counter. Because an op's header is only computed after all its prevs
// have headers, terminal_ops always reflects a causally closed prefix of
// each object's history.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Hashes are computed by internal/ir using RFC 8785 canonical JSON and
// SHA-256 with domain separation.
package store
