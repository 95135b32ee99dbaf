// Package engine implements the weft mutation engine.
//
// An Object folds the ops of one replicated object into its Model. Local
// ops enter through ApplyNew, which stamps the frontier and fails fast on
// programmer errors. Remote ops enter through Receive, directly or via the
// object's store watch, and are buffered until their prevs are applied.
//
// ARCHITECTURE:
//
// Serialized Apply Path:
// Every fold runs under the object's apply mutex, so the frontier, the
// applied set and the undo counts are only mutated by one goroutine at a
// time. A drain pass is guarded by TryLock; a trigger that finds a pass
// running sets a rerun flag instead of waiting.
//
// Cascading Invalidation:
// Undo and redo ops are never passed to the Model as folds. The Object
// keeps, per target op, the set of undos not yet reverted. The Model's
// hook only fires when that set goes from empty to non-empty (valid=false)
// or back (valid=true).
//
// The Cascader watches every save and generates the undo and redo ops
// implied by invalidate-after ops, undos and redos, and by plain ops that
// arrive after a dependency was undone. It is independent of any Object:
// generated ops reach objects through the store like any other op.
//
// Events:
// Each applied op yields one StateEvent, published on the object's own
// channel (Events) and, when state changed, passed to OnMutation callbacks.
package engine
