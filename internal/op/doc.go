// Package op defines the records stored and exchanged by weft.
//
// An Op is one state transition of a replicated object; a Data record is
// an immutable value (an object descriptor, a set element). Both convert
// to an ir.Literal whose hash covers every field.
//
// Literals arriving from peers are turned back into typed records through
// a Registry, which maps a class tag to a decode function. Three classes
// are built in: weft/invalidate-after, weft/undo and weft/redo. They drive
// the engine's cascading invalidation.
package op
