package engine

import (
	"context"

	"github.com/roach88/weft/internal/op"
)

// Model is the data-type half of a replicated object: it decides which op
// classes the object accepts and folds them into state.
//
// Models are only called from an Object's serialized apply path and need
// no locking of their own for that. Readers on other goroutines must
// synchronize with the model themselves.
type Model interface {
	// Accepts reports whether ops of class may target the object.
	// Undo and redo are handled by the engine and never passed here.
	Accepts(class string) bool

	// Validate checks an op against the current state before it is
	// folded. Ops that fail are dropped.
	Validate(ctx context.Context, o *op.Op, hash string) error

	// Mutate folds o into state when valid is true, and reverts its
	// effect when valid is false. cascade is set when the call comes from
	// an undo or redo rather than from the op's own arrival. It reports
	// whether the observable state changed.
	Mutate(ctx context.Context, o *op.Op, hash string, valid, cascade bool) (bool, error)
}
