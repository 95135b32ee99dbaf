package op

import (
	"errors"
	"fmt"
	"slices"
)

// Core classes understood by the mutation engine and the cascader.
const (
	ClassInvalidateAfter = "weft/invalidate-after"
	ClassUndo            = "weft/undo"
	ClassRedo            = "weft/redo"
)

// CauseKey names the causal op that triggered a cascaded undo/redo.
const CauseKey = "cause"

// ErrInvalidTarget is returned when an invalidation targets an op it may
// not: an undo or redo, another invalidate-after, or an op of another
// object. This indicates a logic defect in the caller.
var ErrInvalidTarget = errors.New("invalid invalidation target")

// ErrMalformed is returned by decoders for structurally invalid ops.
var ErrMalformed = errors.New("malformed op")

// NewInvalidateAfter builds an op of the given class that invalidates every
// op of target's own object depending on targetOp outside frontier.
//
// frontier is usually the object's terminal ops at invalidation time, and
// becomes the op's PrevOps as well.
func NewInvalidateAfter(class, target string, targetOp *Op, frontier []string) (*Op, error) {
	if err := CheckInvalidateAfterTarget(target, targetOp); err != nil {
		return nil, fmt.Errorf("new invalidate-after: %w", err)
	}
	h, err := targetOp.Hash()
	if err != nil {
		return nil, fmt.Errorf("new invalidate-after: %w", err)
	}
	if class == "" {
		class = ClassInvalidateAfter
	}
	f := sortedSet(frontier)
	return &Op{
		Class:     class,
		Target:    target,
		PrevOps:   slices.Clone(f),
		TargetOp:  h,
		Frontier:  f,
		CausalOps: map[string]string{"target": h},
	}, nil
}

// NewUndo builds the cascaded undo of a plain op, caused by cause.
//
// The undo lives in the same object as its target and names the target as
// its only predecessor, so it can never be folded before the target.
func NewUndo(target *Op, cause string) (*Op, error) {
	if target.IsInvalidation() {
		return nil, fmt.Errorf("new undo: %w", ErrInvalidTarget)
	}
	h, err := target.Hash()
	if err != nil {
		return nil, fmt.Errorf("new undo: %w", err)
	}
	return &Op{
		Class:     ClassUndo,
		Target:    target.Target,
		PrevOps:   []string{h},
		TargetOp:  h,
		CausalOps: map[string]string{CauseKey: cause},
	}, nil
}

// NewRedo builds the reversal of a single undo, caused by cause.
func NewRedo(undo *Op, cause string) (*Op, error) {
	if !undo.IsUndo() {
		return nil, fmt.Errorf("new redo: target must be an undo op, got %s", undo.Class)
	}
	h, err := undo.Hash()
	if err != nil {
		return nil, fmt.Errorf("new redo: %w", err)
	}
	return &Op{
		Class:     ClassRedo,
		Target:    undo.Target,
		PrevOps:   []string{h},
		TargetOp:  h,
		CausalOps: map[string]string{CauseKey: cause},
	}, nil
}

// checkInvalidation validates the fixed layout of undo/redo ops received
// from peers.
func checkInvalidation(o *Op) error {
	if o.TargetOp == "" {
		return fmt.Errorf("%w: %s without targetOp", ErrMalformed, o.Class)
	}
	if len(o.PrevOps) != 1 || o.PrevOps[0] != o.TargetOp {
		return fmt.Errorf("%w: %s must have exactly its target as predecessor", ErrMalformed, o.Class)
	}
	if len(o.CausalOps) != 1 || o.Cause() == "" {
		return fmt.Errorf("%w: %s must name exactly one cause", ErrMalformed, o.Class)
	}
	if o.Frontier != nil || len(o.Refs) > 0 || len(o.Payload) > 0 || o.Author != "" {
		return fmt.Errorf("%w: %s carries unexpected fields", ErrMalformed, o.Class)
	}
	return nil
}

// CheckInvalidateAfter validates the layout shared by every class built
// with NewInvalidateAfter.
func CheckInvalidateAfter(o *Op) error {
	if o.TargetOp == "" || o.Frontier == nil {
		return fmt.Errorf("%w: %s needs targetOp and frontier", ErrMalformed, o.Class)
	}
	if o.CausalOps["target"] != o.TargetOp {
		return fmt.Errorf("%w: %s must depend causally on its target", ErrMalformed, o.Class)
	}
	return nil
}

// CheckInvalidateAfterTarget reports whether targetOp may be the target of
// an invalidate-after living in object target. The error wraps
// ErrInvalidTarget.
func CheckInvalidateAfterTarget(target string, targetOp *Op) error {
	switch {
	case targetOp.IsInvalidation():
		return fmt.Errorf("%w: %s op", ErrInvalidTarget, targetOp.Class)
	case targetOp.IsInvalidateAfter():
		return fmt.Errorf("%w: %s is itself an invalidate-after", ErrInvalidTarget, targetOp.Class)
	case targetOp.Target != target:
		return fmt.Errorf("%w: op of %s, not %s", ErrInvalidTarget, targetOp.Target, target)
	}
	return nil
}

func sortedSet(items []string) []string {
	out := slices.Clone(items)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
