package op

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/weft/internal/ir"
)

// Op is one state transition of a replicated object.
//
// An Op is immutable once built: every field is part of its hash. PrevOps
// is nil until the owning engine stamps the frontier (see engine.ApplyNew);
// an empty non-nil slice declares a root op.
type Op struct {
	// Class is the tagged-variant discriminator resolved by Registry.
	Class string

	// Target is the hash of the replicated object's descriptor.
	Target string

	// Author identifies the writer. Empty for system-generated ops.
	Author string

	// PrevOps are the immediate predecessors in Target's own log.
	PrevOps []string

	// CausalOps are named dependencies on ops of any object.
	CausalOps map[string]string

	// TargetOp and Frontier are set only on invalidation classes.
	TargetOp string
	Frontier []string

	// Refs are named data objects packed along with the op.
	Refs map[string]string

	// Payload carries class-specific fields.
	Payload ir.IRObject
}

func (*Op) object() {}

// Value returns the hashed field map of the op.
func (o *Op) Value() ir.IRObject {
	v := ir.IRObject{
		"target":  ir.IRString(o.Target),
		"prevOps": ir.StringSet(o.PrevOps),
	}
	if o.Author != "" {
		v["author"] = ir.IRString(o.Author)
	}
	if len(o.CausalOps) > 0 {
		v["causalOps"] = ir.StringMap(o.CausalOps)
	}
	if o.TargetOp != "" {
		v["targetOp"] = ir.IRString(o.TargetOp)
	}
	if o.Frontier != nil {
		v["frontier"] = ir.StringSet(o.Frontier)
	}
	if len(o.Refs) > 0 {
		v["refs"] = ir.StringMap(o.Refs)
	}
	if len(o.Payload) > 0 {
		v["payload"] = o.Payload
	}
	return v
}

// Dependencies derives the literal dependency list of the op.
//
// PrevOps and Frontier are causal references and never packed. The target
// descriptor, causal ops, invalidation target and refs travel with the op.
func (o *Op) Dependencies() []ir.Dependency {
	deps := []ir.Dependency{{Hash: o.Target, Kind: ir.DepLiteral}}
	for _, h := range o.PrevOps {
		deps = append(deps, ir.Dependency{Hash: h, Kind: ir.DepReference})
	}
	for _, h := range o.Frontier {
		deps = append(deps, ir.Dependency{Hash: h, Kind: ir.DepReference})
	}
	for _, h := range o.CausalOps {
		deps = append(deps, ir.Dependency{Hash: h, Kind: ir.DepLiteral})
	}
	if o.TargetOp != "" && !slices.Contains(o.PrevOps, o.TargetOp) {
		deps = append(deps, ir.Dependency{Hash: o.TargetOp, Kind: ir.DepLiteral})
	}
	for _, h := range o.Refs {
		deps = append(deps, ir.Dependency{Hash: h, Kind: ir.DepLiteral})
	}
	return deps
}

// Literal converts the op to its hashable literal form.
func (o *Op) Literal() (ir.Literal, error) {
	if o.Class == "" {
		return ir.Literal{}, fmt.Errorf("op literal: class is required")
	}
	if o.Target == "" {
		return ir.Literal{}, fmt.Errorf("op literal: target is required")
	}
	if o.PrevOps == nil {
		return ir.Literal{}, fmt.Errorf("op literal: prevOps not set")
	}
	return ir.NewLiteral(o.Class, o.Value(), o.Dependencies())
}

// Hash computes the content hash of the op.
func (o *Op) Hash() (string, error) {
	lit, err := o.Literal()
	if err != nil {
		return "", err
	}
	return lit.Hash, nil
}

// MustHash is like Hash but panics on error.
// Use only in tests or for ops built by this package.
func (o *Op) MustHash() string {
	h, err := o.Hash()
	if err != nil {
		panic(err)
	}
	return h
}

// IsUndo reports whether the op is a cascaded undo.
func (o *Op) IsUndo() bool { return o.Class == ClassUndo }

// IsRedo reports whether the op is a cascaded redo.
func (o *Op) IsRedo() bool { return o.Class == ClassRedo }

// IsInvalidation reports whether the op flips another op's validity.
// Invalidation ops are never folded through the model directly.
func (o *Op) IsInvalidation() bool { return o.IsUndo() || o.IsRedo() }

// IsInvalidateAfter reports whether the op invalidates dependents of
// TargetOp that fall outside Frontier.
func (o *Op) IsInvalidateAfter() bool {
	return !o.IsInvalidation() && o.TargetOp != "" && o.Frontier != nil
}

// Cause returns the op that caused a cascaded undo/redo.
func (o *Op) Cause() string {
	return o.CausalOps[CauseKey]
}

// Clone returns a deep copy, so callers can stamp PrevOps without aliasing.
func (o *Op) Clone() *Op {
	c := *o
	c.PrevOps = slices.Clone(o.PrevOps)
	c.Frontier = slices.Clone(o.Frontier)
	c.CausalOps = maps.Clone(o.CausalOps)
	c.Refs = maps.Clone(o.Refs)
	c.Payload = maps.Clone(o.Payload)
	return &c
}

// DecodeOp parses the generic op layout from a literal.
// Class-specific checks belong in the decoder registered for the class.
func DecodeOp(lit ir.Literal) (*Op, error) {
	v := lit.Value
	o := &Op{Class: lit.Class}

	var err error
	if o.Target, err = v.GetString("target"); err != nil {
		return nil, err
	}
	if o.Target == "" {
		return nil, fmt.Errorf("decode op %s: missing target", lit.Hash)
	}
	if o.Author, err = v.GetString("author"); err != nil {
		return nil, err
	}
	if o.PrevOps, err = v.GetStrings("prevOps"); err != nil {
		return nil, err
	}
	if o.PrevOps == nil {
		o.PrevOps = []string{}
	}
	if o.CausalOps, err = v.GetStringMap("causalOps"); err != nil {
		return nil, err
	}
	if o.TargetOp, err = v.GetString("targetOp"); err != nil {
		return nil, err
	}
	if _, ok := v["frontier"]; ok {
		if o.Frontier, err = v.GetStrings("frontier"); err != nil {
			return nil, err
		}
		if o.Frontier == nil {
			o.Frontier = []string{}
		}
	}
	if o.Refs, err = v.GetStringMap("refs"); err != nil {
		return nil, err
	}
	if o.Payload, err = v.GetObject("payload"); err != nil {
		return nil, err
	}
	return o, nil
}
