package types

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
)

// Class tags of the bundled data types.
const (
	ClassCapabilities = "weft/capabilities"
	ClassGrant        = "weft/capabilities/grant"
	ClassRevoke       = "weft/capabilities/revoke"
	ClassUse          = "weft/capabilities/use"

	ClassCausalSet = "weft/causal-set"
	ClassAdd       = "weft/causal-set/add"
	ClassDelete    = "weft/causal-set/delete"
	ClassAttest    = "weft/causal-set/attest"

	ClassElement = "weft/element"
)

// Causal op keys used by the bundled types.
const (
	keyGrant = "grant"
	keyAuth  = "auth"
	keyAdd   = "add"
	refElem  = "element"
	refCaps  = "capabilities"
)

var (
	// ErrNoCapability is returned when an author holds no valid grant for
	// the capability it tries to use.
	ErrNoCapability = errors.New("capability not granted")

	// ErrNotMember is returned when an element is not in a set.
	ErrNotMember = errors.New("element not in set")

	// ErrUnauthorized is returned when an op lacks the authorization its
	// object requires.
	ErrUnauthorized = errors.New("unauthorized")
)

// Register adds the decoders of every bundled class to reg.
func Register(reg *op.Registry) error {
	decoders := []struct {
		class string
		fn    op.DecodeFunc
	}{
		{ClassCapabilities, op.DecodeDataObject},
		{ClassGrant, decodeGrant},
		{ClassRevoke, decodeRevoke},
		{ClassUse, decodeUse},
		{ClassCausalSet, op.DecodeDataObject},
		{ClassAdd, decodeAdd},
		{ClassDelete, decodeDelete},
		{ClassAttest, decodeAttest},
		{ClassElement, op.DecodeDataObject},
	}
	for _, d := range decoders {
		if err := reg.Register(d.class, d.fn); err != nil {
			return fmt.Errorf("register types: %w", err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the core classes and every
// bundled type.
func NewRegistry() (*op.Registry, error) {
	reg := op.NewRegistry()
	if err := op.RegisterCore(reg); err != nil {
		return nil, err
	}
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Replica is an opened replicated object: the engine and the model folded
// by it.
type Replica interface {
	Hash() string
	Object() *engine.Object
	Close()
}

// Option configures an opened replica.
type Option func(*options)

type options struct {
	engineOpts []engine.Option
	authority  *Capabilities
}

// WithEngineOptions passes options through to the replica's engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithAuthority sets the capability set a causal set uses to authorize
// local writes. Remote writes are checked against the descriptor alone.
func WithAuthority(c *Capabilities) Option {
	return func(o *options) { o.authority = c }
}

// Open opens the replica described by desc, dispatching on its class.
// The descriptor is saved to s. The engine is not started.
func Open(ctx context.Context, s engine.Store, desc *op.Data, opts ...Option) (Replica, error) {
	switch desc.Class {
	case ClassCapabilities:
		return OpenCapabilities(ctx, s, desc, opts...)
	case ClassCausalSet:
		return OpenCausalSet(ctx, s, desc, opts...)
	default:
		return nil, fmt.Errorf("open %s: unknown object class %q", short(mustHash(desc)), desc.Class)
	}
}

// Element builds a set element from its fields.
func Element(fields ir.IRObject) *op.Data {
	return &op.Data{Class: ClassElement, Fields: fields}
}

// StringElement builds a set element holding a single string value.
func StringElement(v string) *op.Data {
	return Element(ir.IRObject{"value": ir.IRString(v)})
}

func open(ctx context.Context, s engine.Store, desc *op.Data, model engine.Model, o *options) (string, *engine.Object, error) {
	hash, err := desc.Hash()
	if err != nil {
		return "", nil, fmt.Errorf("open object: %w", err)
	}
	if err := s.Save(ctx, desc); err != nil {
		return "", nil, fmt.Errorf("open object %s: %w", short(hash), err)
	}
	return hash, engine.NewObject(hash, model, s, o.engineOpts...), nil
}

func collect(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// checkPlain rejects invalidation fields and causal keys outside allowed.
func checkPlain(o *op.Op, allowed ...string) error {
	if o.TargetOp != "" || o.Frontier != nil {
		return fmt.Errorf("%w: %s carries invalidation fields", op.ErrMalformed, o.Class)
	}
	return checkCausalKeys(o, allowed...)
}

func checkCausalKeys(o *op.Op, allowed ...string) error {
	for k := range o.CausalOps {
		if !slices.Contains(allowed, k) {
			return fmt.Errorf("%w: %s has unexpected causal op %q", op.ErrMalformed, o.Class, k)
		}
	}
	return nil
}

func mustHash(d *op.Data) string {
	h, err := d.Hash()
	if err != nil {
		return ""
	}
	return h
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
