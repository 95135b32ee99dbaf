package op

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/weft/internal/ir"
)

// Object is the sealed sum of everything a literal can decode to.
// Only *Op and *Data implement it.
type Object interface {
	object()
	Literal() (ir.Literal, error)
}

// DecodeFunc turns a hash-verified literal into its typed form.
// It must reject any field layout the class does not allow.
type DecodeFunc func(lit ir.Literal) (Object, error)

// Registry maps a stable class tag to its decoder.
//
// Registration happens at startup; Decode is safe for concurrent use once
// all classes are registered.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register adds a decoder for class. Registering a class twice is an error.
func (r *Registry) Register(class string, fn DecodeFunc) error {
	if class == "" {
		return fmt.Errorf("register: empty class tag")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[class]; ok {
		return fmt.Errorf("register %s: class already registered", class)
	}
	r.decoders[class] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(class string, fn DecodeFunc) {
	if err := r.Register(class, fn); err != nil {
		panic(err)
	}
}

// Has reports whether class has a decoder.
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[class]
	return ok
}

// Classes lists the registered class tags in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for c := range r.decoders {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Decode verifies a literal received from anywhere and returns its typed form.
//
// The literal's hash must match its content, the class must be registered,
// and the decoded object must re-encode to the same hash. The returned
// literal carries the dependency list derived by the decoder, never the one
// supplied by the sender.
func (r *Registry) Decode(lit ir.Literal) (Object, ir.Literal, error) {
	if !lit.ValidateHash() {
		return nil, ir.Literal{}, fmt.Errorf("decode %s: hash mismatch", lit.Hash)
	}
	r.mu.RLock()
	fn, ok := r.decoders[lit.Class]
	r.mu.RUnlock()
	if !ok {
		return nil, ir.Literal{}, &UnknownClassError{Class: lit.Class}
	}

	obj, err := fn(lit)
	if err != nil {
		return nil, ir.Literal{}, fmt.Errorf("decode %s (%s): %w", lit.Hash, lit.Class, err)
	}
	derived, err := obj.Literal()
	if err != nil {
		return nil, ir.Literal{}, fmt.Errorf("decode %s (%s): %w", lit.Hash, lit.Class, err)
	}
	if derived.Hash != lit.Hash {
		return nil, ir.Literal{}, fmt.Errorf("decode %s (%s): %w: non-canonical encoding", lit.Hash, lit.Class, ErrMalformed)
	}
	return obj, derived, nil
}

// DecodeOp is Decode restricted to operations.
func (r *Registry) DecodeOp(lit ir.Literal) (*Op, ir.Literal, error) {
	obj, derived, err := r.Decode(lit)
	if err != nil {
		return nil, ir.Literal{}, err
	}
	o, ok := obj.(*Op)
	if !ok {
		return nil, ir.Literal{}, fmt.Errorf("decode %s: class %s is not an op", lit.Hash, lit.Class)
	}
	return o, derived, nil
}

// UnknownClassError is returned when no decoder is registered for a class.
type UnknownClassError struct {
	Class string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("unknown class %q", e.Class)
}

// RegisterCore registers the invalidation classes every node understands.
func RegisterCore(r *Registry) error {
	if err := r.Register(ClassUndo, decodeInvalidation); err != nil {
		return err
	}
	if err := r.Register(ClassRedo, decodeInvalidation); err != nil {
		return err
	}
	return r.Register(ClassInvalidateAfter, DecodeInvalidateAfter)
}

func decodeInvalidation(lit ir.Literal) (Object, error) {
	o, err := DecodeOp(lit)
	if err != nil {
		return nil, err
	}
	if err := checkInvalidation(o); err != nil {
		return nil, err
	}
	return o, nil
}

// DecodeInvalidateAfter decodes an invalidate-after op of any class.
// Data types defining their own invalidate-after classes register it.
func DecodeInvalidateAfter(lit ir.Literal) (Object, error) {
	o, err := DecodeOp(lit)
	if err != nil {
		return nil, err
	}
	if err := CheckInvalidateAfter(o); err != nil {
		return nil, err
	}
	return o, nil
}

// DecodePlainOp decodes an op with no class-specific checks.
func DecodePlainOp(lit ir.Literal) (Object, error) {
	o, err := DecodeOp(lit)
	if err != nil {
		return nil, err
	}
	if o.TargetOp != "" || o.Frontier != nil {
		return nil, fmt.Errorf("%w: plain op %s carries invalidation fields", ErrMalformed, lit.Class)
	}
	return o, nil
}

// DecodeDataObject decodes a data record with no class-specific checks.
func DecodeDataObject(lit ir.Literal) (Object, error) {
	return DecodeData(lit)
}
