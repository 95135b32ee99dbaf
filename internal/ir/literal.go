package ir

import (
	"encoding/json"
	"fmt"
	"slices"
)

// DependencyKind says how a dependency travels with the object that names it.
type DependencyKind string

const (
	// DepLiteral dependencies are packed and sent along with the object.
	DepLiteral DependencyKind = "literal"

	// DepReference dependencies are causal links only (e.g. prevOps). They
	// must already be held by the receiver and are never packed.
	DepReference DependencyKind = "reference"
)

// Dependency is one outgoing edge of a literal.
type Dependency struct {
	Hash  string         `json:"hash"`
	Class string         `json:"class,omitempty"`
	Kind  DependencyKind `json:"kind"`
}

// Literal is the flat, hashable form of any stored or transmitted record.
//
// Hash covers Class and Value only. Dependencies are derived from Value by
// the class decoder, so a literal received from a peer is never trusted for
// its dependency list; see op.Registry.
type Literal struct {
	Hash         string       `json:"hash"`
	Class        string       `json:"class"`
	Value        IRObject     `json:"value"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// NewLiteral builds a literal and computes its hash.
func NewLiteral(class string, value IRObject, deps []Dependency) (Literal, error) {
	hash, err := ObjectHash(class, value)
	if err != nil {
		return Literal{}, err
	}
	return Literal{
		Hash:         hash,
		Class:        class,
		Value:        value,
		Dependencies: SortDependencies(deps),
	}, nil
}

// ValidateHash reports whether the literal's hash matches its content.
func (l Literal) ValidateHash() bool {
	hash, err := ObjectHash(l.Class, l.Value)
	if err != nil {
		return false
	}
	return hash == l.Hash
}

// PackedDependencies returns the dependencies that travel with the literal.
func (l Literal) PackedDependencies() []Dependency {
	out := make([]Dependency, 0, len(l.Dependencies))
	for _, d := range l.Dependencies {
		if d.Kind == DepLiteral {
			out = append(out, d)
		}
	}
	return out
}

// HasDependency reports whether hash is a direct dependency of the literal.
func (l Literal) HasDependency(hash string) bool {
	for _, d := range l.Dependencies {
		if d.Hash == hash {
			return true
		}
	}
	return false
}

// SortDependencies orders dependencies by hash and drops duplicates, so that
// two decoders produce byte-identical lists.
func SortDependencies(deps []Dependency) []Dependency {
	out := slices.Clone(deps)
	slices.SortFunc(out, func(a, b Dependency) int {
		if c := compareUTF16(a.Hash, b.Hash); c != 0 {
			return c
		}
		return compareUTF16(string(a.Kind), string(b.Kind))
	})
	return slices.CompactFunc(out, func(a, b Dependency) bool {
		return a.Hash == b.Hash && a.Kind == b.Kind
	})
}

// MarshalBinary encodes the literal as JSON. Binary codecs (the CBOR wire
// framing) embed literals as opaque byte strings through this method.
func (l Literal) MarshalBinary() ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalBinary decodes a literal produced by MarshalBinary.
func (l *Literal) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("unmarshal literal: %w", err)
	}
	return nil
}
