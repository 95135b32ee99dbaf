package op

import (
	"fmt"

	"github.com/roach88/weft/internal/ir"
)

// Data is an immutable, non-operation record: a replicated object's
// descriptor, a set element, an identity.
type Data struct {
	Class  string
	Fields ir.IRObject
	Refs   map[string]string
}

func (*Data) object() {}

// Value returns the hashed field map of the record.
func (d *Data) Value() ir.IRObject {
	v := ir.IRObject{}
	if len(d.Fields) > 0 {
		v["fields"] = d.Fields
	}
	if len(d.Refs) > 0 {
		v["refs"] = ir.StringMap(d.Refs)
	}
	return v
}

// Literal converts the record to its literal form. Every ref is packed.
func (d *Data) Literal() (ir.Literal, error) {
	if d.Class == "" {
		return ir.Literal{}, fmt.Errorf("data literal: class is required")
	}
	deps := make([]ir.Dependency, 0, len(d.Refs))
	for _, h := range d.Refs {
		deps = append(deps, ir.Dependency{Hash: h, Kind: ir.DepLiteral})
	}
	return ir.NewLiteral(d.Class, d.Value(), deps)
}

// Hash computes the content hash of the record.
func (d *Data) Hash() (string, error) {
	lit, err := d.Literal()
	if err != nil {
		return "", err
	}
	return lit.Hash, nil
}

// MustHash is like Hash but panics on error.
func (d *Data) MustHash() string {
	h, err := d.Hash()
	if err != nil {
		panic(err)
	}
	return h
}

// DecodeData parses the generic data layout from a literal.
func DecodeData(lit ir.Literal) (*Data, error) {
	d := &Data{Class: lit.Class}
	var err error
	if d.Fields, err = lit.Value.GetObject("fields"); err != nil {
		return nil, err
	}
	if d.Refs, err = lit.Value.GetStringMap("refs"); err != nil {
		return nil, err
	}
	return d, nil
}
