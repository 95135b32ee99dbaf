package history

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/weft/internal/ir"
)

// ErrHeaderNotFound is returned by header sources when a header is not held.
var ErrHeaderNotFound = errors.New("op header not found")

// Header is the causal-history surrogate of one op.
//
// HeaderHash is a pure function of OpHash, PrevOpHeaders and the computed
// props, so a header can be checked without the op body.
type Header struct {
	HeaderHash    string
	OpHash        string
	PrevOpHeaders []string
	Height        int64
	Size          int64
}

// Literal is the wire form of a header.
type Literal struct {
	HeaderHash     string   `json:"headerHash"`
	OpHash         string   `json:"opHash"`
	PrevOpHeaders  []string `json:"prevOpHeaders"`
	ComputedHeight int64    `json:"computedHeight"`
	ComputedSize   int64    `json:"computedSize"`
}

// NewHeader builds the header of the op opHash whose predecessors are prevOps.
// prevHeaders maps each prev op hash to its header; every prev must be there.
func NewHeader(opHash string, prevOps []string, prevHeaders map[string]*Header) (*Header, error) {
	h := &Header{OpHash: opHash, Height: 1, Size: 1}
	for _, prev := range prevOps {
		ph, ok := prevHeaders[prev]
		if !ok || ph == nil {
			return nil, fmt.Errorf("header for op %s: header of prev op %s is missing", opHash, prev)
		}
		h.PrevOpHeaders = append(h.PrevOpHeaders, ph.HeaderHash)
		h.Height = max(h.Height, ph.Height+1)
		h.Size += ph.Size
	}
	h.PrevOpHeaders = normalize(h.PrevOpHeaders)

	hash, err := h.computeHash()
	if err != nil {
		return nil, err
	}
	h.HeaderHash = hash
	return h, nil
}

func (h *Header) body() ir.IRObject {
	return ir.IRObject{
		"opHash":        ir.IRString(h.OpHash),
		"prevOpHeaders": ir.StringSet(h.PrevOpHeaders),
		"computed": ir.IRObject{
			"height": ir.IRInt(h.Height),
			"size":   ir.IRInt(h.Size),
		},
	}
}

func (h *Header) computeHash() (string, error) {
	hash, err := ir.HeaderHash(h.body())
	if err != nil {
		return "", fmt.Errorf("header for op %s: %w", h.OpHash, err)
	}
	return hash, nil
}

// IsRoot reports whether the header has no predecessors.
func (h *Header) IsRoot() bool { return len(h.PrevOpHeaders) == 0 }

// Literal converts the header to its wire form.
func (h *Header) Literal() Literal {
	return Literal{
		HeaderHash:     h.HeaderHash,
		OpHash:         h.OpHash,
		PrevOpHeaders:  slices.Clone(h.PrevOpHeaders),
		ComputedHeight: h.Height,
		ComputedSize:   h.Size,
	}
}

// HeaderFromLiteral parses a header received from a peer and checks its hash.
func HeaderFromLiteral(l Literal) (*Header, error) {
	if l.HeaderHash == "" || l.OpHash == "" {
		return nil, fmt.Errorf("header literal: missing hash")
	}
	if l.ComputedHeight < 1 || l.ComputedSize < 1 {
		return nil, fmt.Errorf("header literal %s: computed props must be positive", l.HeaderHash)
	}
	if len(l.PrevOpHeaders) == 0 && (l.ComputedHeight != 1 || l.ComputedSize != 1) {
		return nil, fmt.Errorf("header literal %s: root header must have height and size 1", l.HeaderHash)
	}
	prev := normalize(l.PrevOpHeaders)
	if len(prev) != len(l.PrevOpHeaders) {
		return nil, fmt.Errorf("header literal %s: duplicate prev headers", l.HeaderHash)
	}
	h := &Header{
		HeaderHash:    l.HeaderHash,
		OpHash:        l.OpHash,
		PrevOpHeaders: prev,
		Height:        l.ComputedHeight,
		Size:          l.ComputedSize,
	}
	hash, err := h.computeHash()
	if err != nil {
		return nil, err
	}
	if hash != l.HeaderHash {
		return nil, fmt.Errorf("header literal %s: wrong hash", l.HeaderHash)
	}
	return h, nil
}

// Verify recomputes the header's props from its predecessors' headers,
// keyed by header hash.
func (h *Header) Verify(prevHeaders map[string]*Header) error {
	height, size := int64(1), int64(1)
	for _, prev := range h.PrevOpHeaders {
		ph, ok := prevHeaders[prev]
		if !ok {
			return fmt.Errorf("verify header %s: prev header %s is missing", h.HeaderHash, prev)
		}
		height = max(height, ph.Height+1)
		size += ph.Size
	}
	if height != h.Height || size != h.Size {
		return fmt.Errorf("verify header %s: computed props mismatch (height %d/%d, size %d/%d)",
			h.HeaderHash, h.Height, height, h.Size, size)
	}
	hash, err := h.computeHash()
	if err != nil {
		return err
	}
	if hash != h.HeaderHash {
		return fmt.Errorf("verify header %s: wrong hash", h.HeaderHash)
	}
	return nil
}

func normalize(hashes []string) []string {
	out := slices.Clone(hashes)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
