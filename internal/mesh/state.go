package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/ir"
)

// State is what a coordinator announces about its replica of an object:
// the terminal ops and their headers.
type State struct {
	Target            string            `cbor:"target" json:"target"`
	TerminalOps       []string          `cbor:"terminalOps" json:"terminalOps"`
	TerminalOpHeaders []history.Literal `cbor:"terminalOpHeaders" json:"terminalOpHeaders"`
}

// NewState builds the state of target from its terminal headers.
func NewState(target string, headers []*history.Header) *State {
	st := &State{
		Target:            target,
		TerminalOps:       make([]string, 0, len(headers)),
		TerminalOpHeaders: make([]history.Literal, 0, len(headers)),
	}
	for _, h := range headers {
		st.TerminalOps = append(st.TerminalOps, h.OpHash)
		st.TerminalOpHeaders = append(st.TerminalOpHeaders, h.Literal())
	}
	slices.Sort(st.TerminalOps)
	slices.SortFunc(st.TerminalOpHeaders, func(a, b history.Literal) int {
		return strings.Compare(a.HeaderHash, b.HeaderHash)
	})
	return st
}

// LoadState reads the current state of target from the store. Terminal
// ops whose header is not computed yet are left out.
func LoadState(ctx context.Context, s Store, target string) (*State, error) {
	terminal, err := s.LoadTerminalOps(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", target, err)
	}
	headers := make([]*history.Header, 0, len(terminal))
	for _, opHash := range terminal {
		h, err := s.LoadOpHeader(ctx, opHash)
		if errors.Is(err, history.ErrHeaderNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load state %s: %w", target, err)
		}
		headers = append(headers, h)
	}
	return NewState(target, headers), nil
}

// HeaderHashes returns the terminal header hashes, sorted.
func (st *State) HeaderHashes() []string {
	out := make([]string, 0, len(st.TerminalOpHeaders))
	for _, l := range st.TerminalOpHeaders {
		out = append(out, l.HeaderHash)
	}
	return out
}

// Hash returns the announcement hash of the state. Two replicas with the
// same frontier announce the same hash.
func (st *State) Hash() (string, error) {
	return ir.StateHash(ir.IRObject{
		"target":            ir.IRString(st.Target),
		"terminalOps":       ir.StringSet(st.TerminalOps),
		"terminalOpHeaders": ir.StringSet(st.HeaderHashes()),
	})
}
