package history

import (
	"context"
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// HeaderSource loads headers by header hash. Implementations return an
// error wrapping ErrHeaderNotFound for headers they do not hold.
type HeaderSource interface {
	LoadOpHeaderByHeaderHash(ctx context.Context, headerHash string) (*Header, error)
}

// ErrEquivocation is returned when a fragment holds two headers for one op.
var ErrEquivocation = errors.New("more than one header for the same op")

// Fragment is a partial DAG of headers for one replicated object.
//
// A fragment takes the object from a state containing every header in
// MissingPrev to a state containing every header in Terminal. An added
// header is either in MissingPrev already, or no contained header names
// it, in which case it is terminal.
//
// Fragments are not safe for concurrent use; each is owned by the
// component that built it.
type Fragment struct {
	Target string

	Contents    map[string]*Header
	Terminal    mapset.Set[string]
	MissingPrev mapset.Set[string]
	Roots       mapset.Set[string]

	opHeadersForOp map[string]mapset.Set[string]
	nextOpHeaders  map[string]mapset.Set[string]
}

// NewFragment returns an empty fragment for target.
func NewFragment(target string) *Fragment {
	return &Fragment{
		Target:         target,
		Contents:       make(map[string]*Header),
		Terminal:       mapset.NewThreadUnsafeSet[string](),
		MissingPrev:    mapset.NewThreadUnsafeSet[string](),
		Roots:          mapset.NewThreadUnsafeSet[string](),
		opHeadersForOp: make(map[string]mapset.Set[string]),
		nextOpHeaders:  make(map[string]mapset.Set[string]),
	}
}

// Len returns the number of headers held.
func (f *Fragment) Len() int { return len(f.Contents) }

// Has reports whether the fragment holds headerHash.
func (f *Fragment) Has(headerHash string) bool {
	_, ok := f.Contents[headerHash]
	return ok
}

// Get returns the header for headerHash, or nil.
func (f *Fragment) Get(headerHash string) *Header { return f.Contents[headerHash] }

// Add inserts a header. Adding a header twice is a no-op.
func (f *Fragment) Add(h *Header) {
	if f.Has(h.HeaderHash) {
		return
	}

	f.Contents[h.HeaderHash] = h
	addMulti(f.opHeadersForOp, h.OpHash, h.HeaderHash)

	if h.IsRoot() {
		f.Roots.Add(h.HeaderHash)
	}

	if f.MissingPrev.Contains(h.HeaderHash) {
		f.MissingPrev.Remove(h.HeaderHash)
	} else {
		f.Terminal.Add(h.HeaderHash)
	}

	for _, prev := range h.PrevOpHeaders {
		if f.Has(prev) {
			f.Terminal.Remove(prev)
		} else {
			f.MissingPrev.Add(prev)
		}
		addMulti(f.nextOpHeaders, prev, h.HeaderHash)
	}
}

// Remove deletes a header, turning it into a missing prev if some
// contained header still names it.
func (f *Fragment) Remove(headerHash string) {
	h, ok := f.Contents[headerHash]
	if !ok {
		return
	}

	delete(f.Contents, headerHash)
	removeMulti(f.opHeadersForOp, h.OpHash, headerHash)
	f.Terminal.Remove(headerHash)
	if h.IsRoot() {
		f.Roots.Remove(headerHash)
	}

	if next, ok := f.nextOpHeaders[headerHash]; ok && next.Cardinality() > 0 {
		f.MissingPrev.Add(headerHash)
	}

	for _, prev := range h.PrevOpHeaders {
		removeMulti(f.nextOpHeaders, prev, headerHash)
		if _, stillNamed := f.nextOpHeaders[prev]; stillNamed {
			continue
		}
		if f.Has(prev) {
			f.Terminal.Add(prev)
		} else {
			f.MissingPrev.Remove(prev)
		}
	}
}

// VerifyUniqueOps reports whether every op has at most one header.
// Two headers for one op mean a peer is equivocating about its history.
func (f *Fragment) VerifyUniqueOps() bool {
	for _, headers := range f.opHeadersForOp {
		if headers.Cardinality() > 1 {
			return false
		}
	}
	return true
}

// Clone returns an independent copy sharing the (immutable) headers.
func (f *Fragment) Clone() *Fragment {
	c := NewFragment(f.Target)
	for _, hash := range f.sortedContents() {
		c.Add(f.Contents[hash])
	}
	return c
}

// FilterByTerminalOpHeaders returns the sub-fragment ending at terminals:
// every contained header reachable backward from them.
func (f *Fragment) FilterByTerminalOpHeaders(terminals mapset.Set[string]) *Fragment {
	filtered := NewFragment(f.Target)
	for h := range f.IterateFrom(terminals.ToSlice(), Backward, BFS, nil) {
		filtered.Add(h)
	}
	return filtered
}

// RemoveNonTerminalOps keeps only the terminal headers.
func (f *Fragment) RemoveNonTerminalOps() {
	terminal := f.Terminal.Clone()
	for _, hash := range f.sortedContents() {
		if !terminal.Contains(hash) {
			f.Remove(hash)
		}
	}
}

// AddAllPredecessors adds every header of other reachable backward from origin.
func (f *Fragment) AddAllPredecessors(origin []string, other *Fragment) {
	for h := range other.IterateFrom(origin, Backward, BFS, nil) {
		f.Add(h)
	}
}

// StartingOpHeaders returns the roots plus every header that directly
// follows a missing prev.
func (f *Fragment) StartingOpHeaders() mapset.Set[string] {
	starting := f.Roots.Clone()
	for missing := range f.MissingPrev.Iter() {
		if next, ok := f.nextOpHeaders[missing]; ok {
			starting = starting.Union(next)
		}
	}
	return starting
}

// TerminalOps returns the op hashes of the terminal headers.
func (f *Fragment) TerminalOps() mapset.Set[string] {
	return f.opsForHeaders(f.Terminal)
}

// StartingOps returns the op hashes of the starting headers.
func (f *Fragment) StartingOps() mapset.Set[string] {
	return f.opsForHeaders(f.StartingOpHeaders())
}

// NextOpHeaders returns the contained headers naming headerHash as prev.
func (f *Fragment) NextOpHeaders(headerHash string) []string {
	next, ok := f.nextOpHeaders[headerHash]
	if !ok {
		return nil
	}
	out := next.ToSlice()
	slices.Sort(out)
	return out
}

// OpHeaderForOp returns the single header held for opHash, or nil.
func (f *Fragment) OpHeaderForOp(opHash string) (*Header, error) {
	headers, ok := f.opHeadersForOp[opHash]
	if !ok {
		return nil, nil
	}
	if headers.Cardinality() > 1 {
		return nil, fmt.Errorf("op %s: %w", opHash, ErrEquivocation)
	}
	return f.Contents[headers.ToSlice()[0]], nil
}

// AllOpHeadersForOp returns every header held for opHash.
func (f *Fragment) AllOpHeadersForOp(opHash string) []*Header {
	headers, ok := f.opHeadersForOp[opHash]
	if !ok {
		return nil
	}
	hashes := headers.ToSlice()
	slices.Sort(hashes)
	out := make([]*Header, len(hashes))
	for i, h := range hashes {
		out[i] = f.Contents[h]
	}
	return out
}

// TerminalOpsFor returns the headers reachable from origin that end the
// walk in the given direction.
func (f *Fragment) TerminalOpsFor(origin []string, dir Direction) []*Header {
	var out []*Header
	for h := range f.IterateFrom(origin, dir, BFS, nil) {
		terminal := true
		if dir == Forward {
			_, hasNext := f.nextOpHeaders[h.HeaderHash]
			terminal = !hasNext
		} else {
			for _, prev := range h.PrevOpHeaders {
				if !f.MissingPrev.Contains(prev) {
					terminal = false
					break
				}
			}
		}
		if terminal {
			out = append(out, h)
		}
	}
	return out
}

// IsReachable reports whether every header in dest is reachable from origin.
func (f *Fragment) IsReachable(origin, dest []string, dir Direction) bool {
	targets := mapset.NewThreadUnsafeSet(dest...)
	for h := range f.IterateFrom(origin, dir, BFS, nil) {
		targets.Remove(h.HeaderHash)
		if targets.IsEmpty() {
			break
		}
	}
	return targets.IsEmpty()
}

// ClosureFrom returns the header hashes reachable from origin.
func (f *Fragment) ClosureFrom(origin []string, dir Direction, filter func(string) bool) mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for h := range f.IterateFrom(origin, dir, BFS, filter) {
		out.Add(h.HeaderHash)
	}
	return out
}

// CausalClosureFrom walks forward from start and returns, in causal order,
// every header whose prevs are all either provided or already in the
// closure. Headers rejected by filter block everything after them; headers
// accepted by ignore are walked through but left out of the result.
// maxOps <= 0 means no bound.
func (f *Fragment) CausalClosureFrom(start []string, provided mapset.Set[string], maxOps int, ignore, filter func(string) bool) []string {
	closure := mapset.NewThreadUnsafeSet[string]()
	var result []string

	ready := func(h *Header) bool {
		for _, prev := range h.PrevOpHeaders {
			if !provided.Contains(prev) && !closure.Contains(prev) {
				return false
			}
		}
		return true
	}

	queue := slices.Clone(start)
	slices.Sort(queue)
	for len(queue) > 0 {
		if maxOps > 0 && len(result) >= maxOps {
			break
		}
		hash := queue[0]
		queue = queue[1:]

		h, ok := f.Contents[hash]
		if !ok || closure.Contains(hash) {
			continue
		}
		if filter != nil && !filter(hash) {
			continue
		}
		if !ready(h) {
			continue
		}

		closure.Add(hash)
		if ignore == nil || !ignore(hash) {
			result = append(result, hash)
		}
		queue = append(queue, f.NextOpHeaders(hash)...)
	}
	return result
}

// CausalClosure is CausalClosureFrom the fragment's starting headers.
func (f *Fragment) CausalClosure(provided mapset.Set[string], maxOps int, ignore, filter func(string) bool) []string {
	start := f.StartingOpHeaders().ToSlice()
	return f.CausalClosureFrom(start, provided, maxOps, ignore, filter)
}

// LoadFromTerminalOpHeaders fills the fragment by walking src backward from
// terminals until maxCount headers are held (maxCount <= 0: no bound).
// Headers in forbidden, and headers src does not hold, stay missing.
func (f *Fragment) LoadFromTerminalOpHeaders(ctx context.Context, src HeaderSource, terminals []string, maxCount int, forbidden mapset.Set[string]) error {
	tried := mapset.NewThreadUnsafeSet[string]()
	next := slices.Clone(terminals)
	slices.Sort(next)

	for len(next) > 0 {
		for _, hash := range next {
			if maxCount > 0 && f.Len() >= maxCount {
				return nil
			}
			tried.Add(hash)
			if forbidden != nil && forbidden.Contains(hash) {
				continue
			}
			h, err := src.LoadOpHeaderByHeaderHash(ctx, hash)
			if errors.Is(err, ErrHeaderNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load fragment: %w", err)
			}
			f.Add(h)
		}

		next = next[:0]
		for hash := range f.MissingPrev.Iter() {
			if !tried.Contains(hash) {
				next = append(next, hash)
			}
		}
		slices.Sort(next)
	}
	return nil
}

func (f *Fragment) opsForHeaders(headers mapset.Set[string]) mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for hash := range headers.Iter() {
		if h, ok := f.Contents[hash]; ok {
			out.Add(h.OpHash)
		}
	}
	return out
}

func (f *Fragment) sortedContents() []string {
	out := make([]string, 0, len(f.Contents))
	for hash := range f.Contents {
		out = append(out, hash)
	}
	slices.Sort(out)
	return out
}

func addMulti(m map[string]mapset.Set[string], key, value string) {
	s, ok := m[key]
	if !ok {
		s = mapset.NewThreadUnsafeSet[string]()
		m[key] = s
	}
	s.Add(value)
}

func removeMulti(m map[string]mapset.Set[string], key, value string) {
	s, ok := m[key]
	if !ok {
		return
	}
	s.Remove(value)
	if s.IsEmpty() {
		delete(m, key)
	}
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	slices.Sort(out)
	return out
}
