package history

import (
	"iter"
	"slices"
)

// Direction of a walk over a fragment.
type Direction int

const (
	// Forward follows next-header links, toward the terminals.
	Forward Direction = iota
	// Backward follows prev-header links, toward the roots.
	Backward
)

// Strategy of a walk over a fragment.
type Strategy int

const (
	// BFS visits each reachable header once.
	BFS Strategy = iota
	// Full visits a header once per path leading to it.
	Full
)

// IterateFrom walks the contained headers reachable from initial.
//
// Hashes in initial that the fragment does not hold are skipped, as are
// links into missing prevs. filter, when non-nil, prunes the walk: a
// rejected header is neither yielded nor walked through.
func (f *Fragment) IterateFrom(initial []string, dir Direction, strategy Strategy, filter func(string) bool) iter.Seq[*Header] {
	return func(yield func(*Header) bool) {
		visited := make(map[string]bool)
		queued := make(map[string]bool)

		start := slices.Clone(initial)
		slices.Sort(start)
		var queue []string
		for _, hash := range start {
			if !queued[hash] {
				queue = append(queue, hash)
				queued[hash] = true
			}
		}

		for len(queue) > 0 {
			hash := queue[0]
			queue = queue[1:]
			delete(queued, hash)

			h, ok := f.Contents[hash]
			if !ok {
				continue
			}
			if filter != nil && !filter(hash) {
				continue
			}
			if strategy == BFS {
				if visited[hash] {
					continue
				}
				visited[hash] = true
			}

			for _, succ := range f.step(h, dir) {
				if !f.Has(succ) {
					continue
				}
				if strategy == Full || (!visited[succ] && !queued[succ]) {
					queue = append(queue, succ)
					queued[succ] = true
				}
			}

			if !yield(h) {
				return
			}
		}
	}
}

func (f *Fragment) step(h *Header, dir Direction) []string {
	if dir == Forward {
		return f.NextOpHeaders(h.HeaderHash)
	}
	return h.PrevOpHeaders
}
