package history

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Delta computes the headers that take a peer from a starting frontier to
// a target frontier, using header heights to decide how far back to look.
type Delta struct {
	Target string

	// Fragment holds the headers to send; Start holds the known headers
	// found while backtracking from the starting frontier.
	Fragment *Fragment
	Start    *Fragment

	src HeaderSource
	gap mapset.Set[string]
}

// NewDelta returns an empty delta for target backed by src.
func NewDelta(target string, src HeaderSource) *Delta {
	return &Delta{
		Target:   target,
		Fragment: NewFragment(target),
		Start:    NewFragment(target),
		src:      src,
		gap:      mapset.NewThreadUnsafeSet[string](),
	}
}

// Compute grows the delta until no prev is missing from both fragments,
// or until the size bounds are reached.
func (d *Delta) Compute(ctx context.Context, targets, starting []string, maxDeltaSize, maxBacktrackSize int) error {
	for _, hash := range starting {
		h, err := d.load(ctx, hash)
		if err != nil {
			return err
		}
		if h != nil {
			d.Start.Add(h)
			d.Fragment.Remove(h.HeaderHash)
		}
	}

	for _, hash := range targets {
		if d.Start.Has(hash) {
			continue
		}
		h, err := d.load(ctx, hash)
		if err != nil {
			return err
		}
		if h != nil {
			d.Fragment.Add(h)
		}
	}

	d.updateGap()

	for !d.gap.IsEmpty() && d.Fragment.Len() < maxDeltaSize {
		before := d.Fragment.Len() + d.Start.Len()

		var minHeight int64 = -1
		for hash := range d.Fragment.StartingOpHeaders().Iter() {
			if h := d.Fragment.Get(hash); h != nil && (minHeight < 0 || h.Height < minHeight) {
				minHeight = h.Height
			}
		}

		for _, hash := range sorted(d.Start.MissingPrev) {
			if d.Start.Len() >= maxBacktrackSize {
				break
			}
			h, err := d.load(ctx, hash)
			if err != nil {
				return err
			}
			if h != nil && h.Height > minHeight {
				d.Start.Add(h)
				d.Fragment.Remove(hash)
			}
		}

		for _, hash := range sorted(d.Fragment.MissingPrev) {
			if d.Fragment.Len() >= maxDeltaSize {
				break
			}
			if d.Start.Has(hash) {
				continue
			}
			h, err := d.load(ctx, hash)
			if err != nil {
				return err
			}
			if h != nil {
				d.Fragment.Add(h)
			}
		}

		d.updateGap()

		if d.Fragment.Len()+d.Start.Len() == before {
			break
		}
	}
	return nil
}

// Gap returns the prevs missing from both fragments.
func (d *Delta) Gap() mapset.Set[string] { return d.gap.Clone() }

// OpHeadersFollowingFromStart returns the delta's headers in causal order,
// treating every header in Start as already held.
func (d *Delta) OpHeadersFollowingFromStart(maxOps int) []string {
	start := mapset.NewThreadUnsafeSet[string]()
	for hash := range d.Start.Contents {
		start.Add(hash)
	}
	return d.Fragment.CausalClosure(start, maxOps, nil, nil)
}

func (d *Delta) load(ctx context.Context, hash string) (*Header, error) {
	h, err := d.src.LoadOpHeaderByHeaderHash(ctx, hash)
	if errors.Is(err, ErrHeaderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compute delta: %w", err)
	}
	return h, nil
}

func (d *Delta) updateGap() {
	gap := mapset.NewThreadUnsafeSet[string]()
	for hash := range d.Fragment.MissingPrev.Iter() {
		if !d.Start.Has(hash) {
			gap.Add(hash)
		}
	}
	d.gap = gap
}
