package history

import (
	"context"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFragment_AddTracksTerminalAndMissing(t *testing.T) {
	d := newTestDAG(t)
	d.chain("a", 3)

	f := NewFragment("obj")
	f.Add(d.byOp["a3"])
	assert.ElementsMatch(t, d.hhs("a3"), f.Terminal.ToSlice())
	assert.ElementsMatch(t, d.hhs("a2"), f.MissingPrev.ToSlice())

	f.Add(d.byOp["a2"])
	assert.ElementsMatch(t, d.hhs("a3"), f.Terminal.ToSlice())
	assert.ElementsMatch(t, d.hhs("a1"), f.MissingPrev.ToSlice())

	f.Add(d.byOp["a1"])
	assert.True(t, f.MissingPrev.IsEmpty())
	assert.ElementsMatch(t, d.hhs("a1"), f.Roots.ToSlice())
	assert.ElementsMatch(t, []string{"a3"}, f.TerminalOps().ToSlice())
}

func TestFragment_RemoveRestoresMissing(t *testing.T) {
	d := newTestDAG(t)
	d.chain("a", 3)

	f := NewFragment("obj")
	for _, o := range []string{"a1", "a2", "a3"} {
		f.Add(d.byOp[o])
	}

	f.Remove(d.hh("a2"))
	assert.ElementsMatch(t, d.hhs("a2"), f.MissingPrev.ToSlice())
	assert.ElementsMatch(t, d.hhs("a1", "a3"), f.Terminal.ToSlice())

	f.Remove(d.hh("a3"))
	assert.True(t, f.MissingPrev.IsEmpty())
	assert.ElementsMatch(t, d.hhs("a1"), f.Terminal.ToSlice())
}

func TestFragment_VerifyUniqueOps(t *testing.T) {
	d := newTestDAG(t)
	d.add("a")
	d.add("b")

	honest, err := NewHeader("x", []string{"a"}, d.byOp)
	require.NoError(t, err)
	forged, err := NewHeader("x", []string{"b"}, d.byOp)
	require.NoError(t, err)

	f := NewFragment("obj")
	f.Add(honest)
	assert.True(t, f.VerifyUniqueOps())
	got, err := f.OpHeaderForOp("x")
	require.NoError(t, err)
	assert.Equal(t, honest, got)

	f.Add(forged)
	assert.False(t, f.VerifyUniqueOps())
	_, err = f.OpHeaderForOp("x")
	require.ErrorIs(t, err, ErrEquivocation)
	assert.Len(t, f.AllOpHeadersForOp("x"), 2)
}

func TestFragment_StartingOpHeaders(t *testing.T) {
	d := newTestDAG(t)
	d.chain("a", 4)
	d.add("r")

	f := NewFragment("obj")
	f.Add(d.byOp["a3"])
	f.Add(d.byOp["a4"])
	f.Add(d.byOp["r"])

	assert.ElementsMatch(t, d.hhs("a3", "r"), f.StartingOpHeaders().ToSlice())
	assert.ElementsMatch(t, []string{"a3", "r"}, f.StartingOps().ToSlice())
}

func TestFragment_FilterByTerminalOpHeaders(t *testing.T) {
	d := newTestDAG(t)
	d.add("a")
	d.add("b", "a")
	d.add("c", "a")

	f := NewFragment("obj")
	for _, o := range []string{"a", "b", "c"} {
		f.Add(d.byOp[o])
	}

	filtered := f.FilterByTerminalOpHeaders(mapset.NewThreadUnsafeSet(d.hh("b")))
	assert.ElementsMatch(t, d.hhs("b"), filtered.Terminal.ToSlice())
	assert.Equal(t, 2, filtered.Len())
	assert.False(t, filtered.Has(d.hh("c")))
}

func TestFragment_RemoveNonTerminalOps(t *testing.T) {
	d := newTestDAG(t)
	d.chain("a", 3)
	f := NewFragment("obj")
	for _, o := range []string{"a1", "a2", "a3"} {
		f.Add(d.byOp[o])
	}

	f.RemoveNonTerminalOps()
	assert.Equal(t, 1, f.Len())
	assert.True(t, f.Has(d.hh("a3")))
	assert.ElementsMatch(t, d.hhs("a2"), f.MissingPrev.ToSlice())
}

func TestFragment_CausalClosure(t *testing.T) {
	d := newTestDAG(t)
	d.add("a")
	d.add("b", "a")
	d.add("c", "a")
	d.add("e", "b", "c")

	f := NewFragment("obj")
	for _, o := range []string{"b", "c", "e"} {
		f.Add(d.byOp[o])
	}

	t.Run("provided start", func(t *testing.T) {
		got := f.CausalClosure(mapset.NewThreadUnsafeSet(d.hh("a")), 0, nil, nil)
		require.Len(t, got, 3)
		assert.Equal(t, d.hh("e"), got[2], "e follows both of its prevs")
	})

	t.Run("unprovided start blocks everything", func(t *testing.T) {
		got := f.CausalClosure(mapset.NewThreadUnsafeSet[string](), 0, nil, nil)
		assert.Empty(t, got)
	})

	t.Run("max ops", func(t *testing.T) {
		got := f.CausalClosure(mapset.NewThreadUnsafeSet(d.hh("a")), 2, nil, nil)
		assert.Len(t, got, 2)
	})

	t.Run("ignore walks through", func(t *testing.T) {
		ignoreB := func(h string) bool { return h == d.hh("b") }
		got := f.CausalClosure(mapset.NewThreadUnsafeSet(d.hh("a")), 0, ignoreB, nil)
		assert.ElementsMatch(t, d.hhs("c", "e"), got)
	})

	t.Run("filter blocks", func(t *testing.T) {
		notB := func(h string) bool { return h != d.hh("b") }
		got := f.CausalClosure(mapset.NewThreadUnsafeSet(d.hh("a")), 0, nil, notB)
		assert.ElementsMatch(t, d.hhs("c"), got)
	})
}

func TestFragment_IterateFrom(t *testing.T) {
	d := newTestDAG(t)
	d.add("a")
	d.add("b", "a")
	d.add("c", "a")
	d.add("e", "b", "c")

	f := NewFragment("obj")
	for _, o := range []string{"a", "b", "c", "e"} {
		f.Add(d.byOp[o])
	}

	var bfs []string
	for h := range f.IterateFrom(d.hhs("a"), Forward, BFS, nil) {
		bfs = append(bfs, h.OpHash)
	}
	assert.Len(t, bfs, 4)
	assert.Equal(t, "a", bfs[0])

	full := 0
	for range f.IterateFrom(d.hhs("a"), Forward, Full, nil) {
		full++
	}
	assert.Equal(t, 5, full, "e is reached through b and through c")

	var back []string
	for h := range f.IterateFrom(d.hhs("e"), Backward, BFS, nil) {
		back = append(back, h.OpHash)
	}
	assert.Equal(t, "e", back[0])
	assert.Equal(t, "a", back[3])

	assert.True(t, f.IsReachable(d.hhs("e"), d.hhs("a", "b"), Backward))
	assert.False(t, f.IsReachable(d.hhs("b"), d.hhs("c"), Forward))
	assert.ElementsMatch(t, d.hhs("a", "b"), f.ClosureFrom(d.hhs("b"), Backward, nil).ToSlice())
}

func TestFragment_LoadFromTerminalOpHeaders(t *testing.T) {
	d := newTestDAG(t)
	d.chain("a", 5)
	ctx := context.Background()

	t.Run("bounded", func(t *testing.T) {
		f := NewFragment("obj")
		require.NoError(t, f.LoadFromTerminalOpHeaders(ctx, d.src, d.hhs("a5"), 3, nil))
		assert.Equal(t, 3, f.Len())
		assert.ElementsMatch(t, d.hhs("a2"), f.MissingPrev.ToSlice())
	})

	t.Run("forbidden stops the walk", func(t *testing.T) {
		f := NewFragment("obj")
		forbidden := mapset.NewThreadUnsafeSet(d.hh("a3"))
		require.NoError(t, f.LoadFromTerminalOpHeaders(ctx, d.src, d.hhs("a5"), 0, forbidden))
		assert.Equal(t, 2, f.Len())
	})

	t.Run("unknown headers stay missing", func(t *testing.T) {
		src := memSource{}
		for k, v := range d.src {
			if v.OpHash != "a2" {
				src[k] = v
			}
		}
		f := NewFragment("obj")
		require.NoError(t, f.LoadFromTerminalOpHeaders(ctx, src, d.hhs("a5"), 0, nil))
		assert.Equal(t, 3, f.Len())
		assert.ElementsMatch(t, d.hhs("a2"), f.MissingPrev.ToSlice())
	})
}

func TestFragment_Clone(t *testing.T) {
	d := newTestDAG(t)
	d.chain("a", 2)
	f := NewFragment("obj")
	f.Add(d.byOp["a2"])

	c := f.Clone()
	c.Add(d.byOp["a1"])
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, 2, c.Len())
	assert.False(t, f.MissingPrev.IsEmpty())
}

// Terminal and missing-prev sets depend only on the set of headers held,
// not on the order they were added or removed in.
func TestFragment_OrderIndependence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		byOp := map[string]*Header{}
		var all []*Header
		for i := 0; i < n; i++ {
			var prevs []string
			if i > 0 {
				idx := rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), 0, min(3, i), rapid.ID[int]).Draw(rt, "prevs")
				for _, j := range idx {
					prevs = append(prevs, all[j].OpHash)
				}
			}
			h, err := NewHeader(string(rune('a'+i)), prevs, byOp)
			require.NoError(rt, err)
			byOp[h.OpHash] = h
			all = append(all, h)
		}

		keep := rapid.SliceOfN(rapid.Bool(), n, n).Draw(rt, "keep")

		expected := NewFragment("obj")
		for i, h := range all {
			if keep[i] {
				expected.Add(h)
			}
		}

		shuffled := rapid.Permutation(all).Draw(rt, "order")
		got := NewFragment("obj")
		for _, h := range shuffled {
			got.Add(h)
		}
		for _, h := range rapid.Permutation(all).Draw(rt, "removal") {
			if !keep[indexOf(all, h)] {
				got.Remove(h.HeaderHash)
			}
		}

		require.ElementsMatch(rt, expected.Terminal.ToSlice(), got.Terminal.ToSlice())
		require.ElementsMatch(rt, expected.MissingPrev.ToSlice(), got.MissingPrev.ToSlice())
		require.ElementsMatch(rt, expected.Roots.ToSlice(), got.Roots.ToSlice())
	})
}

func indexOf(all []*Header, h *Header) int {
	for i, x := range all {
		if x == h {
			return i
		}
	}
	return -1
}
