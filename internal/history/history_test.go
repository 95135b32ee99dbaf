package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// testDAG builds headers by op name for tests.
type testDAG struct {
	t    *testing.T
	byOp map[string]*Header
	src  memSource
}

func newTestDAG(t *testing.T) *testDAG {
	t.Helper()
	return &testDAG{t: t, byOp: map[string]*Header{}, src: memSource{}}
}

func (d *testDAG) add(opHash string, prevOps ...string) *Header {
	d.t.Helper()
	h, err := NewHeader(opHash, prevOps, d.byOp)
	require.NoError(d.t, err)
	d.byOp[opHash] = h
	d.src[h.HeaderHash] = h
	return h
}

func (d *testDAG) hh(opHash string) string {
	d.t.Helper()
	h, ok := d.byOp[opHash]
	require.True(d.t, ok, "unknown op %s", opHash)
	return h.HeaderHash
}

func (d *testDAG) hhs(opHashes ...string) []string {
	d.t.Helper()
	out := make([]string, len(opHashes))
	for i, o := range opHashes {
		out[i] = d.hh(o)
	}
	return out
}

// chain adds ops prefix1..prefixN, each following the previous one.
func (d *testDAG) chain(prefix string, n int) {
	d.t.Helper()
	prev := ""
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		if prev == "" {
			d.add(name)
		} else {
			d.add(name, prev)
		}
		prev = name
	}
}

type memSource map[string]*Header

func (m memSource) LoadOpHeaderByHeaderHash(_ context.Context, hash string) (*Header, error) {
	if h, ok := m[hash]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrHeaderNotFound, hash)
}
