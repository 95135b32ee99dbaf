package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
)

const testOpClass = "weft/test/op"

func testRegistry(t *testing.T) *op.Registry {
	t.Helper()
	reg := op.NewRegistry()
	require.NoError(t, op.RegisterCore(reg))
	reg.MustRegister(testOpClass, op.DecodePlainOp)
	reg.MustRegister("weft/test/object", op.DecodeDataObject)
	return reg
}

func createTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), WithRegistry(testRegistry(t)), WithHeaderCacheSize(8))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testObject(name string) *op.Data {
	return &op.Data{Class: "weft/test/object", Fields: ir.IRObject{"name": ir.IRString(name)}}
}

func testOp(target string, n int64, prevs ...*op.Op) *op.Op {
	prevOps := []string{}
	for _, p := range prevs {
		prevOps = append(prevOps, p.MustHash())
	}
	return &op.Op{
		Class:   testOpClass,
		Target:  target,
		PrevOps: prevOps,
		Payload: ir.IRObject{"n": ir.IRInt(n)},
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.verifyPragma("journal_mode", "wal"))
	require.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	require.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	obj := testObject("a")

	s, err := Open(path, WithRegistry(testRegistry(t)))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, obj))
	require.NoError(t, s.Close())

	s, err = Open(path, WithRegistry(testRegistry(t)))
	require.NoError(t, err)
	defer s.Close()
	ok, err := s.Has(ctx, obj.MustHash())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	obj := testObject("a")
	require.NoError(t, s.Save(ctx, obj))
	root := testOp(obj.MustHash(), 1)
	require.NoError(t, s.Save(ctx, root))

	loaded, err := s.LoadOp(ctx, root.MustHash())
	require.NoError(t, err)
	assert.Equal(t, root.MustHash(), loaded.MustHash())

	lit, err := s.LoadLiteral(ctx, obj.MustHash())
	require.NoError(t, err)
	assert.True(t, lit.ValidateHash())

	_, err = s.LoadOp(ctx, obj.MustHash())
	assert.Error(t, err, "data object is not an op")

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	obj := testObject("a")
	root := testOp(obj.MustHash(), 1)
	require.NoError(t, s.Save(ctx, root))
	require.NoError(t, s.Save(ctx, root))

	hashes, err := s.LoadAllByReference(ctx, FieldTarget, obj.MustHash())
	require.NoError(t, err)
	assert.Equal(t, []string{root.MustHash()}, hashes)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Objects)
	assert.Equal(t, 1, st.Headers)
}

func TestStore_HeadersAndTerminalOps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	target := testObject("a").MustHash()

	a := testOp(target, 1)
	b := testOp(target, 2, a)
	c := testOp(target, 3, a)
	d := testOp(target, 4, b, c)

	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, s.Save(ctx, c))

	terminal, err := s.LoadTerminalOps(ctx, target)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.MustHash(), c.MustHash()}, terminal)

	require.NoError(t, s.Save(ctx, d))
	terminal, err = s.LoadTerminalOps(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []string{d.MustHash()}, terminal)

	hd, err := s.LoadOpHeader(ctx, d.MustHash())
	require.NoError(t, err)
	assert.Equal(t, int64(3), hd.Height)
	assert.Equal(t, int64(4), hd.Size)

	byHeader, err := s.LoadOpHeaderByHeaderHash(ctx, hd.HeaderHash)
	require.NoError(t, err)
	assert.Equal(t, d.MustHash(), byHeader.OpHash)
}

func TestStore_PendingHeadersResolveOnArrival(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	target := testObject("a").MustHash()

	a := testOp(target, 1)
	b := testOp(target, 2, a)
	c := testOp(target, 3, b)

	require.NoError(t, s.Save(ctx, c))
	require.NoError(t, s.Save(ctx, b))

	_, err := s.LoadOpHeader(ctx, c.MustHash())
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, history.ErrHeaderNotFound)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.PendingHeaders)

	terminal, err := s.LoadTerminalOps(ctx, target)
	require.NoError(t, err)
	assert.Empty(t, terminal)

	require.NoError(t, s.Save(ctx, a))

	hc, err := s.LoadOpHeader(ctx, c.MustHash())
	require.NoError(t, err)
	assert.Equal(t, int64(3), hc.Height)

	terminal, err = s.LoadTerminalOps(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []string{c.MustHash()}, terminal)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingHeaders)
}

func TestStore_HeaderMatchesHistory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	target := testObject("a").MustHash()

	a := testOp(target, 1)
	b := testOp(target, 2, a)
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	ha, err := history.NewHeader(a.MustHash(), nil, nil)
	require.NoError(t, err)
	hb, err := history.NewHeader(b.MustHash(), b.PrevOps, map[string]*history.Header{a.MustHash(): ha})
	require.NoError(t, err)

	stored, err := s.LoadOpHeader(ctx, b.MustHash())
	require.NoError(t, err)
	assert.Equal(t, hb.HeaderHash, stored.HeaderHash)
	assert.Equal(t, hb.PrevOpHeaders, stored.PrevOpHeaders)
}

func TestStore_LoadByReferencePages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	target := testObject("a").MustHash()

	var want []string
	prev := testOp(target, 0)
	require.NoError(t, s.Save(ctx, prev))
	want = append(want, prev.MustHash())
	for i := int64(1); i < 5; i++ {
		o := testOp(target, i, prev)
		require.NoError(t, s.Save(ctx, o))
		want = append(want, o.MustHash())
		prev = o
	}

	first, next, err := s.LoadByReference(ctx, FieldTarget, target, Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, want[:2], first)

	second, next, err := s.LoadByReference(ctx, FieldTarget, target, next)
	require.NoError(t, err)
	assert.Equal(t, want[2:4], second)

	rest, _, err := s.LoadByReference(ctx, FieldTarget, target, next)
	require.NoError(t, err)
	assert.Equal(t, want[4:], rest)

	all, err := s.LoadAllByReference(ctx, FieldTarget, target)
	require.NoError(t, err)
	assert.Equal(t, want, all)
}

func TestStore_ReferenceFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	target := testObject("a").MustHash()

	d := testOp(target, 1)
	undo, err := op.NewUndo(d, "cause-1")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, d))
	require.NoError(t, s.Save(ctx, undo))

	byTargetOp, err := s.LoadAllByReference(ctx, FieldTargetOp, d.MustHash())
	require.NoError(t, err)
	assert.Equal(t, []string{undo.MustHash()}, byTargetOp)

	byCause, err := s.LoadAllByReference(ctx, FieldCausalOps, "cause-1")
	require.NoError(t, err)
	assert.Equal(t, []string{undo.MustHash()}, byCause)
}

func TestStore_WatchReferences(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	target := testObject("a").MustHash()
	other := testObject("b").MustHash()

	ch, stop := s.WatchReferences(FieldTarget, target)
	all, stopAll := s.WatchAll()
	defer stopAll()

	a := testOp(target, 1)
	require.NoError(t, s.Save(ctx, testOp(other, 1)))
	require.NoError(t, s.Save(ctx, a))

	select {
	case h := <-ch:
		assert.Equal(t, a.MustHash(), h)
	case <-time.After(time.Second):
		t.Fatal("watch did not deliver")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("WatchAll did not deliver")
		}
	}

	stop()
	require.NoError(t, s.Save(ctx, testOp(target, 2, a)))
	_, open := <-ch
	assert.False(t, open, "channel closes after stop")
}

func TestStore_WatchHeaders_DeliversReleasedOps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	target := testObject("a").MustHash()

	ch, stop := s.WatchHeaders(target)
	defer stop()

	a := testOp(target, 1)
	b := testOp(target, 2, a)
	c := testOp(target, 3, b)

	// c and b wait for a; saving a releases both.
	require.NoError(t, s.Save(ctx, c))
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, s.Save(ctx, a))

	var got []string
	for len(got) < 3 {
		select {
		case h := <-ch:
			got = append(got, h)
		case <-time.After(time.Second):
			t.Fatalf("header watch delivered %d of 3", len(got))
		}
	}
	assert.Equal(t, []string{a.MustHash(), b.MustHash(), c.MustHash()}, got)
}

func TestStore_CloseClosesWatches(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	ch, stop := s.WatchAll()
	defer stop()
	require.NoError(t, s.Close())

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch not closed")
	}
}

func TestStore_LoadWithoutRegistry(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(context.Background(), "x")
	assert.Error(t, err)
}
