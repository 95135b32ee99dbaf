package types

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
)

const (
	waitFor  = 2 * time.Second
	waitTick = 10 * time.Millisecond
)

// env is one node's store with a running cascader.
type env struct {
	ctx   context.Context
	store *store.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	s, err := store.Open(filepath.Join(t.TempDir(), "weft.db"), store.WithRegistry(reg))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	c := engine.NewCascader(s, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Close()
	})
	return &env{ctx: ctx, store: s}
}

func (e *env) capabilities(t *testing.T, owner string) *Capabilities {
	t.Helper()
	c, err := OpenCapabilities(e.ctx, e.store, CapabilitiesDescriptor("caps", owner))
	require.NoError(t, err)
	require.NoError(t, c.Object().Start(e.ctx))
	t.Cleanup(c.Close)
	return c
}

func (e *env) set(t *testing.T, authority *Authority, opts ...Option) *CausalSet {
	t.Helper()
	cs, err := OpenCausalSet(e.ctx, e.store, SetDescriptor("members", authority), opts...)
	require.NoError(t, err)
	require.NoError(t, cs.Object().Start(e.ctx))
	t.Cleanup(cs.Close)
	return cs
}

func TestRegister_Twice(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	assert.Error(t, Register(reg))
	assert.True(t, reg.Has(ClassRevoke))
}

func TestDecode_RejectsMalformed(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	target := CapabilitiesDescriptor("caps", "").MustHash()

	grant := &op.Op{Class: ClassGrant, Target: target, PrevOps: []string{}, Payload: ir.IRObject{"grantee": ir.IRString("bob")}}
	lit, err := grant.Literal()
	require.NoError(t, err)
	_, _, err = reg.Decode(lit)
	assert.ErrorIs(t, err, op.ErrMalformed)

	use := &op.Op{Class: ClassUse, Target: target, Author: "bob", PrevOps: []string{}, CausalOps: map[string]string{"other": "x"}, Payload: ir.IRObject{"usage": ir.IRString("k")}}
	lit, err = use.Literal()
	require.NoError(t, err)
	_, _, err = reg.Decode(lit)
	assert.ErrorIs(t, err, op.ErrMalformed)

	add := &op.Op{Class: ClassAdd, Target: target, PrevOps: []string{}}
	lit, err = add.Literal()
	require.NoError(t, err)
	_, _, err = reg.Decode(lit)
	assert.ErrorIs(t, err, op.ErrMalformed)
}

func TestDecode_RoundTrip(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	target := SetDescriptor("s", nil).MustHash()

	add := &op.Op{Class: ClassAdd, Target: target, Author: "alice", PrevOps: []string{}, Refs: map[string]string{refElem: StringElement("x").MustHash()}}
	lit, err := add.Literal()
	require.NoError(t, err)
	obj, derived, err := reg.Decode(lit)
	require.NoError(t, err)
	assert.Equal(t, add.MustHash(), derived.Hash)
	assert.Equal(t, add.Refs, obj.(*op.Op).Refs)
}

func TestOpen_DispatchesOnClass(t *testing.T) {
	e := newEnv(t)

	r, err := Open(e.ctx, e.store, CapabilitiesDescriptor("c", ""))
	require.NoError(t, err)
	defer r.Close()
	assert.IsType(t, &Capabilities{}, r)

	ok, err := e.store.Has(e.ctx, r.Hash())
	require.NoError(t, err)
	assert.True(t, ok, "descriptor is saved")

	_, err = Open(e.ctx, e.store, StringElement("x"))
	assert.Error(t, err)
}
