package op

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUndo(t *testing.T) {
	d := testOp(t, "obj", []string{}, nil)
	u, err := NewUndo(d, "cause-1")
	require.NoError(t, err)

	assert.True(t, u.IsUndo())
	assert.Equal(t, "obj", u.Target)
	assert.Equal(t, []string{d.MustHash()}, u.PrevOps)
	assert.Equal(t, d.MustHash(), u.TargetOp)
	assert.Equal(t, "cause-1", u.Cause())
	assert.False(t, u.IsInvalidateAfter())
}

func TestNewUndo_IsDeterministic(t *testing.T) {
	d := testOp(t, "obj", []string{}, nil)
	a, err := NewUndo(d, "c")
	require.NoError(t, err)
	b, err := NewUndo(d, "c")
	require.NoError(t, err)
	assert.Equal(t, a.MustHash(), b.MustHash())
}

func TestNewUndo_RejectsInvalidationTarget(t *testing.T) {
	d := testOp(t, "obj", []string{}, nil)
	u, err := NewUndo(d, "c")
	require.NoError(t, err)

	_, err = NewUndo(u, "c2")
	require.ErrorIs(t, err, ErrInvalidTarget)

	r, err := NewRedo(u, "c3")
	require.NoError(t, err)
	_, err = NewUndo(r, "c4")
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestNewRedo(t *testing.T) {
	d := testOp(t, "obj", []string{}, nil)
	u, err := NewUndo(d, "c")
	require.NoError(t, err)

	r, err := NewRedo(u, "c2")
	require.NoError(t, err)
	assert.True(t, r.IsRedo())
	assert.Equal(t, []string{u.MustHash()}, r.PrevOps)
	assert.Equal(t, u.MustHash(), r.TargetOp)

	_, err = NewRedo(d, "c3")
	require.Error(t, err, "redo must target an undo")
}

func TestNewInvalidateAfter(t *testing.T) {
	grant := testOp(t, "caps", []string{}, nil)
	ia, err := NewInvalidateAfter("", "caps", grant, []string{"f2", "f1", "f2"})
	require.NoError(t, err)

	assert.Equal(t, ClassInvalidateAfter, ia.Class)
	assert.True(t, ia.IsInvalidateAfter())
	assert.False(t, ia.IsInvalidation())
	assert.Equal(t, []string{"f1", "f2"}, ia.Frontier)
	assert.Equal(t, ia.Frontier, ia.PrevOps)
	assert.Equal(t, grant.MustHash(), ia.CausalOps["target"])
	require.NoError(t, CheckInvalidateAfter(ia))

	u, err := NewUndo(grant, "c")
	require.NoError(t, err)
	_, err = NewInvalidateAfter("", "caps", u, nil)
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = NewInvalidateAfter("", "caps", ia, nil)
	require.ErrorIs(t, err, ErrInvalidTarget, "invalidate-after of an invalidate-after")

	_, err = NewInvalidateAfter("", "other", grant, nil)
	require.ErrorIs(t, err, ErrInvalidTarget, "target op of another object")
}

func TestRegistry_DecodesInvalidations(t *testing.T) {
	r := testRegistry(t)
	d := testOp(t, "obj", []string{}, nil)
	u, err := NewUndo(d, "c")
	require.NoError(t, err)
	lit, err := u.Literal()
	require.NoError(t, err)

	decoded, _, err := r.DecodeOp(lit)
	require.NoError(t, err)
	assert.Equal(t, u, decoded)

	ia, err := NewInvalidateAfter("", "obj", d, []string{})
	require.NoError(t, err)
	lit, err = ia.Literal()
	require.NoError(t, err)
	decoded, _, err = r.DecodeOp(lit)
	require.NoError(t, err)
	assert.True(t, decoded.IsInvalidateAfter())
}

func TestRegistry_RejectsMalformedUndo(t *testing.T) {
	r := testRegistry(t)
	bad := &Op{
		Class:     ClassUndo,
		Target:    "obj",
		PrevOps:   []string{"x", "y"},
		TargetOp:  "x",
		CausalOps: map[string]string{CauseKey: "c"},
	}
	lit, err := bad.Literal()
	require.NoError(t, err)

	_, _, err = r.Decode(lit)
	require.ErrorIs(t, err, ErrMalformed)
}
