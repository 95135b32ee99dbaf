package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteral_ValidateHash(t *testing.T) {
	lit, err := NewLiteral("weft/data", IRObject{"name": IRString("alice")}, nil)
	require.NoError(t, err)
	assert.True(t, lit.ValidateHash())

	tampered := lit
	tampered.Value = IRObject{"name": IRString("mallory")}
	assert.False(t, tampered.ValidateHash(), "content change must break the hash")

	reclassed := lit
	reclassed.Class = "weft/other"
	assert.False(t, reclassed.ValidateHash(), "class change must break the hash")
}

func TestLiteral_DependenciesAreNotHashed(t *testing.T) {
	value := IRObject{"name": IRString("alice")}
	a, err := NewLiteral("weft/data", value, nil)
	require.NoError(t, err)
	b, err := NewLiteral("weft/data", value, []Dependency{{Hash: "x", Kind: DepLiteral}})
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
}

func TestSortDependencies(t *testing.T) {
	deps := []Dependency{
		{Hash: "c", Kind: DepLiteral},
		{Hash: "a", Kind: DepReference},
		{Hash: "c", Kind: DepLiteral},
		{Hash: "b", Kind: DepLiteral},
	}

	sorted := SortDependencies(deps)
	require.Len(t, sorted, 3)
	assert.Equal(t, "a", sorted[0].Hash)
	assert.Equal(t, "b", sorted[1].Hash)
	assert.Equal(t, "c", sorted[2].Hash)
	assert.Len(t, deps, 4, "input must not be modified")
}

func TestLiteral_PackedDependencies(t *testing.T) {
	lit := Literal{Dependencies: []Dependency{
		{Hash: "prev", Kind: DepReference},
		{Hash: "elem", Kind: DepLiteral},
	}}

	packed := lit.PackedDependencies()
	require.Len(t, packed, 1)
	assert.Equal(t, "elem", packed[0].Hash)
	assert.True(t, lit.HasDependency("prev"))
	assert.False(t, lit.HasDependency("other"))
}

func TestLiteral_BinaryRoundTrip(t *testing.T) {
	lit, err := NewLiteral("weft/data",
		IRObject{"name": IRString("<alice>"), "tags": IRArray{IRString("x")}},
		[]Dependency{{Hash: "d1", Class: "weft/data", Kind: DepLiteral}},
	)
	require.NoError(t, err)

	data, err := lit.MarshalBinary()
	require.NoError(t, err)

	var decoded Literal
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, lit, decoded)
	assert.True(t, decoded.ValidateHash())
}
