package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One peer, one set"
peers: [alice]
objects:
  - name: tags
    class: causal-set
    id: tags
steps:
  - peer: alice
    add: { object: tags, value: red }
assertions:
  - type: members
    peer: alice
    object: tags
    values: [red]
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, []string{"alice"}, s.Peers)
	require.Len(t, s.Objects, 1)
	assert.Equal(t, "causal-set", s.Objects[0].Class)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, ActionAdd, s.Steps[0].Action())
	assert.Equal(t, &ElementArgs{Object: "tags", Value: "red"}, s.Steps[0].Add)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, []string{"red"}, s.Assertions[0].Values)
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestStep_Action(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want string
	}{
		{"grant", Step{Grant: &CapabilityArgs{}}, ActionGrant},
		{"revoke", Step{Revoke: &CapabilityArgs{}}, ActionRevoke},
		{"add", Step{Add: &ElementArgs{}}, ActionAdd},
		{"remove", Step{Remove: &ElementArgs{}}, ActionRemove},
		{"partition", Step{Partition: []string{"a", "b"}}, ActionPartition},
		{"heal", Step{Heal: []string{"a", "b"}}, ActionHeal},
		{"settle", Step{Settle: true}, ActionSettle},
		{"none", Step{}, ""},
		{"two", Step{Settle: true, Add: &ElementArgs{}}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.step.Action())
		})
	}
}

func TestParseScenario_Invalid(t *testing.T) {
	objects := `
objects:
  - name: team
    class: capabilities
    id: team
  - name: tags
    class: causal-set
    id: tags
`
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: x\npeers: [a]\n" + objects + "steps: [{settle: true}]\nassertions: [{type: converged, object: tags}]\n",
			want: "name is required",
		},
		{
			name: "no peers",
			yaml: "name: x\ndescription: x\n" + objects + "steps: [{settle: true}]\nassertions: [{type: converged, object: tags}]\n",
			want: "peers list is required",
		},
		{
			name: "duplicate peer",
			yaml: "name: x\ndescription: x\npeers: [a, a]\n" + objects + "steps: [{settle: true}]\nassertions: [{type: converged, object: tags}]\n",
			want: "duplicate peer",
		},
		{
			name: "invalid objects",
			yaml: "name: x\ndescription: x\npeers: [a]\nobjects: [{name: t, class: ledger, id: t}]\nsteps: [{settle: true}]\nassertions: [{type: converged, object: t}]\n",
			want: "unknown class",
		},
		{
			name: "two actions",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{settle: true, heal: [a, a]}]\nassertions: [{type: converged, object: tags}]\n",
			want: "exactly one action",
		},
		{
			name: "write on unknown peer",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{peer: b, add: {object: tags, value: v}}]\nassertions: [{type: converged, object: tags}]\n",
			want: "needs a known peer",
		},
		{
			name: "grant on a set",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{peer: a, grant: {object: tags, grantee: a, capability: w}}]\nassertions: [{type: converged, object: tags}]\n",
			want: "needs a capabilities object",
		},
		{
			name: "settle with a peer",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{peer: a, settle: true}]\nassertions: [{type: converged, object: tags}]\n",
			want: "takes no peer",
		},
		{
			name: "partition of one",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{partition: [a]}]\nassertions: [{type: converged, object: tags}]\n",
			want: "at least two peers",
		},
		{
			name: "members of capabilities",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{settle: true}]\nassertions: [{type: members, peer: a, object: team}]\n",
			want: "members needs a causal set",
		},
		{
			name: "capability without held",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{settle: true}]\nassertions: [{type: capability, peer: a, object: team, grantee: a, capability: w}]\n",
			want: "needs grantee, capability and held",
		},
		{
			name: "unknown assertion",
			yaml: "name: x\ndescription: x\npeers: [a]\n" + objects + "steps: [{settle: true}]\nassertions: [{type: trace_order, object: tags}]\n",
			want: "unknown assertion type",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			assert.NotEmpty(t, s.Steps)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
