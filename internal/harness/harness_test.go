package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScenario(t *testing.T, s *Scenario) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := Run(ctx, s)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result := runScenario(t, s)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
			require.NoError(t, AssertGolden(t, s.Name, result))
		})
	}
}

func TestRun_SinglePeer(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	result := runScenario(t, s)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	require.Len(t, result.Trace, 1)
	assert.Equal(t, TraceEvent{
		Seq:     1,
		Action:  ActionAdd,
		Peer:    "alice",
		Author:  "alice",
		Args:    map[string]string{"object": "tags", "value": "red"},
		Outcome: "ok",
		Ops:     1,
	}, result.Trace[0])

	snap := result.Snapshot("alice", "tags")
	require.NotNil(t, snap)
	assert.Equal(t, []string{"red"}, snap.Values())
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: failing
description: "Every expectation here is wrong"
peers: [alice, bob]
objects:
  - name: tags
    class: causal-set
    id: tags
steps:
  - peer: alice
    add: { object: tags, value: red }
    expect_error: "capability"
  - peer: bob
    remove: { object: tags, value: green }
assertions:
  - type: members
    peer: bob
    object: tags
    values: [blue]
`))
	require.NoError(t, err)

	result := runScenario(t, s)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "succeeded, expected an error")
	assert.Contains(t, result.Errors[1], "element not in set")
	assert.Contains(t, result.Errors[2], "Assertion failed: members")
	assert.Equal(t, "error", result.Trace[1].Outcome)
}

func TestRun_StopsWithContext(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, s)
	assert.Error(t, err)
}
