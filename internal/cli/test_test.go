package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	harnessScenarios = filepath.Join("..", "harness", "testdata", "scenarios")
	harnessGolden    = filepath.Join("..", "harness", "testdata", "golden")
)

const failingScenario = `name: wrong_members
description: "Asserts a value nobody added"
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
    values: [blue]
`

func TestTestCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_NonExistentDir(t *testing.T) {
	_, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	out := mustExecute(t, "test", t.TempDir())
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_InvalidFilter(t *testing.T) {
	_, err := execute(t, "test", t.TempDir(), "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_MatchesGolden(t *testing.T) {
	out := mustExecute(t, "test", harnessScenarios, "--golden", harnessGolden, "--filter", "two_*")
	assert.Contains(t, out, "✓ two_peers")
	assert.NotContains(t, out, "three_peers")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	golden := t.TempDir()

	out := mustExecute(t, "test", harnessScenarios, "--golden", golden, "--filter", "three_*", "--update")
	assert.Contains(t, out, "✓ three_peers (golden updated)")

	got, err := os.ReadFile(filepath.Join(golden, "three_peers.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGolden, "three_peers.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "two_peers.golden"), []byte("{}"), 0o644))

	out, err := execute(t, "test", harnessScenarios, "--golden", golden, "--filter", "two_*")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ two_peers")
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommand_FailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(failingScenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	out, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res TestResult
	resp := decodeData(t, out, &res)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Scenarios, 1)
	assert.Equal(t, "wrong_members", res.Scenarios[0].Name)
	require.NotEmpty(t, res.Scenarios[0].Errors)
	assert.Contains(t, res.Scenarios[0].Errors[0], "Assertion failed: members")
}

func TestTestCommand_LoadError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0o644))

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}
