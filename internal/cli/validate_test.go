package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "alice")

	out := mustExecute(t, "--config", cfg, "validate")
	assert.Contains(t, out, "✓ "+cfg+" is valid")
}

func TestValidate_ValidConfigJSON(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "alice")

	var res ValidationResult
	resp := decodeData(t, mustExecute(t, "--format", "json", "validate", cfg), &res)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, res.Valid)
	assert.Equal(t, []string{cfg}, res.Files)
}

func TestValidate_NotFound(t *testing.T) {
	out, err := execute(t, "validate", "/nonexistent/weft.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E005")
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: alice
objects:
  - name: tags
    class: causal-set
    id: tags
    owner: alice
  - name: tags
    class: causal-set
    id: other
`), 0o644))

	var res ValidationResult
	out, err := execute(t, "--format", "json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeData(t, out, &res)
	assert.Equal(t, "error", resp.Status)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 2)
	for _, e := range res.Errors {
		assert.Equal(t, ErrCodeConfig, e.Code)
		assert.Equal(t, path, e.File)
	}
	assert.Contains(t, res.Errors[0].Message, "take no owner")
	assert.Contains(t, res.Errors[1].Message, "duplicate name")
}

func TestValidate_SchemaViolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: alice\npeers:\n  - url: http://example.com\n"), 0o644))

	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "E002")
}

func TestValidate_CrossChecksPeers(t *testing.T) {
	dir := t.TempDir()
	alice := writeConfig(t, dir, "alice")
	bob := writeConfig(t, dir, "bob")

	out := mustExecute(t, "validate", alice, bob)
	assert.Contains(t, out, "✓ All 2 configs valid")

	// A second alice, and a set declared under another id.
	clash := filepath.Join(dir, "clash.yaml")
	data, err := os.ReadFile(alice)
	require.NoError(t, err)
	changed := strings.Replace(string(data), "id: tags", "id: labels", 1)
	require.NoError(t, os.WriteFile(clash, []byte(changed), 0o644))

	var res ValidationResult
	out, err = execute(t, "--format", "json", "validate", alice, clash)
	require.Error(t, err)
	decodeData(t, out, &res)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0].Message, `node name "alice" is also used by `+alice)
	assert.Contains(t, res.Errors[1].Message, `object "tags" is declared differently in `+alice)
}
