package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const nodeConfig = `name: %s
db: %s
author: %s
objects:
  - name: team
    class: capabilities
    id: team
    owner: alice
  - name: members
    class: causal-set
    id: members
    authority:
      capabilities: team
      capability: write
  - name: tags
    class: causal-set
    id: tags
`

// writeConfig writes a configuration for the node name into dir, with its
// database next to it.
func writeConfig(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	data := fmt.Sprintf(nodeConfig, name, filepath.Join(dir, name+".db"), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

// execute runs the root command with args and returns what it wrote to
// stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// mustExecute runs the root command and fails the test on error.
func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, out)
	return out
}

// decodeData decodes the data of a JSON response into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if v != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, v), out)
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}
