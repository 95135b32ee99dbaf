package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/weft/internal/mesh"
)

const fullConfig = `
name: alice
listen: 127.0.0.1:9000
db: /tmp/alice.db
author: alice
peers:
  - url: ws://127.0.0.1:9001/weft
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
sync:
  request_timeout: 10s
  sweep_interval: 250ms
  literal_batch_size: 64
  request_rate: 2.5
metrics:
  enabled: true
log:
  level: debug
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Name)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, []Peer{{URL: "ws://127.0.0.1:9001/weft"}}, cfg.Peers)
	require.Len(t, cfg.Objects, 2)
	assert.Equal(t, &Authority{Capabilities: "team", Capability: "write"}, cfg.Objects[1].Authority)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())

	members, ok := cfg.Object("members")
	require.True(t, ok)
	assert.Equal(t, ClassCausalSet, members.Class)
	_, ok = cfg.Object("nope")
	assert.False(t, ok)

	l := cfg.Limits()
	def := mesh.DefaultLimits()
	assert.Equal(t, 10*time.Second, l.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, l.SweepInterval)
	assert.Equal(t, 64, l.LiteralBatchSize)
	assert.Equal(t, rate.Limit(2.5), l.RequestRate)
	assert.Equal(t, def.MaxRequestsPerRemote, l.MaxRequestsPerRemote)
	assert.Equal(t, def.StreamInterval, l.StreamInterval)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("name: bob\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultDB, cfg.DB)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, mesh.DefaultLimits(), cfg.Limits())
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"missing name", "listen: 127.0.0.1:1\n"},
		{"unknown key", "name: a\nlisten_addr: x\n"},
		{"bad class", "name: a\nobjects:\n  - {name: x, class: counter, id: x}\n"},
		{"bad duration", "name: a\nsync:\n  request_timeout: soon\n"},
		{"negative limit", "name: a\nsync:\n  max_pending_ops: -1\n"},
		{"bad peer url", "name: a\npeers:\n  - url: http://x\n"},
		{"bad level", "name: a\nlog:\n  level: loud\n"},
		{"not yaml", "name: [a\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParse_CrossFieldErrors(t *testing.T) {
	const bad = `
name: a
peers:
  - url: ws://x/weft
  - url: ws://x/weft
objects:
  - name: members
    class: causal-set
    id: members
    owner: a
    authority:
      capabilities: team
      capability: write
  - name: team
    class: capabilities
    id: team
    authority:
      capabilities: members
      capability: write
  - name: team
    class: capabilities
    id: other
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		`duplicate url "ws://x/weft"`,
		"take no owner",
		`authority "team" is not declared before it`,
		"take no authority",
		`duplicate name "team"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_AuthorityMustBeCapabilities(t *testing.T) {
	cfg := &Config{
		Name: "a",
		Objects: []Object{
			{Name: "one", Class: ClassCausalSet, ID: "one"},
			{Name: "two", Class: ClassCausalSet, ID: "two", Authority: &Authority{Capabilities: "one", Capability: "w"}},
		},
	}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `authority "one" is a causal-set object`)
}

func TestStarter_ParsesBack(t *testing.T) {
	data, err := Starter("carol", "ws://127.0.0.1:7421/weft")
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.Name)
	assert.Equal(t, "carol.db", cfg.DB)
	assert.Equal(t, []Peer{{URL: "ws://127.0.0.1:7421/weft"}}, cfg.Peers)
	require.Len(t, cfg.Objects, 2)
	assert.Equal(t, "carol", cfg.Objects[0].Owner)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
