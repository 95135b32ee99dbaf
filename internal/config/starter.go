package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const starterHeader = `# weft node configuration.
#
# Peers that list the same objects (same class, id and fields) keep them
# in sync. See "weft serve --help".
`

// Starter returns the configuration "weft init" writes for a node named
// name that dials peers. It holds a capability set owned by the node and
// a causal set that requires the "write" capability from it.
func Starter(name string, peers ...string) ([]byte, error) {
	cfg := Config{
		Name:   name,
		Listen: DefaultListen,
		DB:     name + ".db",
		Author: name,
		Objects: []Object{
			{Name: "team", Class: ClassCapabilities, ID: "team", Owner: name},
			{
				Name:      "members",
				Class:     ClassCausalSet,
				ID:        "members",
				Authority: &Authority{Capabilities: "team", Capability: "write"},
			},
		},
		Metrics: Metrics{Enabled: true, Path: DefaultMetricsPath},
		Log:     Log{Level: DefaultLogLevel},
	}
	for _, p := range peers {
		cfg.Peers = append(cfg.Peers, Peer{URL: p})
	}

	var buf bytes.Buffer
	buf.WriteString(starterHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode starter config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode starter config: %w", err)
	}
	return buf.Bytes(), nil
}
