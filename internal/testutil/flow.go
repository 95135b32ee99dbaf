package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates ids of the form "<prefix>-<n>", counting
// from 1. It never runs out, unlike mesh.FixedGenerator, so it suits
// long-running peers whose request count is not known in advance.
//
// Two generators with the same prefix produce the same sequence, which
// keeps request ids in logs identical across runs of a scenario.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator for prefix. An empty prefix
// becomes "id".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id.
//
// Implements mesh.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
