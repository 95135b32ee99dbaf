package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
)

const (
	testOpClass     = "weft/test/op"
	testRevokeClass = "weft/test/revoke"
)

// memStore is an in-memory Store for object tests that need many
// independent stores (property tests).
type memStore struct {
	mu       sync.Mutex
	ops      map[string]*op.Op
	order    []string
	watchers map[string][]chan string
}

func newMemStore() *memStore {
	return &memStore{ops: map[string]*op.Op{}, watchers: map[string][]chan string{}}
}

func (m *memStore) Save(_ context.Context, obj op.Object) error {
	o, ok := obj.(*op.Op)
	if !ok {
		return nil
	}
	h, err := o.Hash()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[h]; ok {
		return nil
	}
	m.ops[h] = o
	m.order = append(m.order, h)
	for _, ch := range m.watchers[o.Target] {
		select {
		case ch <- h:
		default:
		}
	}
	return nil
}

func (m *memStore) LoadOp(_ context.Context, hash string) (*op.Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.ops[hash]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", hash, store.ErrNotFound)
	}
	return o, nil
}

func (m *memStore) LoadAllByReference(_ context.Context, field, target string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, h := range m.order {
		if field == store.FieldTarget && m.ops[h].Target == target {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) WatchReferences(_, target string) (<-chan string, func()) {
	ch := make(chan string, 1024)
	m.mu.Lock()
	m.watchers[target] = append(m.watchers[target], ch)
	m.mu.Unlock()
	return ch, func() {}
}

func (m *memStore) put(o *op.Op) string {
	h := o.MustHash()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[h]; !ok {
		m.ops[h] = o
		m.order = append(m.order, h)
	}
	return h
}

// testModel records which ops are currently valid.
type testModel struct {
	mu      sync.Mutex
	valid   map[string]bool
	folded  []string
	flips   []string
	refused map[string]bool
}

func newTestModel() *testModel {
	return &testModel{valid: map[string]bool{}, refused: map[string]bool{}}
}

func (m *testModel) Accepts(class string) bool {
	return class == testOpClass || class == testRevokeClass
}

func (m *testModel) Validate(_ context.Context, o *op.Op, _ string) error {
	if b, ok := o.Payload["invalid"].(ir.IRBool); ok && bool(b) {
		return fmt.Errorf("payload marked invalid")
	}
	return nil
}

func (m *testModel) Mutate(_ context.Context, _ *op.Op, hash string, valid, cascade bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cascade {
		m.flips = append(m.flips, fmt.Sprintf("%s:%v", hash, valid))
	} else {
		m.folded = append(m.folded, hash)
	}
	m.valid[hash] = valid
	return true, nil
}

func (m *testModel) isValid(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid[hash]
}

func (m *testModel) foldOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.folded...)
}

func (m *testModel) flipLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.flips...)
}

func testTarget(name string) string {
	return (&op.Data{Class: "weft/test/object", Fields: ir.IRObject{"name": ir.IRString(name)}}).MustHash()
}

func plainOp(target string, n int64, prevs ...string) *op.Op {
	if prevs == nil {
		prevs = []string{}
	}
	return &op.Op{
		Class:   testOpClass,
		Target:  target,
		PrevOps: prevs,
		Payload: ir.IRObject{"n": ir.IRInt(n)},
	}
}

func testRegistry(t *testing.T) *op.Registry {
	t.Helper()
	reg := op.NewRegistry()
	require.NoError(t, op.RegisterCore(reg))
	reg.MustRegister(testOpClass, op.DecodePlainOp)
	reg.MustRegister(testRevokeClass, op.DecodeInvalidateAfter)
	reg.MustRegister("weft/test/object", op.DecodeDataObject)
	return reg
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithRegistry(testRegistry(t)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
