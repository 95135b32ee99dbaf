package mesh

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
	"github.com/roach88/weft/internal/testutil"
)

const (
	testOpClass     = "weft/test/op"
	testObjectClass = "weft/test/object"
	testDataClass   = "weft/test/data"
)

func testRegistry(t *testing.T) *op.Registry {
	t.Helper()
	reg := op.NewRegistry()
	require.NoError(t, op.RegisterCore(reg))
	reg.MustRegister(testOpClass, op.DecodePlainOp)
	reg.MustRegister(testObjectClass, op.DecodeDataObject)
	reg.MustRegister(testDataClass, op.DecodeDataObject)
	return reg
}

func createTestStore(t *testing.T, reg *op.Registry) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDescriptor(name string) *op.Data {
	return &op.Data{Class: testObjectClass, Fields: ir.IRObject{"name": ir.IRString(name)}}
}

func testData(name string, refs map[string]string) *op.Data {
	return &op.Data{Class: testDataClass, Fields: ir.IRObject{"name": ir.IRString(name)}, Refs: refs}
}

func testOp(target string, n int64, prevs ...*op.Op) *op.Op {
	prevOps := []string{}
	for _, p := range prevs {
		prevOps = append(prevOps, p.MustHash())
	}
	return &op.Op{
		Class:   testOpClass,
		Target:  target,
		PrevOps: prevOps,
		Payload: ir.IRObject{"n": ir.IRInt(n)},
	}
}

func saveAll(t *testing.T, s *store.Store, objs ...op.Object) {
	t.Helper()
	for _, o := range objs {
		require.NoError(t, s.Save(context.Background(), o))
	}
}

func headerOf(t *testing.T, s *store.Store, o *op.Op) *history.Header {
	t.Helper()
	h, err := s.LoadOpHeader(context.Background(), o.MustHash())
	require.NoError(t, err)
	return h
}

// chain returns n ops of target, each following the previous one.
func chain(target string, n int) []*op.Op {
	ops := make([]*op.Op, 0, n)
	var prev []*op.Op
	for i := 0; i < n; i++ {
		o := testOp(target, int64(i), prev...)
		ops = append(ops, o)
		prev = []*op.Op{o}
	}
	return ops
}

func opObjects(ops []*op.Op) []op.Object {
	out := make([]op.Object, len(ops))
	for i, o := range ops {
		out[i] = o
	}
	return out
}

type sent struct {
	to  Endpoint
	msg Message
}

// recorder captures outbound messages instead of delivering them.
type recorder struct {
	mu   sync.Mutex
	msgs []sent
	fail bool
}

func (r *recorder) send(to Endpoint, msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return false
	}
	r.msgs = append(r.msgs, sent{to: to, msg: msg})
	return true
}

func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

func messagesOf[T Message](msgs []sent) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.msg.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// posts collects what literal consumers post back.
type posts struct {
	mu    sync.Mutex
	items []any
}

func (p *posts) post(item any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
}

func (p *posts) take() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items
	p.items = nil
	return out
}

func (p *posts) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func testSettings(clock *testutil.Clock, ids ...string) settings {
	cfg := defaultSettings()
	cfg.now = clock.Now
	if len(ids) > 0 {
		cfg.ids = NewFixedGenerator(ids...)
	}
	cfg.secrets = NewFixedGenerator("secret-1", "secret-2", "secret-3", "secret-4", "secret-5", "secret-6", "secret-7", "secret-8")
	return cfg
}

func testValidator(target string, reg *op.Registry) validator {
	return validator{target: target, registry: reg, accepts: func(string) bool { return true }}
}
