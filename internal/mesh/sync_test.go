package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
)

// memNet delivers messages between coordinators in the same process.
type memNet struct {
	mu    sync.Mutex
	nodes map[Endpoint]*Coordinator
}

func (n *memNet) join(self Endpoint, c *Coordinator) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[self] = c
}

func (n *memNet) messenger(self Endpoint) Messenger {
	return MessengerFunc(func(peer Endpoint, agentID string, msg Message) bool {
		n.mu.Lock()
		c, ok := n.nodes[peer]
		n.mu.Unlock()
		if !ok || c.AgentID() != agentID {
			return false
		}
		c.Deliver(self, msg)
		return true
	})
}

type syncNode struct {
	name  Endpoint
	store *store.Store
	coord *Coordinator
}

func fastLimits() Limits {
	l := DefaultLimits()
	l.SweepInterval = 20 * time.Millisecond
	l.StreamInterval = 5 * time.Millisecond
	l.LiteralBatchSize = 4
	return l
}

func startNodes(t *testing.T, reg *op.Registry, target string, stores map[Endpoint]*store.Store) map[Endpoint]*syncNode {
	t.Helper()
	net := &memNet{nodes: make(map[Endpoint]*Coordinator)}
	nodes := make(map[Endpoint]*syncNode)
	for name, s := range stores {
		c := NewCoordinator(target, s, reg, net.messenger(name), WithLimits(fastLimits()))
		net.join(name, c)
		nodes[name] = &syncNode{name: name, store: s, coord: c}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			assert.NoError(t, c.Run(ctx))
		}(n.coord)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	for name, n := range nodes {
		for other := range nodes {
			if other != name {
				n.coord.PeerJoined(other)
			}
		}
	}
	return nodes
}

func requireTerminal(t *testing.T, s *store.Store, target string, want ...*op.Op) {
	t.Helper()
	hashes := make([]string, len(want))
	for i, o := range want {
		hashes[i] = o.MustHash()
	}
	require.Eventually(t, func() bool {
		got, err := s.LoadTerminalOps(context.Background(), target)
		return err == nil && assert.ObjectsAreEqual(hashes, got)
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSync_TwoPeersConverge(t *testing.T) {
	reg := testRegistry(t)
	desc := testDescriptor("doc")
	target := desc.MustHash()
	ops := chain(target, 6)

	a := createTestStore(t, reg)
	b := createTestStore(t, reg)
	saveAll(t, a, desc)
	saveAll(t, a, opObjects(ops[:5])...)
	saveAll(t, b, desc)

	nodes := startNodes(t, reg, target, map[Endpoint]*store.Store{"a": a, "b": b})

	requireTerminal(t, b, target, ops[4])
	for _, o := range ops[:5] {
		_, err := b.LoadOp(context.Background(), o.MustHash())
		require.NoError(t, err)
	}

	// A write on b travels back; a already holds everything before it.
	saveAll(t, b, ops[5])
	requireTerminal(t, a, target, ops[5])

	require.Eventually(t, func() bool {
		sa, err := nodes["a"].coord.Status(context.Background())
		if err != nil {
			return false
		}
		sb, err := nodes["b"].coord.Status(context.Background())
		if err != nil {
			return false
		}
		return sa.StateHash == sb.StateHash &&
			sa.Puller.Requests == 0 && sb.Puller.Requests == 0 &&
			sa.Puller.Discovered == 0 && sb.Puller.Discovered == 0
	}, 10*time.Second, 10*time.Millisecond)

	st, err := nodes["b"].coord.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{"a"}, st.Peers)
	assert.Equal(t, []string{ops[5].MustHash()}, st.TerminalOps)
}

func TestSync_ConcurrentBranchesMerge(t *testing.T) {
	reg := testRegistry(t)
	desc := testDescriptor("doc")
	target := desc.MustHash()
	root := testOp(target, 0)
	left := testOp(target, 1, root)
	right := testOp(target, 2, root)

	a := createTestStore(t, reg)
	b := createTestStore(t, reg)
	c := createTestStore(t, reg)
	saveAll(t, a, desc, root, left)
	saveAll(t, b, desc, root, right)
	saveAll(t, c, desc)

	startNodes(t, reg, target, map[Endpoint]*store.Store{"a": a, "b": b, "c": c})

	want := []*op.Op{left, right}
	if right.MustHash() < left.MustHash() {
		want = []*op.Op{right, left}
	}
	for _, s := range []*store.Store{a, b, c} {
		requireTerminal(t, s, target, want...)
	}
}

func TestCoordinator_StopsWithContext(t *testing.T) {
	reg := testRegistry(t)
	desc := testDescriptor("doc")
	s := createTestStore(t, reg)
	saveAll(t, s, desc)

	c := NewCoordinator(desc.MustHash(), s, reg, MessengerFunc(func(Endpoint, string, Message) bool { return true }))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, desc.MustHash(), st.Target)
	assert.Empty(t, st.TerminalOps)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	_, err = c.Status(context.Background())
	assert.Error(t, err)
}
