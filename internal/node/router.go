package node

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/weft/internal/mesh"
	"github.com/roach88/weft/internal/transport"
)

// router fans transport events out to the coordinators. Messages are
// routed by agent id, so each coordinator only sees its own object's
// traffic.
type router struct {
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[mesh.Endpoint]bool
	coords map[string]*mesh.Coordinator
}

var _ transport.Handler = (*router)(nil)

func newRouter(logger *slog.Logger) *router {
	return &router{
		logger: logger,
		peers:  make(map[mesh.Endpoint]bool),
		coords: make(map[string]*mesh.Coordinator),
	}
}

// add registers c and tells it about the peers already connected.
func (r *router) add(c *mesh.Coordinator) {
	r.mu.Lock()
	r.coords[c.AgentID()] = c
	peers := r.peerListLocked()
	r.mu.Unlock()
	for _, p := range peers {
		c.PeerJoined(p)
	}
}

func (r *router) PeerConnected(peer mesh.Endpoint) {
	r.mu.Lock()
	r.peers[peer] = true
	coords := r.coordListLocked()
	r.mu.Unlock()
	for _, c := range coords {
		c.PeerJoined(peer)
	}
}

func (r *router) PeerDisconnected(peer mesh.Endpoint) {
	r.mu.Lock()
	delete(r.peers, peer)
	coords := r.coordListLocked()
	r.mu.Unlock()
	for _, c := range coords {
		c.PeerLeft(peer)
	}
}

func (r *router) HandleMessage(from mesh.Endpoint, agentID string, msg mesh.Message) {
	r.mu.Lock()
	c, ok := r.coords[agentID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("message for unknown object dropped", "peer", from, "agent", agentID, "type", msg.Type())
		return
	}
	c.Deliver(from, msg)
}

// Peers returns the connected peers, sorted.
func (r *router) Peers() []mesh.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerListLocked()
}

func (r *router) peerListLocked() []mesh.Endpoint {
	out := make([]mesh.Endpoint, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *router) coordListLocked() []*mesh.Coordinator {
	out := make([]*mesh.Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		out = append(out, c)
	}
	return out
}
