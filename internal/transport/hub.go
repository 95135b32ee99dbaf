package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/weft/internal/mesh"
	"github.com/roach88/weft/internal/wire"
)

// Hub is an in-process network. Every member is connected to every other
// member unless the link between them is partitioned.
//
// Messages are encoded and decoded with the wire codec on the way
// through, so members never share message values.
type Hub struct {
	mu      sync.Mutex
	members map[mesh.Endpoint]Handler
	cut     map[link]bool
	logger  *slog.Logger
}

type link struct{ a, b mesh.Endpoint }

func linkOf(a, b mesh.Endpoint) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		members: make(map[mesh.Endpoint]Handler),
		cut:     make(map[link]bool),
		logger:  slog.Default().With("component", "transport", "kind", "hub"),
	}
}

// HubEndpoint is a member's handle on the hub.
type HubEndpoint struct {
	hub  *Hub
	name mesh.Endpoint
}

var _ mesh.Messenger = (*HubEndpoint)(nil)

// Join adds name to the hub. Existing members and the new one are told
// about each other before Join returns.
func (h *Hub) Join(name mesh.Endpoint, handler Handler) (*HubEndpoint, error) {
	h.mu.Lock()
	if _, ok := h.members[name]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("join hub: %q already joined", name)
	}
	h.members[name] = handler
	peers := h.reachableLocked(name)
	h.mu.Unlock()

	for _, p := range peers {
		p.handler.PeerConnected(name)
		handler.PeerConnected(p.name)
	}
	return &HubEndpoint{hub: h, name: name}, nil
}

// Name returns the endpoint's name on the hub.
func (e *HubEndpoint) Name() mesh.Endpoint { return e.name }

// Leave removes the endpoint. Reachable members are told it is gone.
func (e *HubEndpoint) Leave() {
	h := e.hub
	h.mu.Lock()
	if _, ok := h.members[e.name]; !ok {
		h.mu.Unlock()
		return
	}
	peers := h.reachableLocked(e.name)
	delete(h.members, e.name)
	h.mu.Unlock()

	for _, p := range peers {
		p.handler.PeerDisconnected(e.name)
	}
}

// SendMessageToPeer delivers msg to peer synchronously. It reports false
// when peer is unknown, unreachable or the message cannot be encoded.
func (e *HubEndpoint) SendMessageToPeer(peer mesh.Endpoint, agentID string, msg mesh.Message) bool {
	h := e.hub
	h.mu.Lock()
	handler, ok := h.members[peer]
	_, self := h.members[e.name]
	reachable := ok && self && !h.cut[linkOf(e.name, peer)]
	h.mu.Unlock()
	if !reachable {
		return false
	}

	data, err := wire.Encode(agentID, msg)
	if err != nil {
		h.logger.Warn("encode failed", "from", e.name, "to", peer, "type", msg.Type(), "error", err)
		return false
	}
	agent, decoded, err := wire.Decode(data)
	if err != nil {
		h.logger.Warn("decode failed", "from", e.name, "to", peer, "error", err)
		return false
	}
	handler.HandleMessage(e.name, agent, decoded)
	return true
}

// Partition cuts the link between a and b. Both sides see the other
// disconnect.
func (h *Hub) Partition(a, b mesh.Endpoint) {
	h.setLink(a, b, true)
}

// Heal restores the link between a and b.
func (h *Hub) Heal(a, b mesh.Endpoint) {
	h.setLink(a, b, false)
}

func (h *Hub) setLink(a, b mesh.Endpoint, cut bool) {
	h.mu.Lock()
	l := linkOf(a, b)
	ha, okA := h.members[a]
	hb, okB := h.members[b]
	changed := h.cut[l] != cut
	if cut {
		h.cut[l] = true
	} else {
		delete(h.cut, l)
	}
	h.mu.Unlock()

	if !changed || !okA || !okB || a == b {
		return
	}
	if cut {
		ha.PeerDisconnected(b)
		hb.PeerDisconnected(a)
		return
	}
	ha.PeerConnected(b)
	hb.PeerConnected(a)
}

// Members returns the names of the members, sorted.
func (h *Hub) Members() []mesh.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]mesh.Endpoint, 0, len(h.members))
	for name := range h.members {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type member struct {
	name    mesh.Endpoint
	handler Handler
}

func (h *Hub) reachableLocked(name mesh.Endpoint) []member {
	var out []member
	for other, handler := range h.members {
		if other != name && !h.cut[linkOf(name, other)] {
			out = append(out, member{other, handler})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
