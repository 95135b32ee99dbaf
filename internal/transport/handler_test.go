package transport

import (
	"sync"

	"github.com/roach88/weft/internal/mesh"
)

type received struct {
	from    mesh.Endpoint
	agentID string
	msg     mesh.Message
}

// recordingHandler remembers everything a transport tells it.
type recordingHandler struct {
	mu       sync.Mutex
	peers    map[mesh.Endpoint]bool
	events   []string
	messages []received
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{peers: make(map[mesh.Endpoint]bool)}
}

func (h *recordingHandler) PeerConnected(peer mesh.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[peer] = true
	h.events = append(h.events, "+"+string(peer))
}

func (h *recordingHandler) PeerDisconnected(peer mesh.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, peer)
	h.events = append(h.events, "-"+string(peer))
}

func (h *recordingHandler) HandleMessage(from mesh.Endpoint, agentID string, msg mesh.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, received{from, agentID, msg})
}

func (h *recordingHandler) connected(peer mesh.Endpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[peer]
}

func (h *recordingHandler) eventLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHandler) received() []received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]received(nil), h.messages...)
}
