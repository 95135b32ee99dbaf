package transport

import (
	"github.com/roach88/weft/internal/mesh"
)

// Handler receives what a transport learns about its peers.
//
// Calls may come from several goroutines and must not block for long.
type Handler interface {
	PeerConnected(peer mesh.Endpoint)
	PeerDisconnected(peer mesh.Endpoint)
	HandleMessage(from mesh.Endpoint, agentID string, msg mesh.Message)
}
