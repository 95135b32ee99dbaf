// Package transport carries mesh messages between peers.
//
// Hub connects endpoints in the same process and is what tests and the
// scenario harness use. WS connects peers over WebSocket, one connection
// per pair of peers, with CBOR frames from the wire package.
//
// Both report peer changes and inbound messages to a Handler and
// implement mesh.Messenger for outbound messages.
package transport
