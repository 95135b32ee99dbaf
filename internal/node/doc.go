// Package node runs a weft peer: it opens the configured objects over one
// store, keeps each in sync through a mesh coordinator, and connects the
// coordinators to other peers through a transport.
package node
