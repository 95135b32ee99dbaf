package mesh

import (
	"context"
	"errors"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
)

// Store is what sync needs from durable storage.
// Implemented by store.Store.
type Store interface {
	Load(ctx context.Context, hash string) (op.Object, error)
	LoadLiteral(ctx context.Context, hash string) (ir.Literal, error)
	Save(ctx context.Context, obj op.Object) error
	LoadOpHeader(ctx context.Context, opHash string) (*history.Header, error)
	LoadOpHeaderByHeaderHash(ctx context.Context, headerHash string) (*history.Header, error)
	LoadTerminalOps(ctx context.Context, target string) ([]string, error)
	WatchHeaders(target string) (<-chan string, func())
}

// Messenger delivers sync messages to peers. SendMessageToPeer reports
// false when the peer is unreachable; it must not block on the peer.
type Messenger interface {
	SendMessageToPeer(peer Endpoint, agentID string, msg Message) bool
}

// MessengerFunc adapts a function to Messenger.
type MessengerFunc func(peer Endpoint, agentID string, msg Message) bool

// SendMessageToPeer calls f.
func (f MessengerFunc) SendMessageToPeer(peer Endpoint, agentID string, msg Message) bool {
	return f(peer, agentID, msg)
}

// validator decides whether a literal is an op of the synced object.
type validator struct {
	target   string
	registry *op.Registry
	accepts  func(class string) bool
}

// validOp decodes lit and checks that it is an acceptable op of target.
func (v validator) validOp(lit ir.Literal) (*op.Op, ir.Literal, bool) {
	if !v.accepts(lit.Class) {
		return nil, ir.Literal{}, false
	}
	o, derived, err := v.registry.DecodeOp(lit)
	if err != nil || o.Target != v.target {
		return nil, ir.Literal{}, false
	}
	return o, derived, true
}

// headerHeld reports whether the store has computed the header headerHash.
func headerHeld(ctx context.Context, s Store, headerHash string) (bool, error) {
	_, err := s.LoadOpHeaderByHeaderHash(ctx, headerHash)
	if errors.Is(err, history.ErrHeaderNotFound) {
		return false, nil
	}
	return err == nil, err
}

// loadLiteral returns the stored literal for hash, or ok=false when the
// store does not hold it.
func loadLiteral(ctx context.Context, s LiteralSource, hash string) (ir.Literal, bool, error) {
	lit, err := s.LoadLiteral(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Literal{}, false, nil
	}
	if err != nil {
		return ir.Literal{}, false, err
	}
	return lit, true, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
