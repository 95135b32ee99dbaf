package node

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/types"
)

// Member is an element of a causal set.
type Member struct {
	Hash string `json:"hash"`
	// Value is the element's "value" field, empty for elements that are
	// not string elements.
	Value string `json:"value"`
}

// Snapshot is the folded state of one object.
type Snapshot struct {
	Name        string        `json:"name"`
	Class       string        `json:"class"`
	Hash        string        `json:"hash"`
	TerminalOps []string      `json:"terminalOps"`
	Applied     int           `json:"applied"`
	Members     []Member      `json:"members,omitempty"`
	Grants      []types.Grant `json:"grants,omitempty"`
}

// Values returns the member values, sorted.
func (s *Snapshot) Values() []string {
	out := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.Value)
	}
	slices.Sort(out)
	return out
}

// Snapshot returns the state of the object named name as its replica has
// folded it so far.
func (n *Node) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	r, ok := n.replicas[name]
	if !ok {
		return nil, fmt.Errorf("snapshot: %w: %q", ErrUnknownObject, name)
	}
	obj, _ := n.cfg.Object(name)
	snap := &Snapshot{
		Name:        name,
		Class:       obj.Class,
		Hash:        r.Hash(),
		TerminalOps: r.Object().TerminalOps(),
		Applied:     r.Object().AppliedCount(),
	}
	switch r := r.(type) {
	case *types.Capabilities:
		snap.Grants = r.Grants()
	case *types.CausalSet:
		for _, h := range r.Members() {
			value, err := n.elementValue(ctx, h)
			if err != nil {
				return nil, fmt.Errorf("snapshot %q: %w", name, err)
			}
			snap.Members = append(snap.Members, Member{Hash: h, Value: value})
		}
		slices.SortFunc(snap.Members, func(a, b Member) int {
			if c := strings.Compare(a.Value, b.Value); c != 0 {
				return c
			}
			return strings.Compare(a.Hash, b.Hash)
		})
	}
	return snap, nil
}

func (n *Node) elementValue(ctx context.Context, hash string) (string, error) {
	obj, err := n.store.Load(ctx, hash)
	if err != nil {
		return "", err
	}
	d, ok := obj.(*op.Data)
	if !ok {
		return "", fmt.Errorf("element %s is not a data record", hash)
	}
	v, err := d.Fields.GetString("value")
	if err != nil {
		return "", nil
	}
	return v, nil
}

// CaughtUp reports whether the replica named name has folded every op
// the store holds for it.
func (n *Node) CaughtUp(ctx context.Context, name string) (bool, error) {
	r, ok := n.replicas[name]
	if !ok {
		return false, fmt.Errorf("caught up: %w: %q", ErrUnknownObject, name)
	}
	stored, err := n.store.LoadTerminalOps(ctx, r.Hash())
	if err != nil {
		return false, err
	}
	obj := r.Object()
	return obj.Unapplied() == 0 && slices.Equal(stored, obj.TerminalOps()), nil
}
