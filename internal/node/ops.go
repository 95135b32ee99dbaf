package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/weft/internal/types"
)

var (
	// ErrUnknownObject is returned for an object name the node does not
	// hold.
	ErrUnknownObject = errors.New("unknown object")

	// ErrWrongClass is returned when an operation does not apply to the
	// object's class.
	ErrWrongClass = errors.New("operation does not apply to object")
)

// Grant grants capability to grantee in the capabilities object named
// object, and settles the cascade.
func (n *Node) Grant(ctx context.Context, object, author, grantee, capability string) (string, error) {
	caps, err := n.capabilities(object)
	if err != nil {
		return "", err
	}
	hash, err := caps.Grant(ctx, author, grantee, capability)
	if err != nil {
		return "", err
	}
	return hash, n.Settle(ctx, hash)
}

// Revoke revokes every current grant of capability to grantee.
func (n *Node) Revoke(ctx context.Context, object, author, grantee, capability string) ([]string, error) {
	caps, err := n.capabilities(object)
	if err != nil {
		return nil, err
	}
	hashes, err := caps.Revoke(ctx, author, grantee, capability)
	if err != nil {
		return hashes, err
	}
	return hashes, n.Settle(ctx, hashes...)
}

// Add adds the string element value to the causal set named object.
func (n *Node) Add(ctx context.Context, object, author, value string) (string, error) {
	set, err := n.causalSet(object)
	if err != nil {
		return "", err
	}
	hash, err := set.Add(ctx, author, types.StringElement(value))
	if err != nil {
		return "", err
	}
	return hash, n.Settle(ctx, hash)
}

// Remove deletes the string element value from the causal set named
// object.
func (n *Node) Remove(ctx context.Context, object, author, value string) ([]string, error) {
	set, err := n.causalSet(object)
	if err != nil {
		return nil, err
	}
	elem, err := types.StringElement(value).Hash()
	if err != nil {
		return nil, err
	}
	hashes, err := set.Delete(ctx, author, elem)
	if err != nil {
		return hashes, err
	}
	return hashes, n.Settle(ctx, hashes...)
}

func (n *Node) capabilities(name string) (*types.Capabilities, error) {
	r, ok := n.replicas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	caps, ok := r.(*types.Capabilities)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a capabilities object", ErrWrongClass, name)
	}
	return caps, nil
}

func (n *Node) causalSet(name string) (*types.CausalSet, error) {
	r, ok := n.replicas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	set, ok := r.(*types.CausalSet)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a causal set", ErrWrongClass, name)
	}
	return set, nil
}
