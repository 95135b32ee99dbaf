package types

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
)

// CapabilitiesDescriptor describes a capability set. When owner is set,
// only the owner may grant and revoke.
func CapabilitiesDescriptor(id, owner string) *op.Data {
	fields := ir.IRObject{"id": ir.IRString(id)}
	if owner != "" {
		fields["owner"] = ir.IRString(owner)
	}
	return &op.Data{Class: ClassCapabilities, Fields: fields}
}

// Grant is a capability granted to a grantee.
type Grant struct {
	Hash       string `json:"hash"`
	Grantee    string `json:"grantee"`
	Capability string `json:"capability"`
	Revoked    bool   `json:"revoked"`
}

type grantKey struct {
	grantee    string
	capability string
}

// Capabilities is a replicated set of grants.
//
// A grant gives a grantee a named capability. The grantee proves it holds
// the capability with a use op that names the grant as a causal op; other
// objects make their ops depend on the use. A revoke is an invalidate-after
// op on the grant: every use the revoker had not seen is undone, and the
// undo cascades to everything that depended on the use.
type Capabilities struct {
	hash  string
	owner string
	obj   *engine.Object

	mu      sync.RWMutex
	grants  map[string]*op.Op
	byKey   map[grantKey]mapset.Set[string]
	revokes map[string]mapset.Set[string]
	valid   mapset.Set[string]
}

var _ engine.Model = (*Capabilities)(nil)

// OpenCapabilities opens the capability set described by desc.
func OpenCapabilities(ctx context.Context, s engine.Store, desc *op.Data, opts ...Option) (*Capabilities, error) {
	if desc.Class != ClassCapabilities {
		return nil, fmt.Errorf("open capabilities: descriptor class %q", desc.Class)
	}
	owner, err := desc.Fields.GetString("owner")
	if err != nil {
		return nil, fmt.Errorf("open capabilities: %w", err)
	}
	c := &Capabilities{
		owner:   owner,
		grants:  make(map[string]*op.Op),
		byKey:   make(map[grantKey]mapset.Set[string]),
		revokes: make(map[string]mapset.Set[string]),
		valid:   mapset.NewThreadUnsafeSet[string](),
	}
	c.hash, c.obj, err = open(ctx, s, desc, c, collect(opts))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Hash returns the hash of the capability set's descriptor.
func (c *Capabilities) Hash() string { return c.hash }

// Object returns the engine folding the set.
func (c *Capabilities) Object() *engine.Object { return c.obj }

// Close closes the engine.
func (c *Capabilities) Close() { c.obj.Close() }

// Grant gives grantee the capability.
func (c *Capabilities) Grant(ctx context.Context, author, grantee, capability string) (string, error) {
	return c.obj.ApplyNew(ctx, &op.Op{
		Class:  ClassGrant,
		Target: c.hash,
		Author: author,
		Payload: ir.IRObject{
			"grantee":    ir.IRString(grantee),
			"capability": ir.IRString(capability),
		},
	})
}

// Revoke revokes every valid grant of capability to grantee. Uses of the
// grants that the revoke has not seen are undone by the cascade.
func (c *Capabilities) Revoke(ctx context.Context, author, grantee, capability string) ([]string, error) {
	grants := c.validGrants(grantKey{grantee, capability})
	if len(grants) == 0 {
		return nil, fmt.Errorf("revoke %s from %s: %w", capability, grantee, ErrNoCapability)
	}
	var out []string
	for _, g := range grants {
		r, err := op.NewInvalidateAfter(ClassRevoke, c.hash, g, c.obj.TerminalOps())
		if err != nil {
			return out, fmt.Errorf("revoke: %w", err)
		}
		r.Author = author
		h, err := c.obj.ApplyNew(ctx, r)
		if err != nil {
			return out, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Use records that grantee uses capability for usageKey and returns the
// use op's hash. Ops authorized by the capability name it as a causal op.
func (c *Capabilities) Use(ctx context.Context, grantee, capability, usageKey string) (string, error) {
	grants := c.validGrants(grantKey{grantee, capability})
	if len(grants) == 0 {
		return "", fmt.Errorf("use %s by %s: %w", capability, grantee, ErrNoCapability)
	}
	return c.obj.ApplyNew(ctx, &op.Op{
		Class:     ClassUse,
		Target:    c.hash,
		Author:    grantee,
		CausalOps: map[string]string{keyGrant: grants[0].MustHash()},
		Payload:   ir.IRObject{"usage": ir.IRString(usageKey)},
	})
}

// HasCapability reports whether grantee holds a valid, unrevoked grant of
// capability.
func (c *Capabilities) HasCapability(grantee, capability string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasLocked(grantKey{grantee, capability})
}

// IsValid reports whether a grant, revoke or use op is currently valid.
func (c *Capabilities) IsValid(opHash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid.Contains(opHash)
}

// Grants lists every grant folded so far, sorted by hash.
func (c *Capabilities) Grants() []Grant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Grant, 0, len(c.grants))
	for h, g := range c.grants {
		k := keyOf(g)
		out = append(out, Grant{
			Hash:       h,
			Grantee:    k.grantee,
			Capability: k.capability,
			Revoked:    !c.valid.Contains(h) || c.revokedLocked(h),
		})
	}
	slices.SortFunc(out, func(a, b Grant) int { return strings.Compare(a.Hash, b.Hash) })
	return out
}

// validGrants returns the unrevoked grants for k, lowest hash first.
func (c *Capabilities) validGrants(k grantKey) []*op.Op {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hashes, ok := c.byKey[k]
	if !ok {
		return nil
	}
	sorted := hashes.ToSlice()
	slices.Sort(sorted)
	var out []*op.Op
	for _, h := range sorted {
		if c.valid.Contains(h) && !c.revokedLocked(h) {
			out = append(out, c.grants[h])
		}
	}
	return out
}

func (c *Capabilities) hasLocked(k grantKey) bool {
	hashes, ok := c.byKey[k]
	if !ok {
		return false
	}
	for _, h := range hashes.ToSlice() {
		if c.valid.Contains(h) && !c.revokedLocked(h) {
			return true
		}
	}
	return false
}

func (c *Capabilities) revokedLocked(grant string) bool {
	revokes, ok := c.revokes[grant]
	return ok && c.valid.ContainsAnyElement(revokes)
}

// Accepts implements engine.Model.
func (c *Capabilities) Accepts(class string) bool {
	return class == ClassGrant || class == ClassRevoke || class == ClassUse
}

// Validate implements engine.Model.
func (c *Capabilities) Validate(_ context.Context, o *op.Op, hash string) error {
	switch o.Class {
	case ClassGrant:
		return c.checkOwner(o)
	case ClassRevoke:
		if err := c.checkOwner(o); err != nil {
			return err
		}
		c.mu.RLock()
		_, ok := c.grants[o.TargetOp]
		c.mu.RUnlock()
		if !ok {
			return fmt.Errorf("revoke %s: %s is not a grant of this set", short(hash), short(o.TargetOp))
		}
		return nil
	case ClassUse:
		c.mu.RLock()
		g, ok := c.grants[o.CausalOps[keyGrant]]
		c.mu.RUnlock()
		if !ok {
			return fmt.Errorf("use %s: unknown grant %s", short(hash), short(o.CausalOps[keyGrant]))
		}
		if keyOf(g).grantee != o.Author {
			return fmt.Errorf("use %s: %w: grant is for %s, not %s", short(hash), ErrUnauthorized, keyOf(g).grantee, o.Author)
		}
		return nil
	}
	return fmt.Errorf("capabilities: unexpected class %s", o.Class)
}

func (c *Capabilities) checkOwner(o *op.Op) error {
	if c.owner != "" && o.Author != c.owner {
		return fmt.Errorf("%s by %q: %w: only %q may change grants", o.Class, o.Author, ErrUnauthorized, c.owner)
	}
	return nil
}

// Mutate implements engine.Model.
func (c *Capabilities) Mutate(_ context.Context, o *op.Op, hash string, valid, cascade bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var key grantKey
	switch o.Class {
	case ClassGrant:
		key = keyOf(o)
		if !cascade {
			c.grants[hash] = o
			set, ok := c.byKey[key]
			if !ok {
				set = mapset.NewThreadUnsafeSet[string]()
				c.byKey[key] = set
			}
			set.Add(hash)
		}
	case ClassRevoke:
		g, ok := c.grants[o.TargetOp]
		if !ok {
			return false, fmt.Errorf("revoke %s: grant %s not folded", short(hash), short(o.TargetOp))
		}
		key = keyOf(g)
		if !cascade {
			set, ok := c.revokes[o.TargetOp]
			if !ok {
				set = mapset.NewThreadUnsafeSet[string]()
				c.revokes[o.TargetOp] = set
			}
			set.Add(hash)
		}
	case ClassUse:
		if valid {
			return c.valid.Add(hash), nil
		}
		was := c.valid.Contains(hash)
		c.valid.Remove(hash)
		return was, nil
	default:
		return false, fmt.Errorf("capabilities: unexpected class %s", o.Class)
	}

	before := c.hasLocked(key)
	if valid {
		c.valid.Add(hash)
	} else {
		c.valid.Remove(hash)
	}
	return before != c.hasLocked(key), nil
}

func keyOf(grant *op.Op) grantKey {
	grantee, _ := grant.Payload.GetString("grantee")
	capability, _ := grant.Payload.GetString("capability")
	return grantKey{grantee, capability}
}
