package types

import (
	"context"
	"fmt"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
)

// Authority names the capability that writers of a causal set must hold.
type Authority struct {
	// Capabilities is the hash of the capability set's descriptor.
	Capabilities string
	Capability   string
}

// SetDescriptor describes a causal set. A nil authority lets anyone add
// and delete.
func SetDescriptor(id string, authority *Authority) *op.Data {
	d := &op.Data{Class: ClassCausalSet, Fields: ir.IRObject{"id": ir.IRString(id)}}
	if authority != nil {
		d.Fields["capability"] = ir.IRString(authority.Capability)
		d.Refs = map[string]string{refCaps: authority.Capabilities}
	}
	return d
}

// CausalSet is a replicated set whose membership can be used as a causal
// dependency.
//
// Each add is a separate op; an element is a member while at least one of
// its adds is valid and not deleted. A delete is an invalidate-after op on
// one add, so attestations of membership made concurrently with the
// delete are undone, along with every op in other objects that depends on
// them. When the set names an Authority, every add and delete must depend
// on a use of the authority's capability by its author, and revoking the
// capability undoes the writes the revoker had not seen.
type CausalSet struct {
	hash      string
	authority *Authority
	caps      *Capabilities
	store     engine.Store
	obj       *engine.Object

	mu           sync.RWMutex
	adds         map[string]*op.Op
	validAdds    map[string]mapset.Set[string]
	validDeletes map[string]mapset.Set[string]
	current      map[string]mapset.Set[string]
	attests      mapset.Set[string]
}

var _ engine.Model = (*CausalSet)(nil)

// OpenCausalSet opens the causal set described by desc. If desc names an
// authority, local writes need WithAuthority.
func OpenCausalSet(ctx context.Context, s engine.Store, desc *op.Data, opts ...Option) (*CausalSet, error) {
	if desc.Class != ClassCausalSet {
		return nil, fmt.Errorf("open causal set: descriptor class %q", desc.Class)
	}
	o := collect(opts)
	cs := &CausalSet{
		store:        s,
		caps:         o.authority,
		adds:         make(map[string]*op.Op),
		validAdds:    make(map[string]mapset.Set[string]),
		validDeletes: make(map[string]mapset.Set[string]),
		current:      make(map[string]mapset.Set[string]),
		attests:      mapset.NewThreadUnsafeSet[string](),
	}
	if capsHash := desc.Refs[refCaps]; capsHash != "" {
		capability, err := desc.Fields.GetString("capability")
		if err != nil {
			return nil, fmt.Errorf("open causal set: %w", err)
		}
		cs.authority = &Authority{Capabilities: capsHash, Capability: capability}
		if cs.caps != nil && cs.caps.Hash() != capsHash {
			return nil, fmt.Errorf("open causal set: authority %s does not match descriptor %s", short(cs.caps.Hash()), short(capsHash))
		}
	}

	var err error
	cs.hash, cs.obj, err = open(ctx, s, desc, cs, o)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// Hash returns the hash of the set's descriptor.
func (cs *CausalSet) Hash() string { return cs.hash }

// Object returns the engine folding the set.
func (cs *CausalSet) Object() *engine.Object { return cs.obj }

// Close closes the engine.
func (cs *CausalSet) Close() { cs.obj.Close() }

// Authority returns the capability the set requires, or nil.
func (cs *CausalSet) Authority() *Authority { return cs.authority }

// Add adds element on behalf of author and returns the add op's hash.
func (cs *CausalSet) Add(ctx context.Context, author string, element *op.Data) (string, error) {
	elemHash, err := element.Hash()
	if err != nil {
		return "", fmt.Errorf("add: %w", err)
	}
	if err := cs.store.Save(ctx, element); err != nil {
		return "", fmt.Errorf("add %s: %w", short(elemHash), err)
	}
	add := &op.Op{
		Class:  ClassAdd,
		Target: cs.hash,
		Author: author,
		Refs:   map[string]string{refElem: elemHash},
	}
	if err := cs.authorize(ctx, add, author, elemHash); err != nil {
		return "", err
	}
	return cs.obj.ApplyNew(ctx, add)
}

// Delete deletes every current add of the element and returns the delete
// op hashes.
func (cs *CausalSet) Delete(ctx context.Context, author, elemHash string) ([]string, error) {
	adds := cs.currentAdds(elemHash)
	if len(adds) == 0 {
		return nil, fmt.Errorf("delete %s: %w", short(elemHash), ErrNotMember)
	}
	var out []string
	for _, add := range adds {
		del, err := op.NewInvalidateAfter(ClassDelete, cs.hash, add, cs.obj.TerminalOps())
		if err != nil {
			return out, fmt.Errorf("delete %s: %w", short(elemHash), err)
		}
		del.Author = author
		if err := cs.authorize(ctx, del, author, del.TargetOp); err != nil {
			return out, err
		}
		h, err := cs.obj.ApplyNew(ctx, del)
		if err != nil {
			return out, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Attest records that the element is a member for usageKey and returns
// the attestation op's hash. An op in another object that names the
// attestation as a causal op is undone if the element is deleted by a
// writer that had not seen the attestation.
func (cs *CausalSet) Attest(ctx context.Context, elemHash, usageKey string) (string, error) {
	adds := cs.currentAdds(elemHash)
	if len(adds) == 0 {
		return "", fmt.Errorf("attest %s: %w", short(elemHash), ErrNotMember)
	}
	return cs.obj.ApplyNew(ctx, &op.Op{
		Class:     ClassAttest,
		Target:    cs.hash,
		CausalOps: map[string]string{keyAdd: adds[0].MustHash()},
		Payload:   ir.IRObject{"usage": ir.IRString(usageKey)},
	})
}

// Has reports whether the element is currently a member.
func (cs *CausalSet) Has(elemHash string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return isMember(cs.current[elemHash])
}

// Members returns the element hashes currently in the set, sorted.
func (cs *CausalSet) Members() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []string
	for elem, adds := range cs.current {
		if isMember(adds) {
			out = append(out, elem)
		}
	}
	slices.Sort(out)
	return out
}

// IsAttested reports whether an attestation op is currently valid.
func (cs *CausalSet) IsAttested(attestHash string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.attests.Contains(attestHash)
}

func (cs *CausalSet) authorize(ctx context.Context, o *op.Op, author, usageKey string) error {
	if cs.authority == nil {
		return nil
	}
	if cs.caps == nil {
		return fmt.Errorf("%s: %w: set requires %s and no capability set is attached", o.Class, ErrUnauthorized, cs.authority.Capability)
	}
	use, err := cs.caps.Use(ctx, author, cs.authority.Capability, usageKey)
	if err != nil {
		return fmt.Errorf("%s: %w", o.Class, err)
	}
	if o.CausalOps == nil {
		o.CausalOps = map[string]string{}
	}
	o.CausalOps[keyAuth] = use
	return nil
}

// currentAdds returns the current add ops of the element, lowest hash
// first.
func (cs *CausalSet) currentAdds(elemHash string) []*op.Op {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	set, ok := cs.current[elemHash]
	if !ok {
		return nil
	}
	hashes := set.ToSlice()
	slices.Sort(hashes)
	out := make([]*op.Op, len(hashes))
	for i, h := range hashes {
		out[i] = cs.adds[h]
	}
	return out
}

// Accepts implements engine.Model.
func (cs *CausalSet) Accepts(class string) bool {
	return class == ClassAdd || class == ClassDelete || class == ClassAttest
}

// Validate implements engine.Model.
func (cs *CausalSet) Validate(ctx context.Context, o *op.Op, hash string) error {
	switch o.Class {
	case ClassAdd:
		return cs.checkAuth(ctx, o, o.Refs[refElem])
	case ClassDelete:
		cs.mu.RLock()
		_, ok := cs.adds[o.TargetOp]
		cs.mu.RUnlock()
		if !ok {
			return fmt.Errorf("delete %s: %s is not an add of this set", short(hash), short(o.TargetOp))
		}
		return cs.checkAuth(ctx, o, o.TargetOp)
	case ClassAttest:
		// Membership is not checked here: a delete the attestation did not
		// see undoes it through the cascade, whatever the arrival order.
		cs.mu.RLock()
		_, ok := cs.adds[o.CausalOps[keyAdd]]
		cs.mu.RUnlock()
		if !ok {
			return fmt.Errorf("attest %s: unknown add %s", short(hash), short(o.CausalOps[keyAdd]))
		}
		return nil
	}
	return fmt.Errorf("causal set: unexpected class %s", o.Class)
}

// checkAuth verifies that o depends on a use of the set's capability by
// its own author for usageKey.
func (cs *CausalSet) checkAuth(ctx context.Context, o *op.Op, usageKey string) error {
	if cs.authority == nil {
		return nil
	}
	useHash := o.CausalOps[keyAuth]
	if useHash == "" {
		return fmt.Errorf("%s: %w: missing capability use", o.Class, ErrUnauthorized)
	}
	use, err := cs.store.LoadOp(ctx, useHash)
	if err != nil {
		return fmt.Errorf("%s: load capability use: %w", o.Class, err)
	}
	if use.Class != ClassUse || use.Target != cs.authority.Capabilities {
		return fmt.Errorf("%s: %w: %s is not a use of %s", o.Class, ErrUnauthorized, short(useHash), short(cs.authority.Capabilities))
	}
	if use.Author != o.Author {
		return fmt.Errorf("%s: %w: capability used by %q, op written by %q", o.Class, ErrUnauthorized, use.Author, o.Author)
	}
	if usage, _ := use.Payload.GetString("usage"); usage != usageKey {
		return fmt.Errorf("%s: %w: capability use is for another op", o.Class, ErrUnauthorized)
	}
	grant, err := cs.store.LoadOp(ctx, use.CausalOps[keyGrant])
	if err != nil {
		return fmt.Errorf("%s: load grant: %w", o.Class, err)
	}
	if k := keyOf(grant); k.capability != cs.authority.Capability || k.grantee != o.Author {
		return fmt.Errorf("%s: %w: grant is %s for %s", o.Class, ErrUnauthorized, k.capability, k.grantee)
	}
	return nil
}

// Mutate implements engine.Model.
func (cs *CausalSet) Mutate(_ context.Context, o *op.Op, hash string, valid, cascade bool) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var add *op.Op
	var addHash string
	switch o.Class {
	case ClassAdd:
		add, addHash = o, hash
		if !cascade {
			cs.adds[hash] = o
		}
		toggle(cs.validAdds, add.Refs[refElem], hash, valid)
	case ClassDelete:
		var ok bool
		if add, ok = cs.adds[o.TargetOp]; !ok {
			return false, fmt.Errorf("delete %s: add %s not folded", short(hash), short(o.TargetOp))
		}
		addHash = o.TargetOp
		toggle(cs.validDeletes, addHash, hash, valid)
	case ClassAttest:
		if valid {
			return cs.attests.Add(hash), nil
		}
		was := cs.attests.Contains(hash)
		cs.attests.Remove(hash)
		return was, nil
	default:
		return false, fmt.Errorf("causal set: unexpected class %s", o.Class)
	}

	elem := add.Refs[refElem]
	before := isMember(cs.current[elem])
	added := cs.validAdds[elem] != nil && cs.validAdds[elem].Contains(addHash)
	deleted := cs.validDeletes[addHash] != nil && !cs.validDeletes[addHash].IsEmpty()
	toggle(cs.current, elem, addHash, added && !deleted)
	return before != isMember(cs.current[elem]), nil
}

// toggle adds or removes member from the set stored under key.
func toggle(m map[string]mapset.Set[string], key, member string, in bool) {
	set, ok := m[key]
	if !ok {
		if !in {
			return
		}
		set = mapset.NewThreadUnsafeSet[string]()
		m[key] = set
	}
	if in {
		set.Add(member)
		return
	}
	set.Remove(member)
	if set.IsEmpty() {
		delete(m, key)
	}
}

func isMember(adds mapset.Set[string]) bool {
	return adds != nil && !adds.IsEmpty()
}
