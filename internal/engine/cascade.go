package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
)

// CascadeStore is what the Cascader reads and writes.
// Implemented by store.Store.
type CascadeStore interface {
	Save(ctx context.Context, obj op.Object) error
	Load(ctx context.Context, hash string) (op.Object, error)
	LoadAllByReference(ctx context.Context, field, target string) ([]string, error)
	LoadOpHeader(ctx context.Context, opHash string) (*history.Header, error)
	LoadOpHeaderByHeaderHash(ctx context.Context, headerHash string) (*history.Header, error)
	WatchAll() (<-chan string, func())
}

// errNotReady marks an op whose header is not computed yet.
var errNotReady = errors.New("op header not computed yet")

// Cascader generates the undo and redo ops implied by every op saved to
// the store.
//
// Generated ops are a pure function of the ops they follow from, so two
// nodes cascading the same history produce the same hashes and the store
// deduplicates them. Generated ops are saved to the store and reach their
// objects through the objects' watches.
type Cascader struct {
	store  CascadeStore
	logger *slog.Logger

	saved <-chan string
	stop  func()

	// deferred holds ops saved before their header could be computed.
	// Only touched by the Run goroutine.
	deferred mapset.Set[string]
}

// NewCascader creates a cascader over s. It starts watching the store at
// once, so every object saved after NewCascader returns is processed by
// Run.
func NewCascader(s CascadeStore, logger *slog.Logger) *Cascader {
	if logger == nil {
		logger = slog.Default()
	}
	saved, stop := s.WatchAll()
	return &Cascader{
		store:    s,
		logger:   logger.With("component", "cascader"),
		saved:    saved,
		stop:     stop,
		deferred: mapset.NewThreadUnsafeSet[string](),
	}
}

// Run processes every object saved to the store until ctx is done. The
// watch is released when Run returns.
func (c *Cascader) Run(ctx context.Context) error {
	ch := c.saved
	defer c.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hash, ok := <-ch:
			if !ok {
				return nil
			}
			c.deferred.Add(hash)
			c.processDeferred(ctx)
		}
	}
}

func (c *Cascader) processDeferred(ctx context.Context) {
	for _, hash := range sortedSet(c.deferred) {
		_, err := c.Process(ctx, hash)
		if errors.Is(err, errNotReady) {
			continue
		}
		c.deferred.Remove(hash)
		if err != nil {
			c.logger.Warn("cascade failed", "op", short(hash), "error", err)
		}
	}
}

// Process applies the cascade rules to the op hash and saves the ops they
// generate, which are also returned. Objects that are not ops generate
// nothing.
func (c *Cascader) Process(ctx context.Context, hash string) ([]*op.Op, error) {
	obj, err := c.store.Load(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("cascade %s: %w", hash, err)
	}
	o, ok := obj.(*op.Op)
	if !ok {
		return nil, nil
	}
	if _, err := c.store.LoadOpHeader(ctx, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotReady
		}
		return nil, fmt.Errorf("cascade %s: %w", hash, err)
	}

	g := &generated{ops: make(map[string]*op.Op)}
	switch {
	case o.IsUndo():
		err = c.cascadeUndo(ctx, g, o, hash)
	case o.IsRedo():
		err = c.cascadeRedo(ctx, g, o, hash)
	default:
		if o.IsInvalidateAfter() {
			err = c.cascadeInvalidateAfter(ctx, g, o, hash)
		}
		if err == nil {
			err = c.cascadeArrival(ctx, g, o, hash)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("cascade %s: %w", hash, err)
	}

	out := make([]*op.Op, 0, len(g.ops))
	for _, h := range slices.Sorted(maps.Keys(g.ops)) {
		gen := g.ops[h]
		if err := c.store.Save(ctx, gen); err != nil {
			return out, fmt.Errorf("cascade %s: save %s: %w", hash, h, err)
		}
		c.logger.Debug("cascaded op", "cause", short(hash), "op", short(h), "class", gen.Class, "target_op", short(gen.TargetOp))
		out = append(out, gen)
	}
	return out, nil
}

type generated struct {
	ops map[string]*op.Op
}

func (g *generated) undo(target *op.Op, cause string) error {
	u, err := op.NewUndo(target, cause)
	if err != nil {
		return err
	}
	g.ops[u.MustHash()] = u
	return nil
}

func (g *generated) redo(undo *op.Op, cause string) error {
	r, err := op.NewRedo(undo, cause)
	if err != nil {
		return err
	}
	g.ops[r.MustHash()] = r
	return nil
}

// cascadeInvalidateAfter undoes every op of the invalidate-after's own
// object that depends on its target and falls outside its frontier.
func (c *Cascader) cascadeInvalidateAfter(ctx context.Context, g *generated, o *op.Op, hash string) error {
	deps, err := c.byReference(ctx, store.FieldCausalOps, o.TargetOp)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.hash == hash || d.op.IsInvalidation() || d.op.Target != o.Target || invalidatesSame(d.op, o) {
			continue
		}
		in, ready, err := c.inClosure(ctx, o.Frontier, d.hash)
		if err != nil {
			return err
		}
		// Ops without a header yet are handled on their own arrival.
		if ready && !in {
			if err := g.undo(d.op, hash); err != nil {
				return err
			}
		}
	}
	return nil
}

// cascadeUndo propagates an undo of D: plain dependents of D are undone,
// and undos caused by D are redone.
func (c *Cascader) cascadeUndo(ctx context.Context, g *generated, u *op.Op, hash string) error {
	deps, err := c.byReference(ctx, store.FieldCausalOps, u.TargetOp)
	if err != nil {
		return err
	}
	for _, e := range deps {
		switch {
		case e.op.IsUndo():
			if e.op.Cause() == u.TargetOp {
				if err := g.redo(e.op, hash); err != nil {
					return err
				}
			}
		case e.op.IsRedo():
		default:
			if err := g.undo(e.op, hash); err != nil {
				return err
			}
		}
	}
	return nil
}

// cascadeRedo reverses what the redone undo U caused: undos caused by U
// are redone, and redos caused by U are countered with a fresh undo.
func (c *Cascader) cascadeRedo(ctx context.Context, g *generated, r *op.Op, hash string) error {
	deps, err := c.byReference(ctx, store.FieldCausalOps, r.TargetOp)
	if err != nil {
		return err
	}
	for _, e := range deps {
		if e.op.Cause() != r.TargetOp {
			continue
		}
		switch {
		case e.op.IsUndo():
			if err := g.redo(e.op, hash); err != nil {
				return err
			}
		case e.op.IsRedo():
			v, err := c.loadOp(ctx, e.op.TargetOp)
			if err != nil {
				return err
			}
			x, err := c.loadOp(ctx, v.TargetOp)
			if err != nil {
				return err
			}
			if err := g.undo(x, hash); err != nil {
				return err
			}
		}
	}
	return nil
}

// cascadeArrival undoes a plain op that arrives after one of its causal
// dependencies was undone or invalidated.
func (c *Cascader) cascadeArrival(ctx context.Context, g *generated, d *op.Op, hash string) error {
	for _, dep := range slices.Sorted(maps.Values(d.CausalOps)) {
		active, err := c.activeUndos(ctx, dep)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			if err := g.undo(d, active[0]); err != nil {
				return err
			}
		}

		invalidations, err := c.byReference(ctx, store.FieldTargetOp, dep)
		if err != nil {
			return err
		}
		for _, inv := range invalidations {
			if inv.hash == hash || !inv.op.IsInvalidateAfter() || inv.op.Target != d.Target || invalidatesSame(d, inv.op) {
				continue
			}
			undone, err := c.activeUndos(ctx, inv.hash)
			if err != nil {
				return err
			}
			if len(undone) > 0 {
				continue
			}
			in, ready, err := c.inClosure(ctx, inv.op.Frontier, hash)
			if err != nil {
				return err
			}
			if ready && !in {
				if err := g.undo(d, inv.hash); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// activeUndos returns the undos of opHash that no redo has reverted,
// sorted by hash.
func (c *Cascader) activeUndos(ctx context.Context, opHash string) ([]string, error) {
	refs, err := c.byReference(ctx, store.FieldTargetOp, opHash)
	if err != nil {
		return nil, err
	}
	var active []string
	for _, v := range refs {
		if !v.op.IsUndo() {
			continue
		}
		redos, err := c.byReference(ctx, store.FieldTargetOp, v.hash)
		if err != nil {
			return nil, err
		}
		reverted := slices.ContainsFunc(redos, func(r hashedOp) bool { return r.op.IsRedo() })
		if !reverted {
			active = append(active, v.hash)
		}
	}
	slices.Sort(active)
	return active, nil
}

// inClosure reports whether opHash is in the backward prevOps closure of
// frontier. ready is false when a header needed to decide is missing.
func (c *Cascader) inClosure(ctx context.Context, frontier []string, opHash string) (in, ready bool, err error) {
	target, err := c.store.LoadOpHeader(ctx, opHash)
	if errors.Is(err, store.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	var next []*history.Header
	for _, f := range frontier {
		h, err := c.store.LoadOpHeader(ctx, f)
		if errors.Is(err, store.ErrNotFound) {
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		next = append(next, h)
	}

	visited := mapset.NewThreadUnsafeSet[string]()
	for len(next) > 0 {
		h := next[0]
		next = next[1:]
		if h.HeaderHash == target.HeaderHash {
			return true, true, nil
		}
		if h.Height <= target.Height || !visited.Add(h.HeaderHash) {
			continue
		}
		for _, prev := range h.PrevOpHeaders {
			ph, err := c.store.LoadOpHeaderByHeaderHash(ctx, prev)
			if err != nil {
				return false, false, err
			}
			next = append(next, ph)
		}
	}
	return false, true, nil
}

// invalidatesSame reports whether d is itself an invalidate-after of the
// op that o invalidates after. Concurrent invalidations of one op never
// undo each other.
func invalidatesSame(d, o *op.Op) bool {
	return d.IsInvalidateAfter() && d.TargetOp == o.TargetOp
}

type hashedOp struct {
	hash string
	op   *op.Op
}

func (c *Cascader) byReference(ctx context.Context, field, target string) ([]hashedOp, error) {
	hashes, err := c.store.LoadAllByReference(ctx, field, target)
	if err != nil {
		return nil, err
	}
	out := make([]hashedOp, 0, len(hashes))
	for _, h := range hashes {
		obj, err := c.store.Load(ctx, h)
		if err != nil {
			return nil, err
		}
		if o, ok := obj.(*op.Op); ok {
			out = append(out, hashedOp{hash: h, op: o})
		}
	}
	return out, nil
}

func (c *Cascader) loadOp(ctx context.Context, hash string) (*op.Op, error) {
	obj, err := c.store.Load(ctx, hash)
	if err != nil {
		return nil, err
	}
	o, ok := obj.(*op.Op)
	if !ok {
		return nil, fmt.Errorf("%s is not an op", hash)
	}
	return o, nil
}
