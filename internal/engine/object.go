package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/queue"
	"github.com/roach88/weft/internal/store"
)

// Store is the durable backing an Object reads and writes.
// Implemented by store.Store.
type Store interface {
	Save(ctx context.Context, obj op.Object) error
	LoadOp(ctx context.Context, hash string) (*op.Op, error)
	LoadAllByReference(ctx context.Context, field, target string) ([]string, error)
	WatchReferences(field, target string) (<-chan string, func())
}

// EventKind says which kind of op produced a StateEvent.
type EventKind string

const (
	// EventFold is a plain op folded into state.
	EventFold EventKind = "fold"

	// EventUndo is a cascaded undo applied.
	EventUndo EventKind = "undo"

	// EventRedo is a cascaded redo applied.
	EventRedo EventKind = "redo"
)

// StateEvent is published for every op an Object applies.
type StateEvent struct {
	Object string
	Seq    int64
	OpHash string
	Op     *op.Op
	Kind   EventKind

	// Subject is the op whose validity changed: the op itself for a fold,
	// the final target for an undo or redo whose activation count crossed
	// zero. Empty when nothing flipped.
	Subject string

	// Changed reports whether the model's observable state changed.
	Changed bool

	// Local is set for ops created on this node through ApplyNew.
	Local bool
}

// MutationCallback is invoked once per applied op that changed state.
type MutationCallback func(ev StateEvent)

// Object is the mutation engine of one replicated object.
//
// It folds ops into its Model in causal order, tracks the frontier and
// the set of applied ops, and keeps a reference count of active undos per
// target op so concurrent undos never double-fire the model's hooks.
//
// Thread-safety model:
//   - ApplyNew, Apply: serialized under the apply mutex
//   - Receive: never blocks on a running fold; it buffers the op and
//     triggers a drain, which either runs or marks the running drain to
//     go around once more
//   - Accessors: safe from any goroutine
type Object struct {
	hash     string
	model    Model
	store    Store
	verifier op.Verifier
	logger   *slog.Logger
	seq      *atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	terminal      mapset.Set[string]
	applied       mapset.Set[string]
	activeUndos   map[string]mapset.Set[string]
	revertedUndos mapset.Set[string]
	undoTargets   map[string]string
	rejected      mapset.Set[string]

	bufMu     sync.Mutex
	unapplied map[string]*op.Op

	drainMu sync.Mutex
	rerun   atomic.Bool

	subMu     sync.Mutex
	callbacks []MutationCallback
	events    *queue.Queue[StateEvent]
	eventsCh  <-chan StateEvent
}

// Option configures an Object.
type Option func(*Object)

// WithVerifier sets the authorship check applied to every op.
// Default: op.AllowAll.
func WithVerifier(v op.Verifier) Option {
	return func(o *Object) { o.verifier = v }
}

// WithLogger sets the object's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Object) { o.logger = l }
}

// WithEventSeq stamps state events from seq instead of a private
// counter. Objects sharing one seq publish events in a single order.
func WithEventSeq(seq *atomic.Int64) Option {
	return func(o *Object) { o.seq = seq }
}

// NewObject creates the engine for the replicated object hash.
func NewObject(hash string, model Model, s Store, opts ...Option) *Object {
	ctx, cancel := context.WithCancel(context.Background())
	obj := &Object{
		hash:          hash,
		model:         model,
		store:         s,
		verifier:      op.AllowAll,
		logger:        slog.Default(),
		seq:           new(atomic.Int64),
		ctx:           ctx,
		cancel:        cancel,
		terminal:      mapset.NewThreadUnsafeSet[string](),
		applied:       mapset.NewThreadUnsafeSet[string](),
		activeUndos:   make(map[string]mapset.Set[string]),
		revertedUndos: mapset.NewThreadUnsafeSet[string](),
		undoTargets:   make(map[string]string),
		rejected:      mapset.NewThreadUnsafeSet[string](),
		unapplied:     make(map[string]*op.Op),
	}
	for _, opt := range opts {
		opt(obj)
	}
	obj.logger = obj.logger.With("component", "engine", "object", short(hash))
	return obj
}

// Hash returns the hash of the replicated object.
func (obj *Object) Hash() string { return obj.hash }

// Model returns the object's model.
func (obj *Object) Model() Model { return obj.model }

// ApplyNew applies an op created locally.
//
// If o.PrevOps is nil the current frontier is stamped as its prevs.
// Otherwise every declared prev must already be applied. Any violation
// returns a *RuntimeError and the op is neither saved nor applied.
// On success the op is saved to the store and folded; its hash is
// returned.
func (obj *Object) ApplyNew(ctx context.Context, o *op.Op) (string, error) {
	obj.mu.Lock()

	o = o.Clone()
	if o.PrevOps == nil {
		o.PrevOps = sortedSet(obj.terminal)
	}
	hash, err := o.Hash()
	if err != nil {
		obj.mu.Unlock()
		return "", &RuntimeError{Code: ErrCodeInvalidOp, Message: err.Error(), Object: obj.hash, Cause: err}
	}

	var missing []string
	for _, prev := range o.PrevOps {
		if !obj.applied.Contains(prev) {
			missing = append(missing, prev)
		}
	}
	if len(missing) > 0 {
		obj.mu.Unlock()
		return "", NewCausalityError(obj.hash, hash, missing)
	}
	if err := obj.check(ctx, o, hash); err != nil {
		obj.mu.Unlock()
		return "", err
	}

	if err := obj.store.Save(ctx, o); err != nil {
		obj.mu.Unlock()
		return "", fmt.Errorf("apply new %s: %w", hash, err)
	}
	ev, applyErr := obj.apply(ctx, o, hash, true)
	obj.mu.Unlock()

	obj.dispatch(ev)
	if applyErr != nil {
		return hash, applyErr
	}
	obj.drain(ctx)
	return hash, nil
}

// Apply folds an op whose prevs are known to be applied. Applying an op
// twice is a no-op. Most callers want ApplyNew or Receive.
func (obj *Object) Apply(ctx context.Context, o *op.Op, isNew bool) error {
	hash, err := o.Hash()
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	obj.mu.Lock()
	for _, prev := range o.PrevOps {
		if !obj.applied.Contains(prev) {
			obj.mu.Unlock()
			return NewCausalityError(obj.hash, hash, []string{prev})
		}
	}
	ev, err := obj.apply(ctx, o, hash, isNew)
	obj.mu.Unlock()
	obj.dispatch(ev)
	return err
}

// Receive buffers an op that arrived from the store or a peer, then
// drains every buffered op whose prevs are applied. Ops failing validation
// are dropped along with everything that follows them.
func (obj *Object) Receive(ctx context.Context, o *op.Op) error {
	hash, err := o.Hash()
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	if o.Target != obj.hash {
		return fmt.Errorf("receive %s: op targets %s", hash, o.Target)
	}
	if obj.IsApplied(hash) {
		return nil
	}
	obj.buffer(hash, o)
	obj.drain(ctx)
	return nil
}

func (obj *Object) buffer(hash string, o *op.Op) {
	obj.bufMu.Lock()
	obj.unapplied[hash] = o
	obj.bufMu.Unlock()
}

// drain runs fold passes until no buffered op is ready. A call that finds
// a pass already running leaves it to the running drainer, which sees the
// rerun mark after unlocking. The mark is set before TryLock so it cannot
// land after the drainer's last check.
func (obj *Object) drain(ctx context.Context) {
	obj.rerun.Store(true)
	for obj.rerun.Load() {
		if !obj.drainMu.TryLock() {
			return
		}
		obj.rerun.Store(false)
		obj.drainPasses(ctx)
		obj.drainMu.Unlock()
	}
}

func (obj *Object) drainPasses(ctx context.Context) {
	for {
		var events []StateEvent
		progressed := false

		obj.mu.Lock()
		for _, hash := range obj.bufferedHashes() {
			o := obj.unbufferIfReady(hash)
			if o == nil {
				continue
			}
			progressed = true
			if err := obj.check(ctx, o, hash); err != nil {
				obj.rejected.Add(hash)
				obj.logger.Warn("dropping invalid op", "op", short(hash), "class", o.Class, "error", err)
				continue
			}
			ev, err := obj.apply(ctx, o, hash, false)
			if err != nil {
				obj.logger.Error("fold failed", "op", short(hash), "error", err)
			}
			events = append(events, ev...)
		}
		obj.mu.Unlock()

		obj.dispatch(events)
		if !progressed {
			return
		}
	}
}

func (obj *Object) bufferedHashes() []string {
	obj.bufMu.Lock()
	defer obj.bufMu.Unlock()
	out := make([]string, 0, len(obj.unapplied))
	for h := range obj.unapplied {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// unbufferIfReady removes hash from the buffer and returns it if it can be
// folded now. Ops that are already applied, or follow a rejected op, are
// discarded. Must be called with mu held.
func (obj *Object) unbufferIfReady(hash string) *op.Op {
	obj.bufMu.Lock()
	defer obj.bufMu.Unlock()

	o, ok := obj.unapplied[hash]
	if !ok {
		return nil
	}
	if obj.applied.Contains(hash) || obj.rejected.Contains(hash) {
		delete(obj.unapplied, hash)
		return nil
	}
	for _, prev := range o.PrevOps {
		if obj.rejected.Contains(prev) {
			delete(obj.unapplied, hash)
			obj.rejected.Add(hash)
			obj.logger.Warn("dropping op following invalid op", "op", short(hash), "prev", short(prev))
			return nil
		}
		if !obj.applied.Contains(prev) {
			return nil
		}
	}
	delete(obj.unapplied, hash)
	return o
}

// check validates an op before it is folded. Must be called with mu held.
func (obj *Object) check(ctx context.Context, o *op.Op, hash string) error {
	if o.Target != obj.hash {
		return &RuntimeError{Code: ErrCodeInvalidOp, Message: "op targets another object: " + o.Target, Object: obj.hash, Op: hash}
	}
	if err := obj.verifier.Verify(o); err != nil {
		return &RuntimeError{Code: ErrCodeInvalidOp, Message: err.Error(), Object: obj.hash, Op: hash, Cause: err}
	}

	switch {
	case o.IsUndo():
		target, err := obj.store.LoadOp(ctx, o.TargetOp)
		if err != nil {
			return &RuntimeError{Code: ErrCodeInvalidOp, Message: err.Error(), Object: obj.hash, Op: hash, Cause: err}
		}
		if target.IsInvalidation() {
			return NewInvalidTargetError(obj.hash, hash, o.TargetOp,
				fmt.Errorf("undo: %w: %s op", op.ErrInvalidTarget, target.Class))
		}
		return nil
	case o.IsRedo():
		if _, ok := obj.undoTargets[o.TargetOp]; !ok {
			return NewInvalidTargetError(obj.hash, hash, o.TargetOp,
				fmt.Errorf("redo: %w: %s is not a known undo", op.ErrInvalidTarget, short(o.TargetOp)))
		}
		return nil
	}

	if !obj.model.Accepts(o.Class) {
		return &RuntimeError{Code: ErrCodeUnsupportedClass, Message: "model does not accept " + o.Class, Object: obj.hash, Op: hash}
	}
	if o.IsInvalidateAfter() {
		target, err := obj.store.LoadOp(ctx, o.TargetOp)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return &RuntimeError{Code: ErrCodeInvalidOp, Message: err.Error(), Object: obj.hash, Op: hash, Cause: err}
		}
		if target != nil {
			if err := op.CheckInvalidateAfterTarget(obj.hash, target); err != nil {
				return NewInvalidTargetError(obj.hash, hash, o.TargetOp, err)
			}
		}
	}
	if err := obj.model.Validate(ctx, o, hash); err != nil {
		return &RuntimeError{Code: ErrCodeInvalidOp, Message: err.Error(), Object: obj.hash, Op: hash, Cause: err}
	}
	return nil
}

// apply folds one op. Must be called with mu held; returned events are
// dispatched by the caller after releasing it.
func (obj *Object) apply(ctx context.Context, o *op.Op, hash string, isNew bool) ([]StateEvent, error) {
	if obj.applied.Contains(hash) {
		return nil, nil
	}
	for _, prev := range o.PrevOps {
		obj.terminal.Remove(prev)
	}
	obj.terminal.Add(hash)
	obj.applied.Add(hash)

	ev := StateEvent{Object: obj.hash, OpHash: hash, Op: o, Local: isNew}
	var err error

	switch {
	case o.IsUndo():
		ev.Kind = EventUndo
		active, ok := obj.activeUndos[o.TargetOp]
		if !ok {
			active = mapset.NewThreadUnsafeSet[string]()
			obj.activeUndos[o.TargetOp] = active
		}
		active.Add(hash)
		obj.undoTargets[hash] = o.TargetOp
		if active.Cardinality() == 1 {
			ev.Subject = o.TargetOp
			ev.Changed, err = obj.mutateTarget(ctx, o.TargetOp, false)
		}

	case o.IsRedo():
		ev.Kind = EventRedo
		target := obj.undoTargets[o.TargetOp]
		active := obj.activeUndos[target]
		if active != nil && active.Contains(o.TargetOp) {
			active.Remove(o.TargetOp)
			obj.revertedUndos.Add(o.TargetOp)
			if active.IsEmpty() {
				delete(obj.activeUndos, target)
				ev.Subject = target
				ev.Changed, err = obj.mutateTarget(ctx, target, true)
			}
		}

	default:
		ev.Kind = EventFold
		ev.Subject = hash
		ev.Changed, err = obj.model.Mutate(ctx, o, hash, true, false)
	}

	ev.Seq = obj.seq.Add(1)
	obj.logger.Debug("op applied", "op", short(hash), "kind", ev.Kind, "changed", ev.Changed, "local", isNew)
	if err != nil {
		return []StateEvent{ev}, fmt.Errorf("apply %s: %w", hash, err)
	}
	return []StateEvent{ev}, nil
}

func (obj *Object) mutateTarget(ctx context.Context, targetOp string, valid bool) (bool, error) {
	target, err := obj.store.LoadOp(ctx, targetOp)
	if err != nil {
		return false, fmt.Errorf("load undo target: %w", err)
	}
	return obj.model.Mutate(ctx, target, targetOp, valid, true)
}

func (obj *Object) dispatch(events []StateEvent) {
	if len(events) == 0 {
		return
	}
	obj.subMu.Lock()
	callbacks := slices.Clone(obj.callbacks)
	q := obj.events
	obj.subMu.Unlock()

	for _, ev := range events {
		if q != nil {
			q.Enqueue(ev)
		}
		if !ev.Changed {
			continue
		}
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}

// OnMutation registers a callback invoked after every op that changed the
// model's state. Callbacks run outside the apply lock.
func (obj *Object) OnMutation(cb MutationCallback) {
	obj.subMu.Lock()
	defer obj.subMu.Unlock()
	obj.callbacks = append(obj.callbacks, cb)
}

// Events returns the channel of state events owned by the object. Events
// are buffered without bound from the first call on, and the channel is
// closed by Close.
func (obj *Object) Events() <-chan StateEvent {
	obj.subMu.Lock()
	defer obj.subMu.Unlock()
	if obj.events == nil {
		obj.events = queue.New[StateEvent]()
		obj.eventsCh = obj.events.Pipe(obj.ctx)
	}
	return obj.eventsCh
}

// Load replays every stored op of the object. Ops are buffered and
// drained, so store order need not be causal.
func (obj *Object) Load(ctx context.Context) error {
	hashes, err := obj.store.LoadAllByReference(ctx, store.FieldTarget, obj.hash)
	if err != nil {
		return fmt.Errorf("load object %s: %w", obj.hash, err)
	}
	for _, h := range hashes {
		if obj.IsApplied(h) {
			continue
		}
		o, err := obj.store.LoadOp(ctx, h)
		if err != nil {
			return fmt.Errorf("load object %s: %w", obj.hash, err)
		}
		if o.Target != obj.hash {
			continue
		}
		obj.buffer(h, o)
	}
	obj.drain(ctx)
	obj.logger.Debug("object loaded", "ops", len(hashes), "applied", obj.AppliedCount())
	return nil
}

// Watch feeds every op saved for the object from now on into Receive,
// until ctx is done or the object is closed. It does not block.
func (obj *Object) Watch(ctx context.Context) {
	ch, stop := obj.store.WatchReferences(store.FieldTarget, obj.hash)
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-obj.ctx.Done():
				return
			case h, ok := <-ch:
				if !ok {
					return
				}
				if obj.IsApplied(h) {
					continue
				}
				o, err := obj.store.LoadOp(ctx, h)
				if err != nil {
					obj.logger.Warn("watched op not loadable", "op", short(h), "error", err)
					continue
				}
				if err := obj.Receive(ctx, o); err != nil {
					obj.logger.Warn("watched op rejected", "op", short(h), "error", err)
				}
			}
		}
	}()
}

// Start watches the store for new ops and then loads the stored ones.
func (obj *Object) Start(ctx context.Context) error {
	obj.Watch(ctx)
	return obj.Load(ctx)
}

// Close stops the watch and closes the events channel.
func (obj *Object) Close() {
	obj.subMu.Lock()
	if obj.events != nil {
		obj.events.Close()
	}
	obj.subMu.Unlock()
	obj.cancel()
}

// TerminalOps returns the current frontier, sorted.
func (obj *Object) TerminalOps() []string {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return sortedSet(obj.terminal)
}

// IsApplied reports whether the op hash has been folded.
func (obj *Object) IsApplied(hash string) bool {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.applied.Contains(hash)
}

// AppliedCount returns the number of ops folded.
func (obj *Object) AppliedCount() int {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.applied.Cardinality()
}

// IsUndone reports whether opHash has at least one active undo.
func (obj *Object) IsUndone(opHash string) bool {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.activeUndos[opHash] != nil
}

// ActiveUndos returns the undos currently invalidating opHash, sorted.
func (obj *Object) ActiveUndos(opHash string) []string {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	s, ok := obj.activeUndos[opHash]
	if !ok {
		return nil
	}
	return sortedSet(s)
}

// IsReverted reports whether the undo undoHash has been redone.
func (obj *Object) IsReverted(undoHash string) bool {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.revertedUndos.Contains(undoHash)
}

// Unapplied returns the number of buffered ops waiting on a prev.
func (obj *Object) Unapplied() int {
	obj.bufMu.Lock()
	defer obj.bufMu.Unlock()
	return len(obj.unapplied)
}

func sortedSet(s mapset.Set[string]) []string {
	out := s.ToSlice()
	slices.Sort(out)
	return out
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
