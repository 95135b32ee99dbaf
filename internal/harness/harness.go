package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/mesh"
	"github.com/roach88/weft/internal/node"
	"github.com/roach88/weft/internal/testutil"
	"github.com/roach88/weft/internal/transport"
)

// DefaultSettleTimeout bounds how long a settle step waits.
const DefaultSettleTimeout = 15 * time.Second

const (
	settlePoll = 10 * time.Millisecond
	// settleRounds is how many polls in a row must see the peers
	// converged. A single poll can land between a save and its cascade.
	settleRounds = 3
)

// Option configures a scenario run.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	settleTimeout time.Duration
}

// WithLogger sets the logger handed to every node. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSettleTimeout replaces DefaultSettleTimeout.
func WithSettleTimeout(d time.Duration) Option {
	return func(o *options) { o.settleTimeout = d }
}

// Harness runs one scenario.
type Harness struct {
	scenario *Scenario
	hub      *transport.Hub
	nodes    map[string]*node.Node
	cut      map[[2]string]bool
	logger   *slog.Logger
	timeout  time.Duration
}

// Run executes a scenario and returns the result.
//
// Every peer runs in a fresh in-memory store. Failed expectations and
// assertions are reported in the result; the returned error is for runs
// that could not be carried out at all.
//
// Execution flow:
// 1. Start one node per peer on a shared hub
// 2. Run the steps in order
// 3. Settle the peers and snapshot every object
// 4. Evaluate the assertions
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (_ *Result, err error) {
	o := options{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		settleTimeout: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Harness{
		scenario: scenario,
		hub:      transport.NewHub(),
		nodes:    make(map[string]*node.Node),
		cut:      make(map[[2]string]bool),
		logger:   o.logger,
		timeout:  o.settleTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(ctx)
	defer func() {
		cancel()
		var result *multierror.Error
		if err != nil {
			result = multierror.Append(result, err)
		}
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			result = multierror.Append(result, werr)
		}
		result = multierror.Append(result, h.close())
		err = result.ErrorOrNil()
	}()

	if err := h.start(runCtx, g); err != nil {
		return nil, err
	}

	result := NewResult()
	for i := range scenario.Steps {
		if err := h.runStep(runCtx, i, &scenario.Steps[i], result); err != nil {
			return nil, err
		}
	}
	if err := h.settle(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil, err
		}
		result.AddError(fmt.Sprintf("final settle: %v", err))
	}

	for _, peer := range scenario.Peers {
		states := make(map[string]*node.Snapshot)
		for _, obj := range scenario.Objects {
			snap, err := h.nodes[peer].Snapshot(runCtx, obj.Name)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s on %s: %w", obj.Name, peer, err)
			}
			states[obj.Name] = snap
		}
		result.State[peer] = states
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// start opens and runs a node per peer, and waits until each has loaded
// its objects.
func (h *Harness) start(ctx context.Context, g *errgroup.Group) error {
	for _, peer := range h.scenario.Peers {
		cfg := &config.Config{
			Name:    peer,
			DB:      ":memory:",
			Author:  peer,
			Objects: h.scenario.Objects,
			Sync:    h.syncSettings(),
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		n, err := node.New(ctx, cfg,
			node.WithHub(h.hub),
			node.WithLogger(h.logger),
			node.WithMeshOptions(
				mesh.WithIDGenerator(testutil.NewSequenceGenerator(peer+"-req")),
				mesh.WithSecretGenerator(testutil.NewSequenceGenerator(peer+"-secret")),
			),
		)
		if err != nil {
			return fmt.Errorf("start peer %s: %w", peer, err)
		}
		h.nodes[peer] = n
	}

	for _, peer := range h.scenario.Peers {
		n := h.nodes[peer]
		g.Go(func() error {
			if err := n.Run(ctx); err != nil {
				return fmt.Errorf("peer %s: %w", peer, err)
			}
			return nil
		})
	}
	for _, peer := range h.scenario.Peers {
		select {
		case <-h.nodes[peer].Ready():
		case <-ctx.Done():
			return fmt.Errorf("start peer %s: %w", peer, context.Cause(ctx))
		}
	}
	return nil
}

// syncSettings returns the scenario's sync overrides on top of limits
// tuned for fast in-process convergence.
func (h *Harness) syncSettings() config.Sync {
	s := h.scenario.Sync
	if s.SweepInterval == 0 {
		s.SweepInterval = 20 * time.Millisecond
	}
	if s.StreamInterval == 0 {
		s.StreamInterval = 2 * time.Millisecond
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 5 * time.Second
	}
	return s
}

func (h *Harness) close() error {
	var result *multierror.Error
	for _, peer := range h.scenario.Peers {
		if n, ok := h.nodes[peer]; ok {
			result = multierror.Append(result, n.Close())
		}
	}
	return result.ErrorOrNil()
}

// runStep executes one step and records it in the trace.
func (h *Harness) runStep(ctx context.Context, index int, step *Step, result *Result) error {
	ev := TraceEvent{Seq: int64(index) + 1, Action: step.Action(), Outcome: "ok"}

	switch ev.Action {
	case ActionPartition:
		h.setLinks(step.Partition, true)
		ev.Args = map[string]string{"peers": strings.Join(step.Partition, ",")}
	case ActionHeal:
		h.setLinks(step.Heal, false)
		ev.Args = map[string]string{"peers": strings.Join(step.Heal, ",")}
	case ActionSettle:
		if err := h.settle(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			ev.Outcome = "timeout"
			result.AddError(fmt.Sprintf("steps[%d]: %v", index, err))
		}
	default:
		if err := h.write(ctx, index, step, &ev, result); err != nil {
			return err
		}
	}

	result.AddTrace(ev)
	return nil
}

// write runs a write step and waits for the writing peer to fold its
// cascade.
func (h *Harness) write(ctx context.Context, index int, step *Step, ev *TraceEvent, result *Result) error {
	author := step.Author
	if author == "" {
		author = step.Peer
	}
	ev.Peer = step.Peer
	ev.Author = author

	n := h.nodes[step.Peer]
	var hashes []string
	var err error
	switch ev.Action {
	case ActionGrant:
		a := step.Grant
		ev.Args = map[string]string{"object": a.Object, "grantee": a.Grantee, "capability": a.Capability}
		var hash string
		hash, err = n.Grant(ctx, a.Object, author, a.Grantee, a.Capability)
		if hash != "" {
			hashes = append(hashes, hash)
		}
	case ActionRevoke:
		a := step.Revoke
		ev.Args = map[string]string{"object": a.Object, "grantee": a.Grantee, "capability": a.Capability}
		hashes, err = n.Revoke(ctx, a.Object, author, a.Grantee, a.Capability)
	case ActionAdd:
		a := step.Add
		ev.Args = map[string]string{"object": a.Object, "value": a.Value}
		var hash string
		hash, err = n.Add(ctx, a.Object, author, a.Value)
		if hash != "" {
			hashes = append(hashes, hash)
		}
	case ActionRemove:
		a := step.Remove
		ev.Args = map[string]string{"object": a.Object, "value": a.Value}
		hashes, err = n.Remove(ctx, a.Object, author, a.Value)
	}
	ev.Ops = len(hashes)

	switch {
	case err != nil && ctx.Err() != nil:
		return err
	case err != nil:
		ev.Outcome = "error"
		if step.ExpectError == "" {
			result.AddError(fmt.Sprintf("steps[%d]: %s on %s failed: %v", index, ev.Action, step.Peer, err))
		} else if !strings.Contains(err.Error(), step.ExpectError) {
			result.AddError(fmt.Sprintf("steps[%d]: %s on %s failed with %q, expected an error containing %q",
				index, ev.Action, step.Peer, err.Error(), step.ExpectError))
		}
	case step.ExpectError != "":
		result.AddError(fmt.Sprintf("steps[%d]: %s on %s succeeded, expected an error containing %q",
			index, ev.Action, step.Peer, step.ExpectError))
	}

	return h.waitCaughtUp(ctx, step.Peer)
}

// setLinks cuts or restores every link between peers.
func (h *Harness) setLinks(peers []string, cut bool) {
	for i, a := range peers {
		for _, b := range peers[i+1:] {
			if a == b {
				continue
			}
			if cut {
				h.hub.Partition(mesh.Endpoint(a), mesh.Endpoint(b))
			} else {
				h.hub.Heal(mesh.Endpoint(a), mesh.Endpoint(b))
			}
			h.cut[linkKey(a, b)] = cut
		}
	}
}

func linkKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// groups returns the sets of peers that can reach each other, in peer
// order.
func (h *Harness) groups() [][]string {
	group := make(map[string]int)
	var out [][]string
	for _, p := range h.scenario.Peers {
		if _, ok := group[p]; ok {
			continue
		}
		idx := len(out)
		members := []string{p}
		group[p] = idx
		for i := 0; i < len(members); i++ {
			for _, q := range h.scenario.Peers {
				if _, ok := group[q]; ok || h.cut[linkKey(members[i], q)] {
					continue
				}
				group[q] = idx
				members = append(members, q)
			}
		}
		out = append(out, members)
	}
	return out
}

// waitCaughtUp waits until every object on peer has folded what its
// store holds.
func (h *Harness) waitCaughtUp(ctx context.Context, peer string) error {
	return h.poll(ctx, func(ctx context.Context) (bool, error) {
		for _, obj := range h.scenario.Objects {
			ok, err := h.nodes[peer].CaughtUp(ctx, obj.Name)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// settle waits until every group of peers that can reach each other holds
// the same state of every object, with nothing left to pull.
func (h *Harness) settle(ctx context.Context) error {
	return h.poll(ctx, h.converged)
}

func (h *Harness) converged(ctx context.Context) (bool, error) {
	for _, group := range h.groups() {
		for i, obj := range h.scenario.Objects {
			var want string
			for j, peer := range group {
				n := h.nodes[peer]
				ok, err := n.CaughtUp(ctx, obj.Name)
				if err != nil || !ok {
					return false, err
				}
				sts, err := n.Status(ctx)
				if err != nil {
					return false, err
				}
				st := sts[i]
				if st.Puller.Requests > 0 || st.Puller.Discovered > 0 || st.Server.Responses > 0 {
					return false, nil
				}
				if j == 0 {
					want = st.StateHash
				} else if st.StateHash != want {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

// poll calls check until it holds settleRounds times in a row.
func (h *Harness) poll(ctx context.Context, check func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()

	held := 0
	for {
		ok, err := check(ctx)
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("peers did not settle within %s: %s", h.timeout, h.describe())
		case err != nil:
			return err
		case ok:
			held++
			if held >= settleRounds {
				return nil
			}
		default:
			held = 0
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// describe summarizes the sync state of every peer for timeout errors.
func (h *Harness) describe() string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var parts []string
	for _, peer := range h.scenario.Peers {
		sts, err := h.nodes[peer].Status(ctx)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", peer, err))
			continue
		}
		for _, st := range sts {
			parts = append(parts, fmt.Sprintf("%s/%s: state %.12s, %d discovered, %d requests",
				peer, st.Name, st.StateHash, st.Puller.Discovered, st.Puller.Requests))
		}
	}
	return strings.Join(parts, "; ")
}
