package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/queue"
)

type (
	peerJoined struct{ peer Endpoint }
	peerLeft   struct{ peer Endpoint }
	delivery   struct {
		from Endpoint
		msg  Message
	}
	statusQuery     struct{ reply chan Status }
	diagnosticQuery struct{ reply chan string }
)

// Coordinator keeps one object in sync with a group of peers.
//
// It is a single-goroutine actor: everything it is told (peer changes,
// inbound messages, literal consumer results) goes through one unbounded
// inbox, and its Puller and Server are only touched from Run. Applied ops
// arrive as the object's state events (WithStateEvents). The store's
// header watch covers ops whose header completes in the store before the
// object folds them, such as ingested ops waiting on a prev.
type Coordinator struct {
	target    string
	agentID   string
	store     Store
	messenger Messenger
	cfg       settings

	puller *Puller
	server *Server
	inbox  *queue.Queue[any]

	peers     map[Endpoint]bool
	state     *State
	stateHash string
}

// NewCoordinator returns a coordinator for target. Call Run to start it.
func NewCoordinator(target string, s Store, registry *op.Registry, m Messenger, opts ...Option) *Coordinator {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.With("component", "mesh", "target", short(target))

	c := &Coordinator{
		target:    target,
		agentID:   AgentID(target),
		store:     s,
		messenger: m,
		cfg:       cfg,
		inbox:     queue.New[any](),
		peers:     make(map[Endpoint]bool),
	}
	val := validator{target: target, registry: registry, accepts: cfg.accepts}
	c.puller = newPuller(target, s, val, c.sendTo, c.post, cfg)
	c.server = newServer(target, s, val, c.sendTo, cfg)
	return c
}

// Target returns the hash of the synced object.
func (c *Coordinator) Target() string { return c.target }

// AgentID returns the agent id the coordinator's messages travel under.
func (c *Coordinator) AgentID() string { return c.agentID }

// PeerJoined adds peer to the group.
func (c *Coordinator) PeerJoined(peer Endpoint) { c.post(peerJoined{peer: peer}) }

// PeerLeft removes peer from the group, dropping its requests and
// responses.
func (c *Coordinator) PeerLeft(peer Endpoint) { c.post(peerLeft{peer: peer}) }

// Deliver hands an inbound message to the coordinator. It never blocks.
func (c *Coordinator) Deliver(from Endpoint, msg Message) { c.post(delivery{from: from, msg: msg}) }

// Status summarizes a coordinator.
type Status struct {
	Target      string       `json:"target"`
	StateHash   string       `json:"stateHash"`
	TerminalOps []string     `json:"terminalOps"`
	Peers       []Endpoint   `json:"peers"`
	Puller      PullerStatus `json:"puller"`
	Server      ServerStatus `json:"server"`
}

// Status asks the running coordinator for its status.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !c.inbox.Enqueue(statusQuery{reply: reply}) {
		return Status{}, errors.New("coordinator stopped")
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Diagnostic asks the running coordinator for a human-readable dump of its
// request bookkeeping.
func (c *Coordinator) Diagnostic(ctx context.Context) (string, error) {
	reply := make(chan string, 1)
	if !c.inbox.Enqueue(diagnosticQuery{reply: reply}) {
		return "", errors.New("coordinator stopped")
	}
	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run processes the inbox until ctx is done. Literal consumers are
// stopped and waited for before it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	headers, stopWatch := c.store.WatchHeaders(c.target)
	defer stopWatch()
	defer c.inbox.Close()
	defer c.puller.Close()

	if err := c.loadState(ctx); err != nil {
		return err
	}
	for _, l := range c.state.TerminalOpHeaders {
		h, err := history.HeaderFromLiteral(l)
		if err != nil {
			return fmt.Errorf("coordinator %s: %w", short(c.target), err)
		}
		c.puller.OnNewLocalOp(ctx, h)
	}

	inbox := c.inbox.Pipe(ctx)
	events := c.cfg.events
	sweep := time.NewTicker(c.cfg.limits.SweepInterval)
	defer sweep.Stop()

	var streamTicker *time.Ticker
	var stream <-chan time.Time
	defer func() {
		if streamTicker != nil {
			streamTicker.Stop()
		}
	}()

	c.cfg.logger.Debug("coordinator started", "state", short(c.stateHash))
	for {
		select {
		case <-ctx.Done():
			return nil

		case hash, ok := <-headers:
			if !ok {
				headers = nil
				continue
			}
			c.onLocalOps(ctx, hash, headers)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onStateEvents(ctx, ev, events)

		case item, ok := <-inbox:
			if !ok {
				return nil
			}
			c.handle(ctx, item)

		case <-sweep.C:
			if err := c.puller.Sweep(ctx); err != nil {
				c.cfg.logger.Warn("sweep", "error", err)
			}

		case <-stream:
			c.server.Stream(ctx)
		}

		switch streaming := c.server.Streaming(); {
		case streaming && streamTicker == nil:
			streamTicker = time.NewTicker(c.cfg.limits.StreamInterval)
			stream = streamTicker.C
		case !streaming && streamTicker != nil:
			streamTicker.Stop()
			streamTicker, stream = nil, nil
		}
	}
}

// onLocalOps handles first and every op already waiting on the header
// watch, then announces the new state once.
func (c *Coordinator) onLocalOps(ctx context.Context, first string, headers <-chan string) {
	c.onLocalOp(ctx, first)
	for {
		select {
		case hash, ok := <-headers:
			if !ok {
				c.announceIfChanged(ctx)
				return
			}
			c.onLocalOp(ctx, hash)
		default:
			c.announceIfChanged(ctx)
			return
		}
	}
}

// onStateEvents handles first and every state event already queued, then
// announces the new state once.
func (c *Coordinator) onStateEvents(ctx context.Context, first engine.StateEvent, events <-chan engine.StateEvent) {
	c.onLocalOp(ctx, first.OpHash)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.announceIfChanged(ctx)
				return
			}
			c.onLocalOp(ctx, ev.OpHash)
		default:
			c.announceIfChanged(ctx)
			return
		}
	}
}

func (c *Coordinator) onLocalOp(ctx context.Context, opHash string) {
	h, err := c.store.LoadOpHeader(ctx, opHash)
	if err != nil {
		c.cfg.logger.Warn("header of saved op", "op", short(opHash), "error", err)
		return
	}
	c.puller.OnNewLocalOp(ctx, h)
}

func (c *Coordinator) announceIfChanged(ctx context.Context) {
	prev := c.stateHash
	if err := c.loadState(ctx); err != nil {
		c.cfg.logger.Warn("load state", "error", err)
		return
	}
	if c.stateHash == prev {
		return
	}
	c.cfg.logger.Debug("state changed", "state", short(c.stateHash), "terminal_ops", len(c.state.TerminalOps))
	for _, peer := range c.peerList() {
		c.sendTo(peer, &SendState{State: c.state})
	}
}

func (c *Coordinator) loadState(ctx context.Context) error {
	st, err := LoadState(ctx, c.store, c.target)
	if err != nil {
		return err
	}
	hash, err := st.Hash()
	if err != nil {
		return fmt.Errorf("state hash: %w", err)
	}
	c.state, c.stateHash = st, hash
	return nil
}

func (c *Coordinator) handle(ctx context.Context, item any) {
	var err error
	switch ev := item.(type) {
	case peerJoined:
		c.peers[ev.peer] = true
		c.sendTo(ev.peer, &SendState{State: c.state})
		c.sendTo(ev.peer, &RequestState{})
	case peerLeft:
		delete(c.peers, ev.peer)
		c.server.DropPeer(ctx, ev.peer)
		err = c.puller.DropPeer(ctx, ev.peer)
	case delivery:
		err = c.route(ctx, ev.from, ev.msg)
	case ingested:
		err = c.puller.onIngested(ctx, ev)
	case ingestFailed:
		c.puller.onIngestFailed(ctx, ev)
	case statusQuery:
		ev.reply <- c.status()
	case diagnosticQuery:
		ev.reply <- c.puller.Diagnostic()
	}
	if err != nil {
		c.cfg.logger.Warn("sync", "error", err)
	}
}

// route dispatches an inbound message. CancelRequest goes to both sides:
// the server drops the response, the puller drops the request if it sent
// it.
func (c *Coordinator) route(ctx context.Context, from Endpoint, msg Message) error {
	switch m := msg.(type) {
	case *SendState:
		return c.onRemoteState(ctx, from, m)
	case *RequestState:
		c.sendTo(from, &SendState{State: c.state})
		return nil
	case *Request:
		return c.server.OnRequest(ctx, from, m)
	case *Response:
		return c.puller.OnResponse(ctx, from, m)
	case *SendLiteral:
		c.puller.OnLiteral(from, m)
		return nil
	case *RejectRequest:
		return c.puller.OnReject(ctx, from, m)
	case *CancelRequest:
		c.server.OnCancel(ctx, from, m)
		return c.puller.OnCancel(ctx, from, m)
	}
	c.cfg.logger.Warn("unknown message", "type", fmt.Sprintf("%T", msg), "peer", from)
	return nil
}

func (c *Coordinator) onRemoteState(ctx context.Context, from Endpoint, m *SendState) error {
	if m.State == nil || m.State.Target != c.target {
		c.cfg.logger.Warn("state for another object ignored", "peer", from)
		return nil
	}
	headers := make([]*history.Header, 0, len(m.State.TerminalOpHeaders))
	for _, l := range m.State.TerminalOpHeaders {
		h, err := history.HeaderFromLiteral(l)
		if err != nil {
			c.cfg.logger.Warn("invalid header in state", "peer", from, "header", short(l.HeaderHash), "error", err)
			return nil
		}
		headers = append(headers, h)
	}
	return c.puller.OnNewHistory(ctx, from, headers)
}

func (c *Coordinator) status() Status {
	st := Status{
		Target:    c.target,
		StateHash: c.stateHash,
		Peers:     c.peerList(),
		Puller:    c.puller.Status(),
		Server:    c.server.Status(),
	}
	if c.state != nil {
		st.TerminalOps = slices.Clone(c.state.TerminalOps)
	}
	return st
}

func (c *Coordinator) peerList() []Endpoint {
	return sortedEndpoints(c.peers)
}

func (c *Coordinator) sendTo(peer Endpoint, msg Message) bool {
	return c.messenger.SendMessageToPeer(peer, c.agentID, msg)
}

func (c *Coordinator) post(item any) {
	c.inbox.Enqueue(item)
}
