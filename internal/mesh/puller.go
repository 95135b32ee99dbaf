package mesh

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/history"
)

type requestStatus string

const (
	statusSent       requestStatus = "sent"
	statusValidating requestStatus = "validating"
	statusBlocked    requestStatus = "accepted-response-blocked"
	statusProcessing requestStatus = "accepted-response-processing"
	statusAccepted   requestStatus = "accepted-response"
)

type requestInfo struct {
	request  *Request
	response *Response
	remote   Endpoint
	status   requestStatus

	sentAt        time.Time
	respondedAt   time.Time
	lastLiteralAt time.Time

	receivedHistory     *history.Fragment
	receivedLiterals    int
	nextOpSequence      int
	missingCurrentState mapset.Set[string]

	// buffered holds literals that arrive before the response is accepted.
	buffered []*SendLiteral
	ingest   *ingestion
	cancel   context.CancelFunc

	counted bool
}

// Puller fetches the history and ops of one object that peers announce
// and the local store lacks.
//
// It plans requests across peers, validates responses, and hands the
// literals of accepted responses to a consumer goroutine per request.
// Every method must be called from the owning coordinator's goroutine.
type Puller struct {
	target string
	store  Store
	val    validator
	send   func(Endpoint, Message) bool
	post   func(any)

	limits  Limits
	ids     IDGenerator
	secrets IDGenerator
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger

	// localState holds the terminal headers of the store.
	localState *history.Fragment
	// remoteStates holds, per peer, the announced terminal headers still
	// missing locally.
	remoteStates map[Endpoint]*history.Fragment
	// discovered holds every announced or received header not yet stored.
	discovered *history.Fragment
	// requestedOps holds the headers of ops some request will deliver.
	requestedOps *history.Fragment

	requests             map[string]*requestInfo
	requestsForOpHistory multiMap
	requestsForOp        multiMap
	activeRequests       multiMap
	blockedBy            multiMap

	cancelled []string
	backoff   map[Endpoint]time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func newPuller(target string, s Store, val validator, send func(Endpoint, Message) bool, post func(any), cfg settings) *Puller {
	ctx, stop := context.WithCancel(context.Background())
	return &Puller{
		target:  target,
		store:   s,
		val:     val,
		send:    send,
		post:    post,
		limits:  cfg.limits,
		ids:     cfg.ids,
		secrets: cfg.secrets,
		now:     cfg.now,
		metrics: cfg.metrics,
		logger:  cfg.logger,

		localState:   history.NewFragment(target),
		remoteStates: make(map[Endpoint]*history.Fragment),
		discovered:   history.NewFragment(target),
		requestedOps: history.NewFragment(target),

		requests:             make(map[string]*requestInfo),
		requestsForOpHistory: make(multiMap),
		requestsForOp:        make(multiMap),
		activeRequests:       make(multiMap),
		blockedBy:            make(multiMap),

		backoff: make(map[Endpoint]time.Time),
		ctx:     ctx,
		stop:    stop,
	}
}

// OnNewHistory records headers announced by remote and plans requests for
// the ones the store lacks.
func (p *Puller) OnNewHistory(ctx context.Context, remote Endpoint, headers []*history.Header) error {
	for _, h := range headers {
		held, err := headerHeld(ctx, p.store, h.HeaderHash)
		if err != nil {
			return fmt.Errorf("new history from %s: %w", remote, err)
		}
		if held {
			continue
		}
		p.discovered.Add(h)
		st, ok := p.remoteStates[remote]
		if !ok {
			st = history.NewFragment(p.target)
			p.remoteStates[remote] = st
		}
		st.Add(h)
		st.RemoveNonTerminalOps()
	}
	return p.attemptNewRequests(ctx)
}

// OnNewLocalOp updates the bookkeeping for an op that reached the store,
// whichever way it got there.
func (p *Puller) OnNewLocalOp(ctx context.Context, h *history.Header) {
	matched := false
	for _, d := range p.discovered.AllOpHeadersForOp(h.OpHash) {
		if d.HeaderHash != h.HeaderHash {
			p.logger.Warn("discovered header does not match stored op",
				"op", short(h.OpHash), "discovered", short(d.HeaderHash), "stored", short(h.HeaderHash))
		} else {
			matched = true
		}
		p.markOpAsFetched(ctx, d)
	}
	if !matched {
		p.markOpAsFetched(ctx, h)
	}

	p.localState.Add(h)
	p.localState.RemoveNonTerminalOps()
}

func (p *Puller) markOpAsFetched(ctx context.Context, h *history.Header) {
	for _, st := range p.remoteStates {
		st.Remove(h.HeaderHash)
	}

	p.requestedOps.Remove(h.HeaderHash)
	p.requestsForOp.deleteKey(h.OpHash)
	for _, d := range p.discovered.AllOpHeadersForOp(h.OpHash) {
		p.requestedOps.Remove(d.HeaderHash)
	}
	p.discovered.Remove(h.HeaderHash)
	p.requestsForOpHistory.deleteKey(h.HeaderHash)

	blocked := p.blockedBy.get(h.HeaderHash)
	p.blockedBy.deleteKey(h.HeaderHash)
	for _, id := range blocked {
		if info, ok := p.requests[id]; ok {
			info.missingCurrentState.Remove(h.HeaderHash)
			p.attemptToProcessResponse(ctx, info)
		}
	}
}

// attemptNewRequests plans and sends requests while there is room.
//
// Missing history is split across peers by greedy set cover, largest
// source first. Each peer is also asked for the ops of its history that
// are causally ready, and a second, ops-only request keeps the link busy
// when the peer has a free slot.
func (p *Puller) attemptNewRequests(ctx context.Context) error {
	if p.closed || p.discovered.Len() == 0 || p.requestedOps.Len() > p.limits.MinRequestedOps {
		return nil
	}

	remoteHistories := make(map[Endpoint]*history.Fragment, len(p.remoteStates))
	for remote, st := range p.remoteStates {
		terminal := mapset.NewThreadUnsafeSet[string]()
		for hash := range st.Contents {
			terminal.Add(hash)
		}
		remoteHistories[remote] = p.discovered.FilterByTerminalOpHeaders(terminal)
	}
	remotes := sortedEndpoints(remoteHistories)

	missing := mapset.NewThreadUnsafeSet[string]()
	sources := make(map[Endpoint][]string)
	for _, hash := range sortedSet(p.discovered.MissingPrev) {
		if p.requestsForOpHistory.has(hash) {
			continue
		}
		held, err := headerHeld(ctx, p.store, hash)
		if err != nil {
			return fmt.Errorf("plan requests: %w", err)
		}
		if held {
			continue
		}
		for _, remote := range remotes {
			if remoteHistories[remote].MissingPrev.Contains(hash) && p.canSendNewRequestTo(remote) {
				missing.Add(hash)
				sources[remote] = append(sources[remote], hash)
			}
		}
	}

	candidates := sortedEndpoints(sources)
	slices.SortStableFunc(candidates, func(a, b Endpoint) int {
		return cmp.Compare(len(sources[b]), len(sources[a]))
	})

	type plan struct {
		remote  Endpoint
		headers []string
	}
	var plans []plan
	considered := make(map[Endpoint]bool)
	for _, remote := range candidates {
		if missing.IsEmpty() {
			break
		}
		var take []string
		for _, hash := range sources[remote] {
			if missing.Contains(hash) {
				take = append(take, hash)
				missing.Remove(hash)
			}
		}
		if len(take) > 0 {
			plans = append(plans, plan{remote: remote, headers: take})
			considered[remote] = true
		}
	}
	for _, remote := range remotes {
		if !considered[remote] {
			plans = append(plans, plan{remote: remote})
		}
	}

	starting := sortedKeys(p.localState.Contents)
	for _, pl := range plans {
		if !p.canSendNewRequestTo(pl.remote) {
			continue
		}
		remoteHistory := remoteHistories[pl.remote]
		current, err := p.computeStartingOps(ctx, remoteHistory)
		if err != nil {
			return err
		}
		ops, err := p.findOpsToRequest(ctx, remoteHistory)
		if err != nil {
			return err
		}
		if len(pl.headers) == 0 && len(ops) == 0 {
			continue
		}

		sent := p.request(pl.remote, pl.headers, starting, ops, current, true)
		if !sent || p.requestedOps.Len() >= p.limits.MaxPendingOps || !p.canSendNewRequestTo(pl.remote) {
			continue
		}
		current, err = p.computeStartingOps(ctx, remoteHistory)
		if err != nil {
			return err
		}
		ops, err = p.findOpsToRequest(ctx, remoteHistory)
		if err != nil {
			return err
		}
		if len(ops) > 0 {
			p.request(pl.remote, nil, nil, ops, current, false)
		}
	}
	return nil
}

// computeStartingOps returns the headers a server may treat as held by
// the requester: the edge of the unrequested part of remoteHistory, where
// held or about to arrive, plus the local terminal headers.
func (p *Puller) computeStartingOps(ctx context.Context, remoteHistory *history.Fragment) ([]string, error) {
	unrequested := remoteHistory.Clone()
	for hash := range p.requestedOps.Contents {
		unrequested.Remove(hash)
	}

	start := mapset.NewThreadUnsafeSet[string]()
	for _, hash := range sortedSet(unrequested.MissingPrev) {
		if p.requestedOps.Has(hash) {
			start.Add(hash)
			continue
		}
		held, err := headerHeld(ctx, p.store, hash)
		if err != nil {
			return nil, fmt.Errorf("starting ops: %w", err)
		}
		if held {
			start.Add(hash)
		}
	}
	for hash := range p.localState.Contents {
		start.Add(hash)
	}
	return sortedSet(start), nil
}

// findOpsToRequest returns, in causal order, the ops of remoteHistory
// that are ready once the held and requested ones are in, skipping ops
// already requested.
func (p *Puller) findOpsToRequest(ctx context.Context, remoteHistory *history.Fragment) ([]string, error) {
	limit := min(p.limits.MaxPendingOps-p.requestedOps.Len(), p.limits.MaxOpsToRequest)
	if limit <= 0 {
		return nil, nil
	}

	provided := mapset.NewThreadUnsafeSet[string]()
	for _, hash := range sortedSet(remoteHistory.MissingPrev) {
		if p.requestedOps.Has(hash) {
			provided.Add(hash)
			continue
		}
		held, err := headerHeld(ctx, p.store, hash)
		if err != nil {
			return nil, fmt.Errorf("find ops: %w", err)
		}
		if held {
			provided.Add(hash)
		}
	}

	requested := func(hash string) bool {
		return p.requestsForOp.has(remoteHistory.Get(hash).OpHash)
	}
	headers := remoteHistory.CausalClosure(provided, limit, requested, nil)
	ops := make([]string, len(headers))
	for i, hash := range headers {
		ops[i] = remoteHistory.Get(hash).OpHash
	}
	return ops, nil
}

func (p *Puller) canSendNewRequestTo(remote Endpoint) bool {
	if until, ok := p.backoff[remote]; ok && p.now().Before(until) {
		return false
	}
	return p.activeRequests.count(string(remote)) < p.limits.MaxRequestsPerRemote
}

func (p *Puller) request(remote Endpoint, headers, starting, ops, current []string, primary bool) bool {
	mode := ModeInferReqOps
	if p.requestedOps.Len() >= p.limits.MaxPendingOps {
		mode = ModeAsRequested
	}
	req := &Request{
		RequestID:            p.ids.Generate(),
		MutableObj:           p.target,
		Mode:                 mode,
		RequestedOps:         ops,
		CurrentState:         current,
		OmissionProofsSecret: p.secrets.Generate(),
		MaxHistory:           p.limits.MaxHistoryPerRequest,
		MaxLiterals:          p.limits.MaxLiteralsPerRequest,
	}
	if primary {
		req.RequestedTerminalOpHistory = headers
		req.RequestedStartingOpHistory = starting
	}

	info := &requestInfo{
		request:             req,
		remote:              remote,
		status:              statusSent,
		sentAt:              p.now(),
		missingCurrentState: mapset.NewThreadUnsafeSet[string](),
	}
	id := req.RequestID
	p.requests[id] = info
	p.activeRequests.add(string(remote), id)
	for _, opHash := range req.RequestedOps {
		p.requestsForOp.add(opHash, id)
		for _, h := range p.discovered.AllOpHeadersForOp(opHash) {
			p.requestedOps.Add(h)
		}
	}
	for _, hash := range req.RequestedTerminalOpHistory {
		p.requestsForOpHistory.add(hash, id)
	}

	if !p.send(remote, req) {
		p.logger.Debug("request not sent", "request_id", id, "peer", remote)
		p.cleanupRequest(info)
		return false
	}
	info.counted = true
	p.metrics.RequestSent()
	p.logger.Debug("request sent",
		"request_id", id,
		"peer", remote,
		"headers", len(req.RequestedTerminalOpHistory),
		"ops", len(req.RequestedOps),
		"mode", mode)
	return true
}

// OnResponse validates a response and, once the requester's declared
// current state is stored, starts consuming its literals.
func (p *Puller) OnResponse(ctx context.Context, remote Endpoint, resp *Response) error {
	info, ok := p.requests[resp.RequestID]
	if !ok {
		p.unknownRequest("response", resp.RequestID, remote)
		return nil
	}
	if info.remote != remote || info.response != nil {
		p.logger.Warn("unexpected response", "request_id", resp.RequestID, "peer", remote)
		return nil
	}

	info.status = statusValidating
	info.response = resp
	info.respondedAt = p.now()

	received, err := p.validateResponse(ctx, info)
	var v *protocolError
	if errors.As(err, &v) {
		p.cancelRequest(info, v.reason, v.detail)
		return nil
	}
	if err != nil {
		p.cancelRequest(info, CancelOther, err.Error())
		return fmt.Errorf("validate response %s: %w", resp.RequestID, err)
	}
	info.receivedHistory = received

	info.status = statusBlocked
	for _, hash := range info.request.CurrentState {
		held, err := headerHeld(ctx, p.store, hash)
		if err != nil {
			p.cancelRequest(info, CancelOther, err.Error())
			return fmt.Errorf("validate response %s: %w", resp.RequestID, err)
		}
		if !held {
			info.missingCurrentState.Add(hash)
			p.blockedBy.add(hash, resp.RequestID)
		}
	}
	if !info.missingCurrentState.IsEmpty() {
		p.logger.Debug("response blocked by missing ops",
			"request_id", resp.RequestID, "missing", info.missingCurrentState.Cardinality())
	}
	p.attemptToProcessResponse(ctx, info)
	return nil
}

// validateResponse checks a response against its request. Violations are
// returned as *protocolError.
//
// Ops the server adds on its own (infer mode) must have their header in
// the returned history, and walking back from them within that history
// must end at headers that are stored, declared in CurrentState, or of
// ops sent in the same response.
func (p *Puller) validateResponse(ctx context.Context, info *requestInfo) (*history.Fragment, error) {
	req, resp := info.request, info.response

	if resp.LiteralCount < 0 || (req.MaxLiterals > 0 && resp.LiteralCount > req.MaxLiterals) {
		return nil, violation(CancelInvalidResponse, "literal count %d outside the requested bound %d", resp.LiteralCount, req.MaxLiterals)
	}
	if resp.LiteralCount < len(resp.SendingOps) {
		return nil, violation(CancelInvalidResponse, "%d ops announced but only %d literals", len(resp.SendingOps), resp.LiteralCount)
	}

	var received *history.Fragment
	if len(resp.History) > 0 {
		if req.MaxHistory > 0 && len(resp.History) > req.MaxHistory {
			return nil, violation(CancelInvalidResponse, "%d headers sent, at most %d requested", len(resp.History), req.MaxHistory)
		}
		received = history.NewFragment(p.target)
		for _, l := range resp.History {
			h, err := history.HeaderFromLiteral(l)
			if err != nil {
				return nil, violation(CancelInvalidResponse, "header %s: %v", short(l.HeaderHash), err)
			}
			received.Add(h)
		}
		if !received.VerifyUniqueOps() {
			return nil, violation(CancelInvalidResponse, "history has more than one header for an op")
		}

		requested := mapset.NewThreadUnsafeSet(req.RequestedTerminalOpHistory...)
		for _, hash := range sortedSet(received.Terminal) {
			if !requested.Contains(hash) {
				return nil, violation(CancelInvalidResponse, "terminal header %s was not requested", short(hash))
			}
		}
		for _, hash := range req.RequestedStartingOpHistory {
			if received.Has(hash) {
				return nil, violation(CancelInvalidResponse, "header %s was declared as known", short(hash))
			}
		}
		for _, hash := range sortedKeys(received.Contents) {
			h := received.Get(hash)
			stored, err := p.store.LoadOpHeader(ctx, h.OpHash)
			if errors.Is(err, history.ErrHeaderNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if stored.HeaderHash != h.HeaderHash {
				return nil, violation(CancelInvalidResponse, "header %s for op %s does not match stored header %s",
					short(h.HeaderHash), short(h.OpHash), short(stored.HeaderHash))
			}
		}
	}

	requestedOps := mapset.NewThreadUnsafeSet(req.RequestedOps...)
	sending := mapset.NewThreadUnsafeSet[string]()
	sendingHeaders := mapset.NewThreadUnsafeSet[string]()
	additional := history.NewFragment(p.target)
	for _, opHash := range resp.SendingOps {
		if sending.Contains(opHash) {
			return nil, violation(CancelInvalidResponse, "op %s announced twice", short(opHash))
		}
		sending.Add(opHash)

		var h *history.Header
		if received != nil {
			h, _ = received.OpHeaderForOp(opHash)
		}
		if h != nil {
			sendingHeaders.Add(h.HeaderHash)
		}
		for _, d := range p.discovered.AllOpHeadersForOp(opHash) {
			sendingHeaders.Add(d.HeaderHash)
		}

		if requestedOps.Contains(opHash) {
			continue
		}
		if h == nil {
			return nil, violation(CancelInvalidResponse, "op %s was neither requested nor in the returned history", short(opHash))
		}
		additional.Add(h)
	}

	if additional.Len() > 0 {
		if req.Mode != ModeInferReqOps {
			return nil, violation(CancelInvalidResponse, "%d ops beyond the requested ones, but mode is %s", additional.Len(), req.Mode)
		}
		current := mapset.NewThreadUnsafeSet(req.CurrentState...)
		for _, prev := range sortedSet(additional.MissingPrev) {
			if sendingHeaders.Contains(prev) || current.Contains(prev) {
				continue
			}
			held, err := headerHeld(ctx, p.store, prev)
			if err != nil {
				return nil, err
			}
			if !held {
				return nil, violation(CancelInvalidResponse, "additional ops depend on header %s, which is neither held, declared, nor sent", short(prev))
			}
		}
	}
	return received, nil
}

func (p *Puller) attemptToProcessResponse(ctx context.Context, info *requestInfo) {
	id := info.request.RequestID
	if p.requests[id] != info || info.status != statusBlocked || !info.missingCurrentState.IsEmpty() {
		return
	}
	info.status = statusProcessing
	req, resp := info.request, info.response

	proven, pending, err := checkOmissions(ctx, p.store, p.val, req, resp)
	if err != nil {
		var v *protocolError
		if errors.As(err, &v) {
			p.cancelRequest(info, v.reason, v.detail)
		} else {
			p.cancelRequest(info, CancelOther, err.Error())
		}
		return
	}

	for _, hash := range req.RequestedTerminalOpHistory {
		p.requestsForOpHistory.delete(hash, id)
	}

	// Walk backward so an op stored meanwhile never leaves a gap below a
	// header added here.
	if rcvd := info.receivedHistory; rcvd != nil && rcvd.Len() > 0 {
		added := 0
		for h := range rcvd.IterateFrom(sortedSet(rcvd.Terminal), history.Backward, history.BFS, nil) {
			p.requestsForOpHistory.delete(h.HeaderHash, id)
			held, err := headerHeld(ctx, p.store, h.HeaderHash)
			if err != nil {
				p.cancelRequest(info, CancelOther, err.Error())
				return
			}
			if !held && !p.discovered.Has(h.HeaderHash) {
				p.discovered.Add(h)
				added++
			}
		}
		p.logger.Debug("history received", "request_id", id, "headers", rcvd.Len(), "new", added)
	}

	for _, opHash := range req.RequestedOps {
		p.releaseOp(opHash, id)
	}
	for _, opHash := range resp.SendingOps {
		p.requestsForOp.add(opHash, id)
		for _, h := range p.discovered.AllOpHeadersForOp(opHash) {
			p.requestedOps.Add(h)
		}
	}

	if len(resp.SendingOps) > 0 {
		p.startIngestion(info, proven, pending)
	}
	info.status = statusAccepted

	if p.checkRequestRemoval(info) {
		if err := p.attemptNewRequests(ctx); err != nil {
			p.logger.Warn("plan requests", "error", err)
		}
	}
}

func (p *Puller) startIngestion(info *requestInfo, proven mapset.Set[string], pending pendingLinks) {
	ctx, cancel := context.WithCancel(p.ctx)
	g := newIngestion(info.request.RequestID, info.response, p.val, p.store, proven, pending, p.post, p.logger)
	info.ingest = g
	info.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		g.run(ctx)
	}()

	for _, msg := range info.buffered {
		select {
		case g.in <- msg:
		default:
		}
	}
	info.buffered = nil
}

// OnLiteral routes a streamed literal to its request's consumer, or buffers
// it until the response is accepted.
func (p *Puller) OnLiteral(remote Endpoint, msg *SendLiteral) {
	info, ok := p.requests[msg.RequestID]
	if !ok {
		p.unknownRequest("literal", msg.RequestID, remote)
		return
	}
	if info.remote != remote {
		p.logger.Warn("literal from wrong peer", "request_id", msg.RequestID, "peer", remote, "expected", info.remote)
		return
	}

	limit := info.request.MaxLiterals
	if info.response != nil {
		limit = info.response.LiteralCount
	}
	if limit > 0 && info.receivedLiterals >= limit {
		p.logger.Warn("literal beyond announced count ignored", "request_id", msg.RequestID, "sequence", msg.Sequence)
		return
	}
	info.receivedLiterals++
	info.lastLiteralAt = p.now()
	p.metrics.LiteralReceived()

	if info.ingest == nil {
		info.buffered = append(info.buffered, msg)
		return
	}
	select {
	case info.ingest.in <- msg:
	default:
		p.logger.Warn("literal dropped, consumer full", "request_id", msg.RequestID, "sequence", msg.Sequence)
	}
}

// onIngested saves a validated op with its dependencies, if the request
// that delivered it is still live.
func (p *Puller) onIngested(ctx context.Context, ev ingested) error {
	info, ok := p.requests[ev.requestID]
	if !ok || info.ingest == nil {
		return nil
	}

	for _, obj := range ev.objs {
		if err := p.store.Save(ctx, obj); err != nil {
			p.cancelRequest(info, CancelOther, "could not store received op")
			return fmt.Errorf("save op %s: %w", short(ev.opHash), err)
		}
	}
	info.nextOpSequence++
	p.metrics.OpFetched()

	h, err := p.store.LoadOpHeader(ctx, ev.opHash)
	switch {
	case err == nil:
		p.OnNewLocalOp(ctx, h)
	case errors.Is(err, history.ErrHeaderNotFound):
		// Waits in the store for its prevs.
	default:
		return fmt.Errorf("load header %s: %w", short(ev.opHash), err)
	}

	if p.checkRequestRemoval(info) {
		return p.attemptNewRequests(ctx)
	}
	return nil
}

func (p *Puller) onIngestFailed(ctx context.Context, ev ingestFailed) {
	info, ok := p.requests[ev.requestID]
	if !ok {
		return
	}
	if ev.err.op != "" {
		for _, h := range p.discovered.AllOpHeadersForOp(ev.err.op) {
			p.logger.Warn("dropping history of invalid op", "op", short(ev.err.op), "header", short(h.HeaderHash), "peer", info.remote)
			p.markOpAsFetched(ctx, h)
		}
	}
	p.cancelRequest(info, ev.err.reason, ev.err.detail)
}

// OnReject releases a request the server refused. A busy server gets no
// new requests until the next sweep.
func (p *Puller) OnReject(ctx context.Context, remote Endpoint, msg *RejectRequest) error {
	info, ok := p.requests[msg.RequestID]
	if !ok || info.remote != remote {
		p.unknownRequest("rejection", msg.RequestID, remote)
		return nil
	}
	p.logger.Debug("request rejected", "request_id", msg.RequestID, "peer", remote, "reason", msg.Reason, "detail", msg.Detail)
	p.metrics.RequestRejected(rolePuller, msg.Reason)
	p.rememberCancelled(msg.RequestID)
	p.cleanupRequest(info)
	if msg.Reason == RejectTooBusy {
		p.backoff[remote] = p.now().Add(p.limits.SweepInterval)
	}
	return p.attemptNewRequests(ctx)
}

// OnCancel releases a request the server abandoned.
func (p *Puller) OnCancel(ctx context.Context, remote Endpoint, msg *CancelRequest) error {
	info, ok := p.requests[msg.RequestID]
	if !ok || info.remote != remote {
		return nil
	}
	p.logger.Debug("request cancelled by peer", "request_id", msg.RequestID, "peer", remote, "reason", msg.Reason)
	p.rememberCancelled(msg.RequestID)
	p.cleanupRequest(info)
	return p.attemptNewRequests(ctx)
}

// Sweep cancels timed out requests and plans again.
func (p *Puller) Sweep(ctx context.Context) error {
	now := p.now()
	for remote, until := range p.backoff {
		if !now.Before(until) {
			delete(p.backoff, remote)
		}
	}
	for _, id := range sortedKeys(p.requests) {
		if info, ok := p.requests[id]; ok {
			p.checkRequestRemoval(info)
		}
	}
	return p.attemptNewRequests(ctx)
}

// DropPeer forgets remote: its announced state and its requests.
func (p *Puller) DropPeer(ctx context.Context, remote Endpoint) error {
	delete(p.remoteStates, remote)
	delete(p.backoff, remote)
	for _, id := range p.activeRequests.get(string(remote)) {
		if info, ok := p.requests[id]; ok {
			p.rememberCancelled(id)
			p.cleanupRequest(info)
		}
	}
	return p.attemptNewRequests(ctx)
}

// checkRequestRemoval removes info if it is complete or timed out, and
// reports whether it did.
func (p *Puller) checkRequestRemoval(info *requestInfo) bool {
	now := p.now()
	resp := info.response

	if resp == nil {
		if now.Sub(info.sentAt) > p.limits.RequestTimeout {
			p.cancelRequest(info, CancelSlowConnection, "timeout waiting for response")
			return true
		}
		return false
	}

	switch info.status {
	case statusValidating, statusProcessing:
		return false
	case statusBlocked:
		if now.Sub(info.respondedAt) > p.limits.RequestTimeout {
			p.cancelRequest(info, CancelOther, "timeout waiting for declared state")
			return true
		}
		return false
	}

	if len(resp.SendingOps) == 0 || info.nextOpSequence == len(resp.SendingOps) {
		p.cleanupRequest(info)
		return true
	}

	last := info.lastLiteralAt
	if last.IsZero() {
		last = info.respondedAt
	}
	if info.receivedLiterals < resp.LiteralCount && now.Sub(last) > p.limits.LiteralArrivalTimeout {
		p.cancelRequest(info, CancelSlowConnection, "timeout waiting for a literal")
		return true
	}
	return false
}

func (p *Puller) cancelRequest(info *requestInfo, reason CancelReason, detail string) {
	id := info.request.RequestID
	p.logger.Debug("cancelling request", "request_id", id, "peer", info.remote, "reason", reason, "detail", detail)
	p.metrics.RequestCancelled(rolePuller, reason)
	p.rememberCancelled(id)
	p.cleanupRequest(info)
	p.send(info.remote, &CancelRequest{RequestID: id, Reason: reason, Detail: detail})
}

// cleanupRequest releases every piece of bookkeeping held for info and
// stops its consumer.
func (p *Puller) cleanupRequest(info *requestInfo) {
	id := info.request.RequestID
	if p.requests[id] != info {
		return
	}
	if info.cancel != nil {
		info.cancel()
	}

	for _, hash := range info.request.CurrentState {
		p.blockedBy.delete(hash, id)
	}
	for _, opHash := range info.request.RequestedOps {
		p.releaseOp(opHash, id)
	}
	if info.response != nil {
		for _, opHash := range info.response.SendingOps {
			p.releaseOp(opHash, id)
		}
	}
	for _, hash := range info.request.RequestedTerminalOpHistory {
		p.requestsForOpHistory.delete(hash, id)
	}
	p.activeRequests.delete(string(info.remote), id)
	delete(p.requests, id)
	info.buffered = nil

	if info.counted {
		p.metrics.RequestDone(rolePuller)
	}
	p.logger.Debug("request removed", "request_id", id)
}

func (p *Puller) releaseOp(opHash, id string) {
	p.requestsForOp.delete(opHash, id)
	if p.requestsForOp.has(opHash) {
		return
	}
	for _, h := range p.discovered.AllOpHeadersForOp(opHash) {
		p.requestedOps.Remove(h.HeaderHash)
	}
}

func (p *Puller) rememberCancelled(id string) {
	if slices.Contains(p.cancelled, id) {
		return
	}
	if len(p.cancelled) >= p.limits.MaxSavedCancelledRequests {
		p.cancelled = p.cancelled[1:]
	}
	p.cancelled = append(p.cancelled, id)
}

func (p *Puller) unknownRequest(what, id string, remote Endpoint) {
	if slices.Contains(p.cancelled, id) {
		p.logger.Debug(what+" for cancelled request", "request_id", id, "peer", remote)
		return
	}
	p.logger.Warn(what+" for unknown request", "request_id", id, "peer", remote)
}

// Close stops every consumer and waits for them to exit.
func (p *Puller) Close() {
	p.closed = true
	p.stop()
	p.wg.Wait()
}

// PullerStatus summarizes a puller's bookkeeping.
type PullerStatus struct {
	Discovered   int `json:"discovered"`
	RequestedOps int `json:"requestedOps"`
	Requests     int `json:"requests"`
	Blocked      int `json:"blocked"`
	Peers        int `json:"peers"`
}

// Status returns the current bookkeeping sizes.
func (p *Puller) Status() PullerStatus {
	st := PullerStatus{
		Discovered:   p.discovered.Len(),
		RequestedOps: p.requestedOps.Len(),
		Requests:     len(p.requests),
		Peers:        len(p.remoteStates),
	}
	for _, info := range p.requests {
		if info.status == statusBlocked {
			st.Blocked++
		}
	}
	return st
}

// Diagnostic renders the puller's state for humans, one request per line.
func (p *Puller) Diagnostic() string {
	var b strings.Builder
	fmt.Fprintf(&b, "target %s\n", short(p.target))
	fmt.Fprintf(&b, "local state: %s\n", shortList(sortedKeys(p.localState.Contents)))
	fmt.Fprintf(&b, "discovered: %d headers, missing prevs %s\n", p.discovered.Len(), shortList(sortedSet(p.discovered.MissingPrev)))
	fmt.Fprintf(&b, "requested ops: %d\n", p.requestedOps.Len())
	for _, remote := range sortedEndpoints(p.remoteStates) {
		fmt.Fprintf(&b, "peer %s: state %s\n", remote, shortList(sortedKeys(p.remoteStates[remote].Contents)))
	}
	for _, id := range sortedKeys(p.requests) {
		info := p.requests[id]
		fmt.Fprintf(&b, "request %s to %s: %s, %d headers, %d ops", id, info.remote, info.status,
			len(info.request.RequestedTerminalOpHistory), len(info.request.RequestedOps))
		if info.response != nil {
			fmt.Fprintf(&b, ", sending %d ops, %d/%d literals, %d ops stored",
				len(info.response.SendingOps), info.receivedLiterals, info.response.LiteralCount, info.nextOpSequence)
		}
		if n := info.missingCurrentState.Cardinality(); n > 0 {
			fmt.Fprintf(&b, ", blocked by %d ops", n)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func shortList(hashes []string) string {
	const maxShown = 8
	shown := make([]string, 0, min(len(hashes), maxShown))
	for i, h := range hashes {
		if i == maxShown {
			break
		}
		shown = append(shown, short(h))
	}
	out := "[" + strings.Join(shown, " ")
	if len(hashes) > maxShown {
		out += fmt.Sprintf(" ... (%d)", len(hashes))
	}
	return out + "]"
}

func sortedEndpoints[V any](m map[Endpoint]V) []Endpoint {
	out := make([]Endpoint, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
