package mesh

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ef-ds/deque"
	"golang.org/x/time/rate"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/ir"
)

type responseInfo struct {
	request   *Request
	response  *Response
	remote    Endpoint
	arrivedAt time.Time

	literals []ir.Literal
	next     int
	started  bool
}

func (r *responseInfo) complete() bool {
	return r.response != nil && r.next >= len(r.literals)
}

// Server answers the requests peers send for one object.
//
// One response per peer streams at a time; further requests from that
// peer wait in arrival order. Literals go out in batches on every Stream
// call. Every method must be called from the owning coordinator's
// goroutine.
type Server struct {
	target string
	store  Store
	val    validator
	send   func(Endpoint, Message) bool

	limits  Limits
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger

	responses map[string]*responseInfo
	current   map[Endpoint]string
	queued    map[Endpoint]*deque.Deque
	limiters  map[Endpoint]*rate.Limiter
}

func newServer(target string, s Store, val validator, send func(Endpoint, Message) bool, cfg settings) *Server {
	return &Server{
		target:    target,
		store:     s,
		val:       val,
		send:      send,
		limits:    cfg.limits,
		now:       cfg.now,
		metrics:   cfg.metrics,
		logger:    cfg.logger,
		responses: make(map[string]*responseInfo),
		current:   make(map[Endpoint]string),
		queued:    make(map[Endpoint]*deque.Deque),
		limiters:  make(map[Endpoint]*rate.Limiter),
	}
}

// OnRequest answers req right away, or queues it behind the response
// currently streaming to remote.
func (s *Server) OnRequest(ctx context.Context, remote Endpoint, req *Request) error {
	if _, dup := s.responses[req.RequestID]; dup {
		return nil
	}
	info := &responseInfo{request: req, remote: remote, arrivedAt: s.now()}

	if req.MutableObj != s.target {
		s.reject(ctx, info, RejectInvalidRequest, fmt.Sprintf("request is for %s, not %s", short(req.MutableObj), short(s.target)))
		return nil
	}
	if !s.limiter(remote).AllowN(s.now(), 1) {
		s.reject(ctx, info, RejectTooBusy, "request rate exceeded")
		return nil
	}

	if _, busy := s.current[remote]; busy {
		if s.queuedCount(remote) >= s.limits.MaxQueuedResponses {
			s.reject(ctx, info, RejectTooBusy, "too many queued requests")
			return nil
		}
		s.responses[req.RequestID] = info
		q, ok := s.queued[remote]
		if !ok {
			q = deque.New()
			s.queued[remote] = q
		}
		q.PushBack(req.RequestID)
		s.logger.Debug("request queued", "request_id", req.RequestID, "peer", remote)
		return nil
	}

	s.responses[req.RequestID] = info
	return s.sendResponse(ctx, info)
}

// OnCancel drops the response to a request its sender abandoned.
func (s *Server) OnCancel(ctx context.Context, remote Endpoint, msg *CancelRequest) {
	info, ok := s.responses[msg.RequestID]
	if !ok || info.remote != remote {
		return
	}
	s.logger.Debug("response cancelled by peer", "request_id", msg.RequestID, "peer", remote, "reason", msg.Reason, "detail", msg.Detail)
	s.metrics.RequestCancelled(roleServer, msg.Reason)
	s.removeResponse(ctx, info)
}

// Stream sends the next batch of literals of every current response.
func (s *Server) Stream(ctx context.Context) {
	for _, remote := range sortedEndpoints(s.current) {
		id, ok := s.current[remote]
		if !ok {
			continue
		}
		if info, ok := s.responses[id]; ok {
			s.sendLiterals(ctx, info, s.limits.LiteralBatchSize)
		}
	}
}

// Streaming reports whether some response still has literals to send.
func (s *Server) Streaming() bool {
	for _, id := range s.current {
		if info, ok := s.responses[id]; ok && !info.complete() {
			return true
		}
	}
	return false
}

// DropPeer discards every response to remote, queued ones included.
func (s *Server) DropPeer(ctx context.Context, remote Endpoint) {
	delete(s.queued, remote)
	delete(s.limiters, remote)
	for _, id := range sortedKeys(s.responses) {
		if info := s.responses[id]; info.remote == remote {
			s.removeResponse(ctx, info)
		}
	}
}

func (s *Server) sendResponse(ctx context.Context, info *responseInfo) error {
	id := info.request.RequestID
	s.current[info.remote] = id

	ok, err := s.createResponse(ctx, info)
	if err != nil {
		s.reject(ctx, info, RejectTooBusy, "could not build response")
		return fmt.Errorf("response %s: %w", id, err)
	}
	if !ok {
		return nil
	}

	info.started = true
	s.metrics.ResponseStarted()
	s.send(info.remote, info.response)
	s.logger.Debug("response sent",
		"request_id", id,
		"peer", info.remote,
		"headers", len(info.response.History),
		"ops", len(info.response.SendingOps),
		"literals", info.response.LiteralCount,
		"omitted", len(info.response.OmittedObjs))

	if info.complete() {
		s.removeResponse(ctx, info)
	}
	return nil
}

// createResponse validates the request and builds its response. It
// reports false after rejecting an invalid request.
func (s *Server) createResponse(ctx context.Context, info *responseInfo) (bool, error) {
	req := info.request
	resp := &Response{RequestID: req.RequestID}

	toCheck := mapset.NewThreadUnsafeSet(req.RequestedTerminalOpHistory...)
	toCheck.Append(req.RequestedStartingOpHistory...)
	for _, hash := range sortedSet(toCheck) {
		_, valid, err := s.headerOp(ctx, hash)
		if err != nil {
			return false, err
		}
		if !valid {
			s.reject(ctx, info, RejectInvalidRequest, fmt.Sprintf("requested header %s is not of a valid op", short(hash)))
			return false, nil
		}
	}

	for _, opHash := range req.RequestedOps {
		lit, ok, err := loadLiteral(ctx, s.store, opHash)
		if err != nil {
			return false, err
		}
		if !ok {
			s.reject(ctx, info, RejectInvalidRequest, fmt.Sprintf("requested op %s is not held", short(opHash)))
			return false, nil
		}
		if _, _, valid := s.val.validOp(lit); !valid {
			s.reject(ctx, info, RejectInvalidRequest, fmt.Sprintf("requested op %s is not an op of %s", short(opHash), short(s.target)))
			return false, nil
		}
	}

	var remoteStateOps []string
	for _, hash := range req.CurrentState {
		h, valid, err := s.headerOp(ctx, hash)
		if err != nil {
			return false, err
		}
		if !valid {
			s.reject(ctx, info, RejectInvalidRequest, fmt.Sprintf("declared header %s is not of a valid op", short(hash)))
			return false, nil
		}
		if h != nil {
			remoteStateOps = append(remoteStateOps, h.OpHash)
		}
	}

	maxHistory := bound(req.MaxHistory, s.limits.MaxHistoryPerResponse)
	maxOps := bound(req.MaxLiterals, s.limits.MaxOpsToRequest)
	maxLiterals := bound(req.MaxLiterals, s.limits.MaxLiteralsPerResponse)

	var fragment *history.Fragment
	if len(req.RequestedTerminalOpHistory) > 0 {
		delta := history.NewDelta(s.target, s.store)
		if err := delta.Compute(ctx, req.RequestedTerminalOpHistory, req.RequestedStartingOpHistory, maxHistory, s.limits.MaxBacktrackPerDelta); err != nil {
			return false, fmt.Errorf("compute delta: %w", err)
		}
		fragment = delta.Fragment.FilterByTerminalOpHeaders(mapset.NewThreadUnsafeSet(req.RequestedTerminalOpHistory...))
		resp.History = headerLiterals(fragment)
	}

	packer := NewPacker(s.store, maxLiterals)
	if req.OmissionProofsSecret != "" {
		if err := packer.AllowOmissionsRecursively(ctx, remoteStateOps, s.limits.MaxAllowedOmissions); err != nil {
			return false, err
		}
	}

	full := false
	var sending []string
	for _, opHash := range req.RequestedOps {
		if len(sending) == maxOps {
			break
		}
		if packer.IsAllowedOmission(opHash) {
			continue
		}
		added, err := packer.AddObject(ctx, opHash)
		if err != nil {
			return false, err
		}
		if !added {
			full = true
			break
		}
		sending = append(sending, opHash)
	}

	if !full && req.Mode == ModeInferReqOps && fragment != nil && fragment.Len() > 0 && len(sending) < maxOps {
		provided := mapset.NewThreadUnsafeSet(req.CurrentState...)
		inFragment := mapset.NewThreadUnsafeSet[string]()
		for _, opHash := range sending {
			h, err := s.store.LoadOpHeader(ctx, opHash)
			if errors.Is(err, history.ErrHeaderNotFound) {
				continue
			}
			if err != nil {
				return false, err
			}
			provided.Add(h.HeaderHash)
			if fragment.Has(h.HeaderHash) {
				inFragment.Add(h.HeaderHash)
			}
		}

		extra := fragment.CausalClosure(provided, maxOps-len(sending), inFragment.Contains, nil)
		for _, hash := range extra {
			opHash := fragment.Get(hash).OpHash
			if packer.IsAllowedOmission(opHash) {
				continue
			}
			added, err := packer.AddObject(ctx, opHash)
			if err != nil {
				return false, err
			}
			if !added {
				break
			}
			sending = append(sending, opHash)
		}
	}

	if packer.Len() > 0 {
		resp.SendingOps = sending
		resp.LiteralCount = packer.Len()
		info.literals = packer.Content()

		omitted, chains := packer.Omissions()
		if len(omitted) > 0 {
			proofs := make([]string, len(omitted))
			for i, hash := range omitted {
				lit, err := s.store.LoadLiteral(ctx, hash)
				if err != nil {
					return false, fmt.Errorf("omitted object %s: %w", short(hash), err)
				}
				if proofs[i], err = ir.OwnershipProof(req.OmissionProofsSecret, lit); err != nil {
					return false, err
				}
			}
			resp.OmittedObjs = omitted
			resp.OmittedObjsReferenceChains = chains
			resp.OmittedObjsOwnershipProofs = proofs
		}
	}

	info.response = resp
	return true, nil
}

// headerOp loads the header hash and checks its op. Unknown headers are
// valid and come back nil.
func (s *Server) headerOp(ctx context.Context, hash string) (*history.Header, bool, error) {
	h, err := s.store.LoadOpHeaderByHeaderHash(ctx, hash)
	if errors.Is(err, history.ErrHeaderNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	lit, ok, err := loadLiteral(ctx, s.store, h.OpHash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return h, false, nil
	}
	_, _, valid := s.val.validOp(lit)
	return h, valid, nil
}

func (s *Server) sendLiterals(ctx context.Context, info *responseInfo, n int) {
	id := info.request.RequestID
	for i := 0; i < n && info.next < len(info.literals); i++ {
		msg := &SendLiteral{RequestID: id, Sequence: info.next, Literal: info.literals[info.next]}
		if !s.send(info.remote, msg) {
			break
		}
		info.next++
		s.metrics.LiteralSent()
	}
	if info.complete() {
		s.logger.Debug("response streamed", "request_id", id, "peer", info.remote, "literals", len(info.literals))
		s.removeResponse(ctx, info)
	}
}

func (s *Server) reject(ctx context.Context, info *responseInfo, reason RejectReason, detail string) {
	s.logger.Debug("rejecting request", "request_id", info.request.RequestID, "peer", info.remote, "reason", reason, "detail", detail)
	s.metrics.RequestRejected(roleServer, reason)
	s.removeResponse(ctx, info)
	s.send(info.remote, &RejectRequest{RequestID: info.request.RequestID, Reason: reason, Detail: detail})
}

func (s *Server) removeResponse(ctx context.Context, info *responseInfo) {
	id := info.request.RequestID
	if s.responses[id] != info {
		return
	}
	delete(s.responses, id)
	if info.started {
		s.metrics.RequestDone(roleServer)
	}
	if s.current[info.remote] == id {
		delete(s.current, info.remote)
		s.attemptQueuedResponse(ctx, info.remote)
	}
}

// attemptQueuedResponse starts the oldest live request queued by remote.
// Ids of requests cancelled while queued are skipped.
func (s *Server) attemptQueuedResponse(ctx context.Context, remote Endpoint) {
	q, ok := s.queued[remote]
	if !ok {
		return
	}
	for q.Len() > 0 {
		v, _ := q.PopFront()
		info, ok := s.responses[v.(string)]
		if !ok {
			continue
		}
		if err := s.sendResponse(ctx, info); err != nil {
			s.logger.Warn("queued response failed", "request_id", info.request.RequestID, "error", err)
		}
		return
	}
	delete(s.queued, remote)
}

func (s *Server) queuedCount(remote Endpoint) int {
	n := 0
	for _, info := range s.responses {
		if info.remote == remote && s.current[remote] != info.request.RequestID {
			n++
		}
	}
	return n
}

func (s *Server) limiter(remote Endpoint) *rate.Limiter {
	l, ok := s.limiters[remote]
	if !ok {
		l = rate.NewLimiter(s.limits.RequestRate, s.limits.RequestBurst)
		s.limiters[remote] = l
	}
	return l
}

// ServerStatus summarizes a server's responses.
type ServerStatus struct {
	Responses int `json:"responses"`
	Streaming int `json:"streaming"`
	Queued    int `json:"queued"`
}

// Status returns the current response counts.
func (s *Server) Status() ServerStatus {
	st := ServerStatus{Responses: len(s.responses)}
	for _, info := range s.responses {
		if s.current[info.remote] == info.request.RequestID {
			st.Streaming++
		} else {
			st.Queued++
		}
	}
	return st
}

// bound caps a requested size, treating zero as unset.
func bound(requested, limit int) int {
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

func headerLiterals(f *history.Fragment) []history.Literal {
	if f.Len() == 0 {
		return nil
	}
	headers := make([]*history.Header, 0, f.Len())
	for _, h := range f.Contents {
		headers = append(headers, h)
	}
	slices.SortFunc(headers, func(a, b *history.Header) int {
		return cmp.Or(cmp.Compare(a.Height, b.Height), cmp.Compare(a.HeaderHash, b.HeaderHash))
	})
	out := make([]history.Literal, len(headers))
	for i, h := range headers {
		out[i] = h.Literal()
	}
	return out
}
