package mesh

import (
	"context"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
)

// ingested is posted back to the coordinator for each op that passed
// validation, in sequence order, together with the dependencies streamed
// ahead of it. The coordinator saves them only if the request is still live.
type ingested struct {
	requestID string
	opHash    string
	objs      []op.Object
}

// ingestFailed is posted when a literal fails validation. The consumer
// stops after posting it.
type ingestFailed struct {
	requestID string
	err       *protocolError
}

// ingestion consumes the literals of one accepted response on its own
// goroutine. It reorders them by sequence number, verifies each hash,
// decodes through the registry and validates ops in the context of the
// response. It shares nothing with the coordinator: literals come in on
// a channel and results go out through post.
type ingestion struct {
	requestID  string
	count      int
	sendingOps []string

	val    validator
	store  LiteralSource
	post   func(any)
	logger *slog.Logger

	in        chan *SendLiteral
	available mapset.Set[string]
	pending   pendingLinks
	batch     []op.Object
}

func newIngestion(requestID string, resp *Response, val validator, s LiteralSource, proven mapset.Set[string], pending pendingLinks, post func(any), logger *slog.Logger) *ingestion {
	available := mapset.NewThreadUnsafeSet[string]()
	available.Append(proven.ToSlice()...)
	available.Add(val.target)
	return &ingestion{
		requestID:  requestID,
		count:      resp.LiteralCount,
		sendingOps: resp.SendingOps,
		val:        val,
		store:      s,
		post:       post,
		logger:     logger,
		in:         make(chan *SendLiteral, resp.LiteralCount),
		available:  available,
		pending:    pending,
	}
}

// run consumes until every literal is processed, a literal is rejected,
// or ctx is cancelled.
func (g *ingestion) run(ctx context.Context) {
	held := make(map[int]ir.Literal)
	next, nextOp := 0, 0
	for next < g.count {
		var msg *SendLiteral
		select {
		case <-ctx.Done():
			return
		case msg = <-g.in:
		}

		if _, dup := held[msg.Sequence]; dup || msg.Sequence < next || msg.Sequence >= g.count {
			g.fail(violation(CancelOutOfOrderLiteral, "literal %d outside [%d, %d)", msg.Sequence, next, g.count))
			return
		}
		held[msg.Sequence] = msg.Literal

		for {
			lit, ok := held[next]
			if !ok {
				break
			}
			delete(held, next)
			next++
			if err := g.process(ctx, lit, &nextOp); err != nil {
				g.fail(err)
				return
			}
		}
	}
	if nextOp < len(g.sendingOps) {
		g.fail(violation(CancelInvalidResponse, "response ended after %d of %d ops", nextOp, len(g.sendingOps)))
		return
	}
	if err := g.unresolvedLinks(); err != nil {
		g.fail(err)
	}
}

// unresolvedLinks fails when a reference chain still has a link whose
// source never arrived, so the link was never checked.
func (g *ingestion) unresolvedLinks() *protocolError {
	if len(g.pending) == 0 {
		return nil
	}
	from := sortedKeys(g.pending)[0]
	return violation(CancelInvalidOmittedObjs, "chain link %s -> %s unverified: %s was neither sent nor held",
		short(from), short(g.pending[from][0]), short(from))
}

func (g *ingestion) process(ctx context.Context, lit ir.Literal, nextOp *int) *protocolError {
	if !lit.ValidateHash() {
		return violation(CancelInvalidLiteral, "wrong hash for literal %s", short(lit.Hash))
	}
	obj, derived, err := g.val.registry.Decode(lit)
	if err != nil {
		return violation(CancelInvalidLiteral, "literal %s: %v", short(lit.Hash), err)
	}

	for _, to := range g.pending[lit.Hash] {
		if !derived.HasDependency(to) {
			return violation(CancelInvalidOmittedObjs, "%s does not depend on %s", short(lit.Hash), short(to))
		}
	}
	delete(g.pending, lit.Hash)

	isOp := *nextOp < len(g.sendingOps) && g.sendingOps[*nextOp] == lit.Hash
	if !isOp {
		g.available.Add(lit.Hash)
		g.batch = append(g.batch, obj)
		return nil
	}

	o, ok := obj.(*op.Op)
	if !ok || o.Target != g.val.target || !g.val.accepts(o.Class) {
		e := violation(CancelInvalidLiteral, "literal %s is not an op of %s", short(lit.Hash), short(g.val.target))
		e.op = lit.Hash
		return e
	}
	for _, dep := range derived.PackedDependencies() {
		if g.available.Contains(dep.Hash) {
			continue
		}
		_, held, err := loadLiteral(ctx, g.store, dep.Hash)
		if err != nil {
			return violation(CancelOther, "load %s: %v", short(dep.Hash), err)
		}
		if !held {
			e := violation(CancelInvalidLiteral, "op %s depends on %s, which was neither sent nor held", short(lit.Hash), short(dep.Hash))
			e.op = lit.Hash
			return e
		}
	}
	*nextOp++
	if *nextOp == len(g.sendingOps) {
		// Dependencies precede the ops that need them, so every chain
		// source has arrived by the last op.
		if err := g.unresolvedLinks(); err != nil {
			return err
		}
	}

	g.available.Add(lit.Hash)
	objs := append(g.batch, obj)
	g.batch = nil
	g.post(ingested{requestID: g.requestID, opHash: lit.Hash, objs: objs})
	return nil
}

func (g *ingestion) fail(err *protocolError) {
	g.logger.Debug("literal rejected", "request_id", g.requestID, "reason", err.reason, "detail", err.detail)
	g.post(ingestFailed{requestID: g.requestID, err: err})
}
