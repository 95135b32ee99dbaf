package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
	"github.com/roach88/weft/internal/testutil"
)

const peerA Endpoint = "peer-a"

// pullerFixture is a puller over an empty local store, facing a peer that
// holds a chain of three ops.
type pullerFixture struct {
	t      *testing.T
	reg    *op.Registry
	local  *store.Store
	remote *store.Store
	target string
	ops    []*op.Op
	clock  *testutil.Clock
	rec    *recorder
	posts  *posts
	puller *Puller
}

func newPullerFixture(t *testing.T) *pullerFixture {
	t.Helper()
	reg := testRegistry(t)
	f := &pullerFixture{
		t:      t,
		reg:    reg,
		local:  createTestStore(t, reg),
		remote: createTestStore(t, reg),
		clock:  testutil.NewClock(),
		rec:    &recorder{},
		posts:  &posts{},
	}
	desc := testDescriptor("doc")
	f.target = desc.MustHash()
	f.ops = chain(f.target, 3)
	saveAll(t, f.local, desc)
	saveAll(t, f.remote, desc)
	saveAll(t, f.remote, opObjects(f.ops)...)

	cfg := testSettings(f.clock, "req-1", "req-2", "req-3", "req-4")
	f.puller = newPuller(f.target, f.local, testValidator(f.target, reg), f.rec.send, f.posts.post, cfg)
	t.Cleanup(f.puller.Close)
	return f
}

func (f *pullerFixture) header(i int) *history.Header {
	return headerOf(f.t, f.remote, f.ops[i])
}

func (f *pullerFixture) announceTip(ctx context.Context) {
	f.t.Helper()
	require.NoError(f.t, f.puller.OnNewHistory(ctx, peerA, []*history.Header{f.header(2)}))
}

func (f *pullerFixture) requests() []*Request {
	return messagesOf[*Request](f.rec.take())
}

// deliver sends lits as the literals of requestID and feeds every
// ingestion result back to the puller.
func (f *pullerFixture) deliver(ctx context.Context, requestID string, ops ...*op.Op) {
	f.t.Helper()
	for i, o := range ops {
		f.puller.OnLiteral(peerA, &SendLiteral{RequestID: requestID, Sequence: i, Literal: literalOf(f.t, o)})
	}
	require.Eventually(f.t, func() bool { return f.posts.len() >= len(ops) }, 5*time.Second, 5*time.Millisecond)
	for _, item := range f.posts.take() {
		ev, ok := item.(ingested)
		require.True(f.t, ok, "got %T", item)
		require.NoError(f.t, f.puller.onIngested(ctx, ev))
	}
}

func (f *pullerFixture) assertNoRequestState() {
	f.t.Helper()
	p := f.puller
	assert.Empty(f.t, p.requests, "requests")
	assert.Empty(f.t, p.requestsForOp, "requestsForOp")
	assert.Empty(f.t, p.requestsForOpHistory, "requestsForOpHistory")
	assert.Empty(f.t, p.activeRequests, "activeRequests")
	assert.Empty(f.t, p.blockedBy, "blockedBy")
	assert.Equal(f.t, 0, p.requestedOps.Len(), "requestedOps")
}

func TestPuller_RequestsMissingHistory(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)

	reqs := f.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, f.target, req.MutableObj)
	assert.Equal(t, ModeInferReqOps, req.Mode)
	assert.Equal(t, []string{f.header(1).HeaderHash}, req.RequestedTerminalOpHistory)
	assert.Empty(t, req.RequestedOps)
	assert.NotEmpty(t, req.OmissionProofsSecret)

	st := f.puller.Status()
	assert.Equal(t, 1, st.Discovered)
	assert.Equal(t, 1, st.Requests)
	assert.Equal(t, 1, st.Peers)
	assert.Contains(t, f.puller.Diagnostic(), "request req-1 to peer-a: sent")
}

func TestPuller_IgnoresHeldHistory(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)
	saveAll(t, f.local, opObjects(f.ops)...)

	f.announceTip(ctx)

	assert.Empty(t, f.requests())
	assert.Equal(t, 0, f.puller.Status().Discovered)
}

func TestPuller_FetchesHistoryThenOps(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	require.Len(t, f.requests(), 1)

	// The server answers with the requested history and infers the two
	// ops that follow from an empty state.
	resp := &Response{
		RequestID:    "req-1",
		History:      []history.Literal{f.header(1).Literal(), f.header(0).Literal()},
		SendingOps:   []string{f.ops[0].MustHash(), f.ops[1].MustHash()},
		LiteralCount: 2,
	}
	require.NoError(t, f.puller.OnResponse(ctx, peerA, resp))
	f.deliver(ctx, "req-1", f.ops[0], f.ops[1])

	for _, o := range f.ops[:2] {
		_, err := f.local.LoadOp(ctx, o.MustHash())
		require.NoError(t, err)
	}

	// With the history in place only the tip is left, asked for by op.
	reqs := f.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-2", reqs[0].RequestID)
	assert.Equal(t, []string{f.ops[2].MustHash()}, reqs[0].RequestedOps)
	assert.Empty(t, reqs[0].RequestedTerminalOpHistory)
	assert.Equal(t, []string{f.header(1).HeaderHash}, reqs[0].CurrentState)

	require.NoError(t, f.puller.OnResponse(ctx, peerA, &Response{
		RequestID:    "req-2",
		SendingOps:   []string{f.ops[2].MustHash()},
		LiteralCount: 1,
	}))
	f.deliver(ctx, "req-2", f.ops[2])

	h, err := f.local.LoadOpHeader(ctx, f.ops[2].MustHash())
	require.NoError(t, err)
	assert.Equal(t, f.header(2).HeaderHash, h.HeaderHash)

	assert.Equal(t, 0, f.puller.Status().Discovered)
	f.assertNoRequestState()
	assert.Empty(t, f.requests())
}

func TestPuller_TimeoutReleasesRequest(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	f.rec.take()

	f.clock.Advance(f.puller.limits.RequestTimeout + time.Second)
	require.NoError(t, f.puller.Sweep(ctx))

	msgs := f.rec.take()
	cancels := messagesOf[*CancelRequest](msgs)
	require.Len(t, cancels, 1)
	assert.Equal(t, "req-1", cancels[0].RequestID)
	assert.Equal(t, CancelSlowConnection, cancels[0].Reason)

	// The sweep plans again; only the new request holds bookkeeping.
	reqs := messagesOf[*Request](msgs)
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-2", reqs[0].RequestID)
	assert.Equal(t, []string{"req-2"}, sortedKeys(f.puller.requests))
	assert.Equal(t, []string{"req-2"}, f.puller.requestsForOpHistory.get(f.header(1).HeaderHash))
	assert.Equal(t, []string{"req-2"}, f.puller.activeRequests.get(string(peerA)))

	// A late response to the cancelled request is ignored.
	require.NoError(t, f.puller.OnResponse(ctx, peerA, &Response{RequestID: "req-1"}))
	assert.Contains(t, f.puller.requests, "req-2")
}

func TestPuller_TooBusyBacksOff(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	f.rec.take()

	require.NoError(t, f.puller.OnReject(ctx, peerA, &RejectRequest{RequestID: "req-1", Reason: RejectTooBusy}))
	assert.Empty(t, f.requests())
	f.assertNoRequestState()
	assert.Equal(t, 1, f.puller.Status().Discovered)

	f.clock.Advance(f.puller.limits.SweepInterval)
	require.NoError(t, f.puller.Sweep(ctx))
	reqs := f.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-2", reqs[0].RequestID)
}

func TestPuller_InvalidResponseCancels(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	f.rec.take()

	// The tip was neither requested nor covered by returned history.
	resp := &Response{RequestID: "req-1", SendingOps: []string{f.ops[2].MustHash()}, LiteralCount: 1}
	require.NoError(t, f.puller.OnResponse(ctx, peerA, resp))

	cancels := messagesOf[*CancelRequest](f.rec.take())
	require.Len(t, cancels, 1)
	assert.Equal(t, CancelInvalidResponse, cancels[0].Reason)
	f.assertNoRequestState()
}

func TestPuller_RejectsResponseHistory(t *testing.T) {
	// A root header for an op whose real header has a prev.
	rootedAt := func(f *pullerFixture, i int) *history.Header {
		h, err := history.NewHeader(f.ops[i].MustHash(), nil, nil)
		require.NoError(f.t, err)
		return h
	}

	tests := []struct {
		name   string
		detail string
		setup  func(f *pullerFixture, req *Request) *Response
	}{
		{
			name:   "two headers for one op",
			detail: "more than one header",
			setup: func(f *pullerFixture, _ *Request) *Response {
				return &Response{RequestID: "req-1", History: []history.Literal{
					f.header(1).Literal(), f.header(0).Literal(), rootedAt(f, 1).Literal(),
				}}
			},
		},
		{
			name:   "unrequested terminal header",
			detail: "was not requested",
			setup: func(f *pullerFixture, _ *Request) *Response {
				return &Response{RequestID: "req-1", History: []history.Literal{
					f.header(2).Literal(), f.header(1).Literal(), f.header(0).Literal(),
				}}
			},
		},
		{
			name:   "header declared as known",
			detail: "declared as known",
			setup: func(f *pullerFixture, req *Request) *Response {
				req.RequestedStartingOpHistory = []string{f.header(0).HeaderHash}
				return &Response{RequestID: "req-1", History: []history.Literal{
					f.header(1).Literal(), f.header(0).Literal(),
				}}
			},
		},
		{
			name:   "header differs from stored one",
			detail: "does not match stored header",
			setup: func(f *pullerFixture, req *Request) *Response {
				saveAll(f.t, f.local, opObjects(f.ops[:2])...)
				forged := rootedAt(f, 1)
				req.RequestedTerminalOpHistory = append(req.RequestedTerminalOpHistory, forged.HeaderHash)
				return &Response{RequestID: "req-1", History: []history.Literal{forged.Literal()}}
			},
		},
		{
			name:   "extra op when only requested ops are allowed",
			detail: "beyond the requested ones",
			setup: func(f *pullerFixture, req *Request) *Response {
				req.Mode = ModeAsRequested
				return &Response{
					RequestID:    "req-1",
					History:      []history.Literal{f.header(1).Literal(), f.header(0).Literal()},
					SendingOps:   []string{f.ops[0].MustHash()},
					LiteralCount: 1,
				}
			},
		},
		{
			name:   "inferred op depends on unknown header",
			detail: "neither held, declared, nor sent",
			setup: func(f *pullerFixture, _ *Request) *Response {
				return &Response{
					RequestID:    "req-1",
					History:      []history.Literal{f.header(1).Literal()},
					SendingOps:   []string{f.ops[1].MustHash()},
					LiteralCount: 1,
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newPullerFixture(t)

			f.announceTip(ctx)
			f.rec.take()

			resp := tt.setup(f, f.puller.requests["req-1"].request)
			require.NoError(t, f.puller.OnResponse(ctx, peerA, resp))

			cancels := messagesOf[*CancelRequest](f.rec.take())
			require.Len(t, cancels, 1)
			assert.Equal(t, CancelInvalidResponse, cancels[0].Reason)
			assert.Contains(t, cancels[0].Detail, tt.detail)
			f.assertNoRequestState()
		})
	}
}

func TestPuller_ResponseFromWrongPeerIgnored(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	f.rec.take()

	require.NoError(t, f.puller.OnResponse(ctx, "peer-b", &Response{RequestID: "req-1"}))
	assert.Equal(t, statusSent, f.puller.requests["req-1"].status)
	assert.Empty(t, f.rec.take())
}

func TestPuller_BlockedResponseWaitsForDeclaredState(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	f.rec.take()

	// Pretend the request declared the tip as about to be held.
	tip := f.header(2).HeaderHash
	f.puller.requests["req-1"].request.CurrentState = []string{tip}

	require.NoError(t, f.puller.OnResponse(ctx, peerA, &Response{RequestID: "req-1"}))
	assert.Equal(t, 1, f.puller.Status().Blocked)
	assert.Equal(t, []string{"req-1"}, f.puller.blockedBy.get(tip))

	saveAll(t, f.local, opObjects(f.ops)...)
	f.puller.OnNewLocalOp(ctx, headerOf(t, f.local, f.ops[2]))

	assert.Equal(t, 0, f.puller.Status().Blocked)
	f.assertNoRequestState()
}

func TestPuller_BlockedResponseTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	f.rec.take()

	f.puller.requests["req-1"].request.CurrentState = []string{f.header(2).HeaderHash}
	require.NoError(t, f.puller.OnResponse(ctx, peerA, &Response{RequestID: "req-1"}))
	require.Equal(t, 1, f.puller.Status().Blocked)

	f.clock.Advance(f.puller.limits.RequestTimeout + time.Second)
	require.NoError(t, f.puller.Sweep(ctx))

	cancels := messagesOf[*CancelRequest](f.rec.take())
	require.Len(t, cancels, 1)
	assert.Equal(t, "req-1", cancels[0].RequestID)
	assert.Equal(t, CancelOther, cancels[0].Reason)
	assert.Empty(t, f.puller.blockedBy)
}

func TestPuller_DropPeerReleasesEverything(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)

	f.announceTip(ctx)
	f.rec.take()

	require.NoError(t, f.puller.DropPeer(ctx, peerA))
	f.assertNoRequestState()
	assert.Equal(t, 0, f.puller.Status().Peers)
	assert.Empty(t, f.requests())
}

func TestPuller_UnsentRequestLeavesNoState(t *testing.T) {
	ctx := context.Background()
	f := newPullerFixture(t)
	f.rec.fail = true

	f.announceTip(ctx)
	f.assertNoRequestState()
	assert.Equal(t, 1, f.puller.Status().Discovered)
}
