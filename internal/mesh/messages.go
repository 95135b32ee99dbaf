package mesh

import (
	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/ir"
)

// Endpoint names a peer on the transport.
type Endpoint string

// MessageType discriminates sync messages on the wire.
type MessageType string

const (
	TypeRequest       MessageType = "request"
	TypeResponse      MessageType = "response"
	TypeRejectRequest MessageType = "reject-request"
	TypeSendLiteral   MessageType = "send-literal"
	TypeCancelRequest MessageType = "cancel-request"
	TypeSendState     MessageType = "send-state"
	TypeRequestState  MessageType = "request-state"
)

// Message is any sync message exchanged between two coordinators.
type Message interface {
	Type() MessageType
}

// Mode says whether a server may send ops beyond the requested ones.
type Mode string

const (
	// ModeAsRequested limits the response to the requested ops.
	ModeAsRequested Mode = "as-requested"

	// ModeInferReqOps lets the server add ops that follow causally from the
	// requester's current state within the history it returns.
	ModeInferReqOps Mode = "infer-req-ops"
)

// RejectReason is sent by a server that will not answer a request.
type RejectReason string

const (
	RejectTooBusy        RejectReason = "too-busy"
	RejectInvalidRequest RejectReason = "invalid-request"
)

// CancelReason is sent by a requester that abandons a request.
type CancelReason string

const (
	CancelInvalidResponse    CancelReason = "invalid-response"
	CancelInvalidLiteral     CancelReason = "invalid-literal"
	CancelOutOfOrderLiteral  CancelReason = "out-of-order-literal"
	CancelInvalidOmittedObjs CancelReason = "invalid-omitted-objs"
	CancelSlowConnection     CancelReason = "slow-connection"
	CancelOther              CancelReason = "other"
)

// Request asks a peer for history headers, ops, or both.
//
// Header fields hold header hashes; RequestedOps holds op hashes. Zero
// MaxHistory and MaxLiterals leave the bound to the server.
type Request struct {
	RequestID  string `cbor:"requestId" json:"requestId"`
	MutableObj string `cbor:"mutableObj" json:"mutableObj"`
	Mode       Mode   `cbor:"mode" json:"mode"`

	RequestedTerminalOpHistory []string `cbor:"requestedTerminalOpHistory,omitempty" json:"requestedTerminalOpHistory,omitempty"`
	RequestedStartingOpHistory []string `cbor:"requestedStartingOpHistory,omitempty" json:"requestedStartingOpHistory,omitempty"`
	RequestedOps               []string `cbor:"requestedOps,omitempty" json:"requestedOps,omitempty"`
	CurrentState               []string `cbor:"currentState,omitempty" json:"currentState,omitempty"`

	OmissionProofsSecret string `cbor:"omissionProofsSecret,omitempty" json:"omissionProofsSecret,omitempty"`
	MaxHistory           int    `cbor:"maxHistory,omitempty" json:"maxHistory,omitempty"`
	MaxLiterals          int    `cbor:"maxLiterals,omitempty" json:"maxLiterals,omitempty"`
}

// Response announces what a server will stream for a request.
//
// The literals follow as LiteralCount SendLiteral messages, dependencies
// first. SendingOps lists the ops among them in the order they arrive.
// Each omitted object comes with the reference chain that leads to it from
// a sent op and a keyed proof that the server holds it.
type Response struct {
	RequestID string            `cbor:"requestId" json:"requestId"`
	History   []history.Literal `cbor:"history,omitempty" json:"history,omitempty"`

	SendingOps                 []string   `cbor:"sendingOps,omitempty" json:"sendingOps,omitempty"`
	OmittedObjs                []string   `cbor:"omittedObjs,omitempty" json:"omittedObjs,omitempty"`
	OmittedObjsReferenceChains [][]string `cbor:"omittedObjsReferenceChains,omitempty" json:"omittedObjsReferenceChains,omitempty"`
	OmittedObjsOwnershipProofs []string   `cbor:"omittedObjsOwnershipProofs,omitempty" json:"omittedObjsOwnershipProofs,omitempty"`

	LiteralCount int `cbor:"literalCount" json:"literalCount"`
}

// SendLiteral carries one literal of a response.
type SendLiteral struct {
	RequestID string     `cbor:"requestId" json:"requestId"`
	Sequence  int        `cbor:"sequence" json:"sequence"`
	Literal   ir.Literal `cbor:"literal" json:"literal"`
}

// RejectRequest tells a requester its request will not be answered.
type RejectRequest struct {
	RequestID string       `cbor:"requestId" json:"requestId"`
	Reason    RejectReason `cbor:"reason" json:"reason"`
	Detail    string       `cbor:"detail" json:"detail"`
}

// CancelRequest tells a server to stop answering a request.
type CancelRequest struct {
	RequestID string       `cbor:"requestId" json:"requestId"`
	Reason    CancelReason `cbor:"reason" json:"reason"`
	Detail    string       `cbor:"detail" json:"detail"`
}

// SendState announces the sender's terminal headers for an object.
type SendState struct {
	State *State `cbor:"state" json:"state"`
}

// RequestState asks a peer to announce its state.
type RequestState struct{}

func (*Request) Type() MessageType       { return TypeRequest }
func (*Response) Type() MessageType      { return TypeResponse }
func (*SendLiteral) Type() MessageType   { return TypeSendLiteral }
func (*RejectRequest) Type() MessageType { return TypeRejectRequest }
func (*CancelRequest) Type() MessageType { return TypeCancelRequest }
func (*SendState) Type() MessageType     { return TypeSendState }
func (*RequestState) Type() MessageType  { return TypeRequestState }

// NewMessage returns an empty message of type t, for decoders.
func NewMessage(t MessageType) (Message, bool) {
	switch t {
	case TypeRequest:
		return &Request{}, true
	case TypeResponse:
		return &Response{}, true
	case TypeSendLiteral:
		return &SendLiteral{}, true
	case TypeRejectRequest:
		return &RejectRequest{}, true
	case TypeCancelRequest:
		return &CancelRequest{}, true
	case TypeSendState:
		return &SendState{}, true
	case TypeRequestState:
		return &RequestState{}, true
	}
	return nil, false
}

// AgentID is the agent id under which the coordinators of target talk.
func AgentID(target string) string {
	return "weft/sync/" + target
}
