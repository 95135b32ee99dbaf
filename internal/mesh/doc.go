// Package mesh synchronizes the history of replicated objects between
// peers.
//
// A Coordinator runs per object. Peers announce their state (the terminal
// op headers); headers the local store lacks are handed to the Puller,
// which requests the missing history and ops. The Server answers the
// requests other peers send.
//
// PROTOCOL:
//
// A Request names header hashes to fetch history for, op hashes to fetch,
// and the headers the requester already holds. The Response carries the
// history and announces the ops that follow, together with their packed
// dependencies, as a numbered stream of SendLiteral messages. Objects the
// requester provably holds are omitted; each omission carries a reference
// chain from a sent op and a keyed ownership proof, so a server cannot
// make the requester accept an object without showing it holds it.
//
// Either side may end a request early: the server with RejectRequest, the
// requester with CancelRequest. Both carry a reason code.
//
// CONCURRENCY:
//
// The coordinator owns all bookkeeping and processes one inbox item at a
// time. The literals of an accepted response are consumed on a separate
// goroutine per request, which reorders, hashes, decodes and validates
// them and posts the results back to the inbox. Validated ops are stored
// by the coordinator only while their request is live; cancelling a
// request stops its consumer.
//
// LIMITS:
//
// Limits bounds requests per peer, pending ops, response sizes and
// timeouts. A peer that sends requests too fast is rejected as too busy.
package mesh
