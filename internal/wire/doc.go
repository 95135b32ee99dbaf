// Package wire frames mesh messages for byte transports.
//
// A frame is a deterministic CBOR map holding the message type, the agent
// the message is addressed to, and the message itself as an embedded CBOR
// value. Literals inside messages travel as opaque byte strings (their
// canonical JSON form), so their hashes survive the trip unchanged.
//
// Decode never trusts a frame: unknown types, oversized frames and
// malformed payloads are errors, and the caller drops the frame.
package wire
