// Package ir provides the value model and content addressing used by every
// replicated record in weft.
//
// Everything that is stored or exchanged between peers (operations, data
// objects, history headers) is reduced to an IRObject and serialized with
// MarshalCanonical before hashing. Two peers that build the same record
// therefore agree on its hash without coordination.
//
// Key design constraints:
//   - NO floats and NO null anywhere in hashed values
//   - Object keys are ordered by UTF-16 code units (RFC 8785)
//   - Strings are NFC normalized at the serialization boundary
//   - Hashes are domain separated: SHA256(domain || 0x00 || canonical)
//
// ir imports nothing internal.
package ir
