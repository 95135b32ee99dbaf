// Package types holds the replicated data types bundled with weft.
//
// Each type is an engine.Model together with the typed API that writes its
// ops:
//
//   - Capabilities: grants of named capabilities to authors. Revoking a
//     grant is an invalidate-after op, so uses the revoker had not seen are
//     undone, along with everything that depended on them.
//   - CausalSet: a set whose adds and deletes may require a capability,
//     and whose memberships can be attested for use as causal
//     dependencies by other objects.
//
// Register adds every class decoder to an op.Registry; Open opens a
// replica by descriptor class.
package types
