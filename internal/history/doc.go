// Package history holds the header DAG used to reason about an object's
// causal history without the op bodies.
//
// A Header stands in for one op and links to the headers of its prevs.
// A Fragment is a partial DAG of headers with its terminal and missing
// prev sets kept up to date on every Add and Remove. A Delta computes the
// headers a peer needs to close the gap between two frontiers.
package history
