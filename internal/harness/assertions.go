package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/weft/internal/node"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, describeEvent(ev))
		}
	}
	return buf.String()
}

func describeEvent(ev TraceEvent) string {
	var b strings.Builder
	b.WriteString(ev.Action)
	if ev.Peer != "" {
		fmt.Fprintf(&b, " on %s", ev.Peer)
	}
	keys := make([]string, 0, len(ev.Args))
	for k := range ev.Args {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, ev.Args[k])
	}
	if ev.Outcome != "ok" {
		fmt.Fprintf(&b, " (%s)", ev.Outcome)
	}
	return b.String()
}

// assertMembers checks that the set holds exactly the expected values on
// the peer. Order does not matter.
func assertMembers(result *Result, a Assertion) error {
	snap := result.Snapshot(a.Peer, a.Object)
	if snap == nil {
		return missingSnapshot(result, a)
	}
	want := slices.Clone(a.Values)
	slices.Sort(want)
	got := snap.Values()
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertMembers,
		Expected: fmt.Sprintf("%s on %s holds %v", a.Object, a.Peer, want),
		Actual:   fmt.Sprintf("holds %v", got),
		Trace:    result.Trace,
	}
}

// assertCapability checks whether the grantee holds an unrevoked grant.
func assertCapability(result *Result, a Assertion) error {
	snap := result.Snapshot(a.Peer, a.Object)
	if snap == nil {
		return missingSnapshot(result, a)
	}
	held := false
	for _, g := range snap.Grants {
		if g.Grantee == a.Grantee && g.Capability == a.Capability && !g.Revoked {
			held = true
			break
		}
	}
	if held == *a.Held {
		return nil
	}
	verb := "holds"
	if !*a.Held {
		verb = "does not hold"
	}
	return &AssertionError{
		Type:     AssertCapability,
		Expected: fmt.Sprintf("%s %s %q in %s on %s", a.Grantee, verb, a.Capability, a.Object, a.Peer),
		Actual:   fmt.Sprintf("held=%t", held),
		Trace:    result.Trace,
	}
}

// assertConverged checks that every peer folded the same terminal ops
// and, for sets, the same members.
func assertConverged(result *Result, peers []string, a Assertion) error {
	var first *node.Snapshot
	var firstPeer string
	for _, peer := range peers {
		snap := result.Snapshot(peer, a.Object)
		if snap == nil {
			return missingSnapshot(result, Assertion{Type: a.Type, Peer: peer, Object: a.Object})
		}
		if first == nil {
			first, firstPeer = snap, peer
			continue
		}
		if !slices.Equal(first.TerminalOps, snap.TerminalOps) || !slices.Equal(first.Values(), snap.Values()) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s identical on every peer", a.Object),
				Actual: fmt.Sprintf("%s has %d terminal ops and members %v, %s has %d and %v",
					firstPeer, len(first.TerminalOps), first.Values(), peer, len(snap.TerminalOps), snap.Values()),
				Trace: result.Trace,
			}
		}
	}
	return nil
}

func missingSnapshot(result *Result, a Assertion) error {
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("state of %s on %s", a.Object, a.Peer),
		Actual:   "no snapshot",
		Trace:    result.Trace,
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	peers := make([]string, 0, len(result.State))
	for p := range result.State {
		peers = append(peers, p)
	}
	slices.Sort(peers)

	var errors []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertMembers:
			err = assertMembers(result, assertion)
		case AssertCapability:
			if assertion.Held == nil {
				err = fmt.Errorf("assertion[%d]: capability requires held", i)
			} else {
				err = assertCapability(result, assertion)
			}
		case AssertConverged:
			err = assertConverged(result, peers, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
