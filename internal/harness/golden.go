package harness

import (
	"slices"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/ir"
)

// Outcome captures what a scenario run did and where every peer ended up.
// Hashes and op counts are left out: concurrent writes on peers that can
// reach each other may pick different prevs from run to run.
type Outcome struct {
	ScenarioName string
	Result       *Result
}

// toIR converts an Outcome to IR values for canonical JSON serialization.
// ir.MarshalCanonical only handles IR types.
func (o *Outcome) toIR() ir.IRObject {
	trace := make(ir.IRArray, len(o.Result.Trace))
	for i, ev := range o.Result.Trace {
		evObj := ir.IRObject{
			"seq":     ir.IRInt(ev.Seq),
			"action":  ir.IRString(ev.Action),
			"outcome": ir.IRString(ev.Outcome),
		}
		if ev.Peer != "" {
			evObj["peer"] = ir.IRString(ev.Peer)
		}
		if ev.Author != "" && ev.Author != ev.Peer {
			evObj["author"] = ir.IRString(ev.Author)
		}
		if len(ev.Args) > 0 {
			evObj["args"] = ir.StringMap(ev.Args)
		}
		if ev.Ops > 0 {
			evObj["ops"] = ir.IRInt(int64(ev.Ops))
		}
		trace[i] = evObj
	}

	peers := ir.IRObject{}
	for peer, objects := range o.Result.State {
		objs := ir.IRObject{}
		for name, snap := range objects {
			objObj := ir.IRObject{"class": ir.IRString(snap.Class)}
			if snap.Class == config.ClassCausalSet {
				objObj["members"] = ir.StringSet(snap.Values())
			}
			if len(snap.Grants) > 0 {
				grants := make([]ir.IRValue, 0, len(snap.Grants))
				for _, g := range snap.Grants {
					grants = append(grants, ir.IRObject{
						"grantee":    ir.IRString(g.Grantee),
						"capability": ir.IRString(g.Capability),
						"revoked":    ir.IRBool(g.Revoked),
					})
				}
				objObj["grants"] = sortedGrants(grants)
			}
			objs[name] = objObj
		}
		peers[peer] = objs
	}

	return ir.IRObject{
		"scenario": ir.IRString(o.ScenarioName),
		"pass":     ir.IRBool(o.Result.Pass),
		"trace":    trace,
		"peers":    peers,
	}
}

// sortedGrants orders grants by their canonical encoding so the snapshot
// does not depend on grant hashes.
func sortedGrants(grants []ir.IRValue) ir.IRArray {
	keyed := make([]keyedValue, len(grants))
	for i, g := range grants {
		keyed[i] = keyedValue{key: string(ir.MustMarshalCanonical(g)), v: g}
	}
	slices.SortFunc(keyed, func(a, b keyedValue) int { return strings.Compare(a.key, b.key) })
	out := make(ir.IRArray, len(keyed))
	for i, k := range keyed {
		out[i] = k.v
	}
	return out
}

type keyedValue struct {
	key string
	v   ir.IRValue
}

// MarshalOutcome renders the outcome of a run as canonical JSON.
func MarshalOutcome(scenarioName string, result *Result) ([]byte, error) {
	o := Outcome{ScenarioName: scenarioName, Result: result}
	return ir.MarshalCanonical(o.toIR())
}

// AssertGolden compares the outcome of a run against a golden file.
// The golden file is stored in testdata/golden/{scenarioName}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalOutcome(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
