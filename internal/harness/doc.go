// Package harness runs multi-peer scenarios against real weft nodes.
//
// A scenario starts one node per peer on an in-process transport hub,
// replays a list of steps against them and checks assertions on the
// state every peer ends up with.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: revoke_during_partition
//	description: "A revoke made during a partition undoes concurrent adds"
//	peers: [alice, bob]
//	objects:
//	  - name: team
//	    class: capabilities
//	    id: team
//	    owner: alice
//	  - name: members
//	    class: causal-set
//	    id: members
//	    authority: { capabilities: team, capability: write }
//	steps:
//	  - peer: alice
//	    grant: { object: team, grantee: bob, capability: write }
//	  - settle: true
//	  - partition: [alice, bob]
//	  - peer: bob
//	    add: { object: members, value: carol }
//	  - peer: alice
//	    revoke: { object: team, grantee: bob, capability: write }
//	  - heal: [alice, bob]
//	  - settle: true
//	assertions:
//	  - type: members
//	    peer: alice
//	    object: members
//	    values: []
//	  - type: converged
//	    object: members
//
// Objects use the same fields as a node configuration. Every step either
// writes on one peer (grant, revoke, add, remove), changes the links
// between peers (partition, heal) or waits for the peers to converge
// (settle). A write step may carry expect_error, a substring the write's
// error must contain.
//
// # Assertion Types
//
//   - members: the element values of a causal set on one peer
//   - capability: whether a grantee holds a capability on one peer
//   - converged: every peer holds the same state of an object
//
// # Determinism
//
// Writes are made in step order and each write's cascade is settled
// before the next step runs. Peers are settled once more after the last
// step, so the outcome is a function of the steps as long as writes on
// peers that can reach each other are separated by a settle step.
// Request ids come from a testutil.SequenceGenerator per peer.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/two_peers.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
