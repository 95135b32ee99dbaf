package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/weft/internal/config"
)

// Scenario is a multi-peer test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Peers names the nodes to start. Each holds every object.
	Peers []string `yaml:"peers"`

	// Objects are opened on every peer in order.
	Objects []config.Object `yaml:"objects"`

	// Sync overrides the harness' sync limits.
	Sync config.Sync `yaml:"sync,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked once every step has run and the peers have
	// settled.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one of the action fields is set.
type Step struct {
	// Peer is where a write step runs.
	Peer string `yaml:"peer,omitempty"`

	// Author signs the write. Defaults to Peer.
	Author string `yaml:"author,omitempty"`

	Grant  *CapabilityArgs `yaml:"grant,omitempty"`
	Revoke *CapabilityArgs `yaml:"revoke,omitempty"`
	Add    *ElementArgs    `yaml:"add,omitempty"`
	Remove *ElementArgs    `yaml:"remove,omitempty"`

	// Partition cuts every link between the listed peers.
	Partition []string `yaml:"partition,omitempty"`

	// Heal restores every link between the listed peers.
	Heal []string `yaml:"heal,omitempty"`

	// Settle waits until every group of peers that can reach each other
	// holds the same state.
	Settle bool `yaml:"settle,omitempty"`

	// ExpectError makes a write step pass only if it fails with an error
	// containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// CapabilityArgs are the arguments of grant and revoke steps.
type CapabilityArgs struct {
	Object     string `yaml:"object"`
	Grantee    string `yaml:"grantee"`
	Capability string `yaml:"capability"`
}

// ElementArgs are the arguments of add and remove steps.
type ElementArgs struct {
	Object string `yaml:"object"`
	Value  string `yaml:"value"`
}

// Step actions.
const (
	ActionGrant     = "grant"
	ActionRevoke    = "revoke"
	ActionAdd       = "add"
	ActionRemove    = "remove"
	ActionPartition = "partition"
	ActionHeal      = "heal"
	ActionSettle    = "settle"
)

// Action returns the step's action, or "" when none or several are set.
func (s *Step) Action() string {
	var actions []string
	if s.Grant != nil {
		actions = append(actions, ActionGrant)
	}
	if s.Revoke != nil {
		actions = append(actions, ActionRevoke)
	}
	if s.Add != nil {
		actions = append(actions, ActionAdd)
	}
	if s.Remove != nil {
		actions = append(actions, ActionRemove)
	}
	if s.Partition != nil {
		actions = append(actions, ActionPartition)
	}
	if s.Heal != nil {
		actions = append(actions, ActionHeal)
	}
	if s.Settle {
		actions = append(actions, ActionSettle)
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// isWrite reports whether the step writes on a peer.
func (s *Step) isWrite() bool {
	switch s.Action() {
	case ActionGrant, ActionRevoke, ActionAdd, ActionRemove:
		return true
	}
	return false
}

// Assertion checks the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "members": Values equals the set's member values on Peer
	// - "capability": Grantee holds Capability on Peer iff Held
	// - "converged": every peer holds the same state of Object
	Type string `yaml:"type"`

	Peer   string `yaml:"peer,omitempty"`
	Object string `yaml:"object"`

	// Values are the expected member values, in any order (members).
	Values []string `yaml:"values,omitempty"`

	// Grantee, Capability and Held are used by capability.
	Grantee    string `yaml:"grantee,omitempty"`
	Capability string `yaml:"capability,omitempty"`
	Held       *bool  `yaml:"held,omitempty"`
}

// Assertion type constants.
const (
	AssertMembers    = "members"
	AssertCapability = "capability"
	AssertConverged  = "converged"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	if len(s.Objects) == 0 {
		return fmt.Errorf("objects list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	peers := make(map[string]bool)
	for i, p := range s.Peers {
		if p == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		if peers[p] {
			return fmt.Errorf("peers[%d]: duplicate peer %q", i, p)
		}
		peers[p] = true
	}

	// The objects must make a valid node configuration.
	probe := config.Config{Name: s.Peers[0], Objects: s.Objects}
	probe.ApplyDefaults()
	if err := probe.Validate(); err != nil {
		return err
	}
	classOf := make(map[string]string)
	for _, o := range s.Objects {
		classOf[o.Name] = o.Class
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], peers, classOf); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], peers, classOf); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step, peers map[string]bool, classOf map[string]string) error {
	action := step.Action()
	if action == "" {
		return fmt.Errorf("steps[%d]: exactly one action is required", index)
	}
	if !step.isWrite() {
		if step.Peer != "" || step.Author != "" || step.ExpectError != "" {
			return fmt.Errorf("steps[%d]: %s takes no peer, author or expect_error", index, action)
		}
	}

	switch action {
	case ActionGrant, ActionRevoke:
		args := step.Grant
		if args == nil {
			args = step.Revoke
		}
		if args.Grantee == "" || args.Capability == "" {
			return fmt.Errorf("steps[%d]: %s needs grantee and capability", index, action)
		}
		return checkWriteTarget(index, action, step.Peer, args.Object, config.ClassCapabilities, peers, classOf)
	case ActionAdd, ActionRemove:
		args := step.Add
		if args == nil {
			args = step.Remove
		}
		if args.Value == "" {
			return fmt.Errorf("steps[%d]: %s needs a value", index, action)
		}
		return checkWriteTarget(index, action, step.Peer, args.Object, config.ClassCausalSet, peers, classOf)
	case ActionPartition, ActionHeal:
		names := step.Partition
		if action == ActionHeal {
			names = step.Heal
		}
		if len(names) < 2 {
			return fmt.Errorf("steps[%d]: %s needs at least two peers", index, action)
		}
		for _, p := range names {
			if !peers[p] {
				return fmt.Errorf("steps[%d]: unknown peer %q", index, p)
			}
		}
	}
	return nil
}

func checkWriteTarget(index int, action, peer, object, class string, peers map[string]bool, classOf map[string]string) error {
	if !peers[peer] {
		return fmt.Errorf("steps[%d]: %s needs a known peer, got %q", index, action, peer)
	}
	got, ok := classOf[object]
	if !ok {
		return fmt.Errorf("steps[%d]: unknown object %q", index, object)
	}
	if got != class {
		return fmt.Errorf("steps[%d]: %s needs a %s object, %q is a %s", index, action, class, object, got)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, peers map[string]bool, classOf map[string]string) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	class, ok := classOf[a.Object]
	if !ok {
		return fmt.Errorf("assertions[%d]: unknown object %q", index, a.Object)
	}

	switch a.Type {
	case AssertMembers:
		if !peers[a.Peer] {
			return fmt.Errorf("assertions[%d]: members needs a known peer, got %q", index, a.Peer)
		}
		if class != config.ClassCausalSet {
			return fmt.Errorf("assertions[%d]: members needs a causal set, %q is a %s", index, a.Object, class)
		}
	case AssertCapability:
		if !peers[a.Peer] {
			return fmt.Errorf("assertions[%d]: capability needs a known peer, got %q", index, a.Peer)
		}
		if class != config.ClassCapabilities {
			return fmt.Errorf("assertions[%d]: capability needs a capabilities object, %q is a %s", index, a.Object, class)
		}
		if a.Grantee == "" || a.Capability == "" || a.Held == nil {
			return fmt.Errorf("assertions[%d]: capability needs grantee, capability and held", index)
		}
	case AssertConverged:
		if a.Peer != "" {
			return fmt.Errorf("assertions[%d]: converged applies to every peer", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
