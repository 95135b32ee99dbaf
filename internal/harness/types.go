package harness

import "github.com/roach88/weft/internal/node"

// TraceEvent records one step as it ran.
type TraceEvent struct {
	Seq    int64             `json:"seq"`
	Action string            `json:"action"`
	Peer   string            `json:"peer,omitempty"`
	Author string            `json:"author,omitempty"`
	Args   map[string]string `json:"args,omitempty"`
	// Outcome is "ok" or the error a write failed with.
	Outcome string `json:"outcome"`
	// Ops counts the ops a write produced before its cascade.
	Ops int `json:"ops,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step met its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final snapshot of every object, by peer then by
	// object name.
	State map[string]map[string]*node.Snapshot `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]map[string]*node.Snapshot),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Snapshot returns the final state of object on peer, or nil.
func (r *Result) Snapshot(peer, object string) *node.Snapshot {
	return r.State[peer][object]
}
