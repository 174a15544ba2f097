package harness

import (
	"github.com/roach88/tally/internal/ir"
)

// Trace event types.
const (
	EventStep     = "step"
	EventNotify   = "notify"
	EventDecision = "decision"
	EventAction   = "action"
)

// TraceEvent is one entry of a scenario trace. Which fields are set
// depends on Type.
type TraceEvent struct {
	Type string `json:"type"`

	// Step fields.
	Index  int    `json:"index,omitempty"`
	Step   string `json:"step,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Notify fields.
	Overall       ir.Provenance            `json:"overall,omitempty"`
	Values        map[string]ir.Value      `json:"values,omitempty"`
	Sources       map[string]ir.Provenance `json:"sources,omitempty"`
	Authoritative map[string]bool          `json:"authoritative,omitempty"`

	// Decision fields.
	Caller   ir.WriterID `json:"caller,omitempty"`
	Key      string      `json:"key,omitempty"`
	Accepted bool        `json:"accepted,omitempty"`
	Reason   string      `json:"reason,omitempty"`

	// Action fields. Accepted is shared with decisions.
	Kind  string   `json:"kind,omitempty"`
	Class string   `json:"class,omitempty"`
	Total ir.Value `json:"total"`
	Err   string   `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion and step expectation held.
	Pass bool `json:"pass"`

	// Trace lists steps, notifications, decisions and action results in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the arbiter's state after the last step.
	Final ir.StatsUpdate `json:"final"`

	// Log is the arbiter's write log after the last step.
	Log []ir.WriteAttempt `json:"log"`

	// Calls counts backend calls per operation.
	Calls map[string]int `json:"calls"`

	// Cached is the cache content after the last step.
	Cached map[string]int64 `json:"cached"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Calls:  make(map[string]int),
		Cached: make(map[string]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Notifications returns the notify events of the trace in order.
func (r *Result) Notifications() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventNotify {
			out = append(out, e)
		}
	}
	return out
}
