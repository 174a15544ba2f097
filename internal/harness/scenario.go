package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tally/internal/backend/memory"
)

// Scenario describes one end-to-end run of the engine against a simulated
// backend.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy is an optional CUE policy file, relative to the scenario file.
	// The built-in default policy is used when empty.
	Policy string `yaml:"policy,omitempty"`

	// Optimistic enables optimistic display of explicit increments.
	Optimistic bool `yaml:"optimistic,omitempty"`

	// Server seeds the simulated backend's totals.
	Server map[string]int64 `yaml:"server,omitempty"`

	// Cache seeds the cache before the first step.
	Cache map[string]int64 `yaml:"cache,omitempty"`

	// Scripts shape backend responses from the start, keyed by operation
	// (live-metrics, remote-call, fallback-table, increment).
	Scripts map[string]ScriptSpec `yaml:"scripts,omitempty"`

	// Flow is executed in order. Each step sets exactly one field.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// ScriptSpec is the YAML form of memory.Script.
type ScriptSpec struct {
	Delay  string           `yaml:"delay,omitempty"`
	Fail   bool             `yaml:"fail,omitempty"`
	Hang   bool             `yaml:"hang,omitempty"`
	Values map[string]int64 `yaml:"values,omitempty"`
}

// Script converts s, which must have been validated.
func (s ScriptSpec) Script() memory.Script {
	var d time.Duration
	if s.Delay != "" {
		d, _ = time.ParseDuration(s.Delay)
	}
	return memory.Script{Delay: d, Fail: s.Fail, Hang: s.Hang, Values: s.Values}
}

// Step is one flow step.
type Step struct {
	// Bootstrap starts a new page view.
	Bootstrap *BootstrapStep `yaml:"bootstrap,omitempty"`

	// Resolve runs a resolution pass under the current view.
	Resolve *ResolveStep `yaml:"resolve,omitempty"`

	// ServerWrite simulates a server-side trigger for an action kind.
	ServerWrite string `yaml:"server_write,omitempty"`

	// Action records a user action.
	Action *ActionStep `yaml:"action,omitempty"`

	// Propose submits a value on behalf of a writer.
	Propose *ProposeStep `yaml:"propose,omitempty"`

	// Script reshapes one backend operation mid-flow.
	Script *ScriptStep `yaml:"script,omitempty"`
}

// BootstrapStep has no options; it exists so the step reads as a mapping.
type BootstrapStep struct{}

// ResolveStep configures a resolution pass.
type ResolveStep struct {
	BypassCache bool `yaml:"bypass_cache,omitempty"`
}

// ActionStep records a user action.
type ActionStep struct {
	Kind     string            `yaml:"kind"`
	Metadata map[string]string `yaml:"metadata,omitempty"`

	// ExpectError is the expected increment error code; empty means success.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// ProposeStep submits a value through the arbiter.
type ProposeStep struct {
	Caller string `yaml:"caller"`
	Key    string `yaml:"key"`
	Value  int64  `yaml:"value"`

	// View is "previous" to stamp the proposal with the page view before
	// the current one, "current" for the current view, or empty for none.
	View string `yaml:"view,omitempty"`
}

// ScriptStep reshapes one backend operation.
type ScriptStep struct {
	Op         string `yaml:"op"`
	ScriptSpec `yaml:",inline"`
}

// Assertion validates the final state or the trace.
type Assertion struct {
	Type string `yaml:"type"`

	// Key names the counter (final_value, final_source, authoritative, cached).
	Key string `yaml:"key,omitempty"`

	// Value is the expected number (final_value, cached).
	Value *int64 `yaml:"value,omitempty"`

	// Null expects the counter to be unresolved (final_value) or absent (cached).
	Null bool `yaml:"null,omitempty"`

	// Source is the expected provenance (final_source, overall, notification).
	Source string `yaml:"source,omitempty"`

	// Locked is the expected latch state (authoritative).
	Locked *bool `yaml:"locked,omitempty"`

	// Count is the expected number of notifications or calls.
	Count *int `yaml:"count,omitempty"`

	// Index selects a notification, zero-based (notification).
	Index int `yaml:"index,omitempty"`

	// Values are the expected counters of a notification, subset match.
	Values map[string]int64 `yaml:"values,omitempty"`

	// Caller names the writer (write_rejected).
	Caller string `yaml:"caller,omitempty"`

	// Op names the backend operation (calls).
	Op string `yaml:"op,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalValue        = "final_value"
	AssertFinalSource       = "final_source"
	AssertOverall           = "overall"
	AssertAuthoritative     = "authoritative"
	AssertNotificationCount = "notification_count"
	AssertNotification      = "notification"
	AssertWriteRejected     = "write_rejected"
	AssertCalls             = "calls"
	AssertCached            = "cached"
)

var knownOps = map[string]memory.Op{
	string(memory.OpLiveMetrics): memory.OpLiveMetrics,
	string(memory.OpCall):        memory.OpCall,
	string(memory.OpReadRow):     memory.OpReadRow,
	string(memory.OpIncrement):   memory.OpIncrement,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected. A relative policy path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Policy != "" && !filepath.IsAbs(s.Policy) {
		s.Policy = filepath.Join(filepath.Dir(path), s.Policy)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
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

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for op, ss := range s.Scripts {
		if err := validateScript(op, ss); err != nil {
			return fmt.Errorf("scripts: %w", err)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}

	return nil
}

func validateScript(op string, ss ScriptSpec) error {
	if _, ok := knownOps[op]; !ok {
		return fmt.Errorf("unknown operation %q", op)
	}
	if ss.Delay != "" {
		if _, err := time.ParseDuration(ss.Delay); err != nil {
			return fmt.Errorf("%s: invalid delay %q", op, ss.Delay)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Bootstrap != nil {
		set++
	}
	if step.Resolve != nil {
		set++
	}
	if step.ServerWrite != "" {
		set++
	}
	if step.Action != nil {
		set++
		if step.Action.Kind == "" {
			return fmt.Errorf("action: kind is required")
		}
	}
	if step.Propose != nil {
		set++
		p := step.Propose
		if p.Caller == "" || p.Key == "" {
			return fmt.Errorf("propose: caller and key are required")
		}
		switch p.View {
		case "", "previous", "current":
		default:
			return fmt.Errorf("propose: view must be previous or current, got %q", p.View)
		}
	}
	if step.Script != nil {
		set++
		if err := validateScript(step.Script.Op, step.Script.ScriptSpec); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of bootstrap, resolve, server_write, action, propose, script is required, got %d", set)
	}
	return nil
}

// validateAssertion checks that an assertion has the fields its type needs.
func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertFinalValue, AssertCached:
		if a.Key == "" {
			return fmt.Errorf("%s requires key", a.Type)
		}
		if (a.Value == nil) == !a.Null {
			return fmt.Errorf("%s requires exactly one of value or null", a.Type)
		}
	case AssertFinalSource:
		if a.Key == "" || a.Source == "" {
			return fmt.Errorf("final_source requires key and source")
		}
	case AssertOverall:
		if a.Source == "" {
			return fmt.Errorf("overall requires source")
		}
	case AssertAuthoritative:
		if a.Key == "" || a.Locked == nil {
			return fmt.Errorf("authoritative requires key and locked")
		}
	case AssertNotificationCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("notification_count requires a non-negative count")
		}
	case AssertNotification:
		if a.Index < 0 {
			return fmt.Errorf("notification index must be non-negative")
		}
		if a.Source == "" && len(a.Values) == 0 {
			return fmt.Errorf("notification requires source or values")
		}
	case AssertWriteRejected:
		if a.Caller == "" {
			return fmt.Errorf("write_rejected requires caller")
		}
	case AssertCalls:
		if _, ok := knownOps[a.Op]; !ok {
			return fmt.Errorf("calls: unknown operation %q", a.Op)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("calls requires a non-negative count")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
