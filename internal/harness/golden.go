package harness

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// FormatTrace renders a trace as stable text for golden comparison.
// Timings and sequence numbers are omitted.
func FormatTrace(name string, trace []TraceEvent) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	writeTrace(&buf, trace)
	return buf.Bytes()
}

func writeTrace(w io.Writer, trace []TraceEvent) {
	for _, e := range trace {
		switch e.Type {
		case EventStep:
			if e.Detail != "" {
				fmt.Fprintf(w, "step %d: %s %s\n", e.Index, e.Step, e.Detail)
			} else {
				fmt.Fprintf(w, "step %d: %s\n", e.Index, e.Step)
			}
		case EventNotify:
			fmt.Fprintf(w, "  notify overall=%s\n", e.Overall)
			for _, k := range slices.Sorted(maps.Keys(e.Values)) {
				fmt.Fprintf(w, "    %s = %s (%s)", k, e.Values[k], e.Sources[k])
				if e.Authoritative[k] {
					fmt.Fprint(w, " locked")
				}
				fmt.Fprintln(w)
			}
		case EventDecision:
			fmt.Fprintf(w, "  decision caller=%s key=%s accepted=%t reason=%s\n", e.Caller, e.Key, e.Accepted, e.Reason)
		case EventAction:
			fmt.Fprintf(w, "  action kind=%s class=%s accepted=%t total=%s", e.Kind, e.Class, e.Accepted, e.Total)
			if e.Err != "" {
				fmt.Fprintf(w, " error=%s", e.Err)
			}
			fmt.Fprintln(w)
		}
	}
}

// RunWithGolden executes a scenario, fails the test on any failed
// expectation and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result.Trace))
	return nil
}
