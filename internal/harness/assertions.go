package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/tally/internal/ir"
)

// AssertionError is returned when an assertion fails.
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
		writeTrace(&buf, e.Trace)
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion against r and returns the
// failure messages.
func EvaluateAssertions(r *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(r, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(r *Result, a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: r.Trace}
	}

	switch a.Type {
	case AssertFinalValue:
		want := ir.Null()
		if a.Value != nil {
			want = ir.Int(*a.Value)
		}
		got := r.Final.Values[a.Key]
		if !got.Equal(want) {
			return fail(fmt.Sprintf("%s = %s", a.Key, want), fmt.Sprintf("%s = %s", a.Key, got))
		}

	case AssertFinalSource:
		if got := r.Final.Sources[a.Key]; string(got) != a.Source {
			return fail(fmt.Sprintf("%s from %s", a.Key, a.Source), fmt.Sprintf("%s from %s", a.Key, got))
		}

	case AssertOverall:
		if string(r.Final.Overall) != a.Source {
			return fail("overall "+a.Source, "overall "+string(r.Final.Overall))
		}

	case AssertAuthoritative:
		if got := r.Final.Authoritative[a.Key]; got != *a.Locked {
			return fail(fmt.Sprintf("%s locked=%t", a.Key, *a.Locked), fmt.Sprintf("%s locked=%t", a.Key, got))
		}

	case AssertNotificationCount:
		if got := len(r.Notifications()); got != *a.Count {
			return fail(fmt.Sprintf("%d notifications", *a.Count), fmt.Sprintf("%d notifications", got))
		}

	case AssertNotification:
		notes := r.Notifications()
		if a.Index >= len(notes) {
			return fail(fmt.Sprintf("notification %d", a.Index), fmt.Sprintf("only %d notifications", len(notes)))
		}
		n := notes[a.Index]
		if a.Source != "" && string(n.Overall) != a.Source {
			return fail(fmt.Sprintf("notification %d overall %s", a.Index, a.Source),
				fmt.Sprintf("notification %d overall %s", a.Index, n.Overall))
		}
		for k, v := range a.Values {
			if got := n.Values[k]; !got.Equal(ir.Int(v)) {
				return fail(fmt.Sprintf("notification %d %s = %d", a.Index, k, v),
					fmt.Sprintf("notification %d %s = %s", a.Index, k, got))
			}
		}

	case AssertWriteRejected:
		proposed := 0
		for _, w := range r.Log {
			if string(w.Caller) != a.Caller {
				continue
			}
			proposed++
			if w.Accepted {
				return fail(fmt.Sprintf("every write from %s rejected", a.Caller),
					fmt.Sprintf("%s=%s accepted (%s)", w.Key, w.Proposed, w.Reason))
			}
		}
		if proposed == 0 {
			return fail(fmt.Sprintf("writes from %s", a.Caller), "none logged")
		}

	case AssertCalls:
		if got := r.Calls[a.Op]; got != *a.Count {
			return fail(fmt.Sprintf("%d %s calls", *a.Count, a.Op), fmt.Sprintf("%d %s calls", got, a.Op))
		}

	case AssertCached:
		got, ok := r.Cached[a.Key]
		switch {
		case a.Null && ok:
			return fail(a.Key+" not cached", fmt.Sprintf("%s cached as %d", a.Key, got))
		case !a.Null && !ok:
			return fail(fmt.Sprintf("%s cached as %d", a.Key, *a.Value), a.Key+" not cached")
		case !a.Null && got != *a.Value:
			return fail(fmt.Sprintf("%s cached as %d", a.Key, *a.Value), fmt.Sprintf("%s cached as %d", a.Key, got))
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
