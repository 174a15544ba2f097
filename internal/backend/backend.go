// Package backend declares the server capabilities tally consumes.
//
// A backend rarely offers all of them. The resolver builds its strategy list
// from whichever interfaces a concrete backend satisfies, so capability
// detection happens once, at wiring time.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Metrics is a set of named aggregates as returned by the server, keyed by
// the server's own field names.
type Metrics map[string]int64

// LiveMetricsReader reads pre-aggregated live metrics.
type LiveMetricsReader interface {
	LiveMetrics(ctx context.Context) (Metrics, error)
}

// ProcedureCaller invokes a remote procedure that computes aggregates server-side.
type ProcedureCaller interface {
	Call(ctx context.Context, procedure string) (Metrics, error)
}

// TableReader reads one row of a raw aggregate table.
type TableReader interface {
	ReadRow(ctx context.Context, table string, columns []string) (Metrics, error)
}

// Incrementer atomically increments a counter and returns the new total.
type Incrementer interface {
	Increment(ctx context.Context, counter string) (int64, error)
}

// ErrUnavailable reports that a capability exists but cannot be reached.
var ErrUnavailable = errors.New("backend unavailable")

// ErrEmpty reports a successful call that returned no usable aggregates.
var ErrEmpty = errors.New("backend returned no aggregates")

// MetricsFromAny converts a decoded JSON object into Metrics. Numbers that
// are not finite integers and non-numeric fields are skipped; nested objects
// are flattened one level deep so both {"waves":1} and
// {"globalStats":{"waves":1}} are accepted.
func MetricsFromAny(obj map[string]any) Metrics {
	out := make(Metrics)
	for k, v := range obj {
		switch t := v.(type) {
		case map[string]any:
			for nk, nv := range MetricsFromAny(t) {
				if _, exists := out[nk]; !exists {
					out[nk] = nv
				}
			}
		default:
			if n, ok := toInt(t); ok {
				out[k] = n
			}
		}
	}
	return out
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// StatusError is returned by HTTP-style backends for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}
