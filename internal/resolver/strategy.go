package resolver

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/tally/internal/backend"
	"github.com/roach88/tally/internal/ir"
)

// Strategy is one way of obtaining counter values, in fallback order.
type Strategy interface {
	Name() ir.Provenance
	// Fetch returns values keyed by counter key. Missing keys are fine;
	// unknown keys are dropped by the resolver.
	Fetch(ctx context.Context) (map[string]ir.Value, error)
}

// Fields maps server field names to counter keys. A nil Fields passes
// server names through unchanged.
type Fields map[string]string

// DefaultTableFields is the column translation of the raw aggregate table.
var DefaultTableFields = Fields{
	"hi_waves":    ir.KeyWaves,
	"total_his":   ir.KeyTotalActions,
	"total_users": ir.KeyParticipants,
}

// Default backend names.
const (
	DefaultProcedure = "get_user_stats"
	DefaultTable     = "global_stats"
)

func (f Fields) translate(m backend.Metrics) map[string]ir.Value {
	out := make(map[string]ir.Value, len(m))
	for name, n := range m {
		key := name
		if f != nil {
			k, ok := f[name]
			if !ok {
				continue
			}
			key = k
		}
		out[ir.NormalizeKey(key)] = ir.Int(n)
	}
	return out
}

type funcStrategy struct {
	name  ir.Provenance
	fetch func(ctx context.Context) (map[string]ir.Value, error)
}

func (s funcStrategy) Name() ir.Provenance { return s.name }

func (s funcStrategy) Fetch(ctx context.Context) (map[string]ir.Value, error) { return s.fetch(ctx) }

// Func adapts a function to Strategy.
func Func(name ir.Provenance, fetch func(ctx context.Context) (map[string]ir.Value, error)) Strategy {
	return funcStrategy{name: name, fetch: fetch}
}

// LiveMetrics reads pre-aggregated live metrics.
func LiveMetrics(r backend.LiveMetricsReader, fields Fields) Strategy {
	return Func(ir.ProvenanceLiveMetrics, func(ctx context.Context) (map[string]ir.Value, error) {
		m, err := r.LiveMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return fields.translate(m), nil
	})
}

// RemoteCall invokes procedure and reads its aggregates.
func RemoteCall(c backend.ProcedureCaller, procedure string, fields Fields) Strategy {
	if procedure == "" {
		procedure = DefaultProcedure
	}
	return Func(ir.ProvenanceRemoteCall, func(ctx context.Context) (map[string]ir.Value, error) {
		m, err := c.Call(ctx, procedure)
		if err != nil {
			return nil, err
		}
		return fields.translate(m), nil
	})
}

// FallbackTable reads one row of the raw aggregate table, translating its
// column names with fields (DefaultTableFields when nil).
func FallbackTable(t backend.TableReader, table string, fields Fields) Strategy {
	if table == "" {
		table = DefaultTable
	}
	if fields == nil {
		fields = DefaultTableFields
	}
	columns := slices.Sorted(maps.Keys(fields))
	return Func(ir.ProvenanceFallbackTable, func(ctx context.Context) (map[string]ir.Value, error) {
		m, err := t.ReadRow(ctx, table, columns)
		if err != nil {
			return nil, err
		}
		return fields.translate(m), nil
	})
}

// Options names the backend objects used by FromBackend.
type Options struct {
	Procedure   string
	Table       string
	LiveFields  Fields
	CallFields  Fields
	TableFields Fields
	// Disabled lists strategies to leave out.
	Disabled []ir.Provenance
}

// FromBackend builds the strategy chain from whichever capabilities b
// implements, in priority order: live metrics, remote call, fallback table.
func FromBackend(b any, o Options) []Strategy {
	var out []Strategy
	enabled := func(p ir.Provenance) bool { return !slices.Contains(o.Disabled, p) }
	if r, ok := b.(backend.LiveMetricsReader); ok && enabled(ir.ProvenanceLiveMetrics) {
		out = append(out, LiveMetrics(r, o.LiveFields))
	}
	if c, ok := b.(backend.ProcedureCaller); ok && enabled(ir.ProvenanceRemoteCall) {
		out = append(out, RemoteCall(c, o.Procedure, o.CallFields))
	}
	if t, ok := b.(backend.TableReader); ok && enabled(ir.ProvenanceFallbackTable) {
		out = append(out, FallbackTable(t, o.Table, o.TableFields))
	}
	return out
}
