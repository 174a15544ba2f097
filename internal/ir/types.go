package ir

import (
	"maps"
	"slices"
	"time"
)

// Well-known counter keys.
const (
	KeyWaves        = "waves"
	KeyTotalActions = "totalActions"
	KeyParticipants = "participants"
)

// DefaultKeys lists the counters of the default "global" set in display order.
var DefaultKeys = []string{KeyWaves, KeyTotalActions, KeyParticipants}

// Provenance tags where a counter value came from.
type Provenance string

const (
	ProvenanceNone          Provenance = "none"
	ProvenanceCache         Provenance = "cache"
	ProvenanceCacheFirst    Provenance = "cache-first"
	ProvenanceLiveMetrics   Provenance = "live-metrics"
	ProvenanceRemoteCall    Provenance = "remote-call"
	ProvenanceFallbackTable Provenance = "fallback-table"
	// ProvenanceIncrement marks a total confirmed by the backend increment operation.
	ProvenanceIncrement Provenance = "increment"
)

// WriterID identifies a code path that proposes counter values.
// Trust is never inferred from the name; see arbiter.Registry.
type WriterID string

// RetrievalAttempt records one strategy call during a resolution pass.
type RetrievalAttempt struct {
	Strategy  Provenance    `json:"strategy"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Duration  time.Duration `json:"duration"`
	Succeeded bool          `json:"succeeded"`
	Err       string        `json:"error,omitempty"`
}

// FastestAttempt names the quickest successful strategy of a pass.
type FastestAttempt struct {
	Strategy Provenance    `json:"strategy"`
	Duration time.Duration `json:"duration"`
}

// Timing aggregates the attempts of one resolution pass.
type Timing struct {
	Start    time.Time          `json:"start"`
	End      time.Time          `json:"end"`
	Total    time.Duration      `json:"total"`
	Attempts []RetrievalAttempt `json:"attempts,omitempty"`
	Fastest  *FastestAttempt    `json:"fastest,omitempty"`
}

// Finalize stamps the end of the pass and derives the fastest success.
func (t *Timing) Finalize(end time.Time) {
	t.End = end
	t.Total = end.Sub(t.Start)
	t.Fastest = nil
	for _, a := range t.Attempts {
		if !a.Succeeded {
			continue
		}
		if t.Fastest == nil || a.Duration < t.Fastest.Duration {
			t.Fastest = &FastestAttempt{Strategy: a.Strategy, Duration: a.Duration}
		}
	}
}

// Clone returns a deep copy.
func (t Timing) Clone() Timing {
	out := t
	out.Attempts = slices.Clone(t.Attempts)
	if t.Fastest != nil {
		f := *t.Fastest
		out.Fastest = &f
	}
	return out
}

// CounterSet is a named bundle of related counters with their provenance.
type CounterSet struct {
	Name    string                `json:"name"`
	Values  map[string]Value      `json:"values"`
	Sources map[string]Provenance `json:"sources"`
	Overall Provenance            `json:"overall"`
	Timing  Timing                `json:"timing"`
}

// NewCounterSet returns a set with every key null and tagged none.
func NewCounterSet(name string, keys []string) CounterSet {
	s := CounterSet{
		Name:    name,
		Values:  make(map[string]Value, len(keys)),
		Sources: make(map[string]Provenance, len(keys)),
		Overall: ProvenanceNone,
	}
	for _, k := range keys {
		s.Values[k] = Null()
		s.Sources[k] = ProvenanceNone
	}
	return s
}

// Keys returns the set's keys in sorted order.
func (s CounterSet) Keys() []string {
	return slices.Sorted(maps.Keys(s.Values))
}

// HasAny reports whether at least one counter holds a number.
func (s CounterSet) HasAny() bool {
	for _, v := range s.Values {
		if v.Valid {
			return true
		}
	}
	return false
}

// Tag sets the provenance of every non-null key and the overall provenance.
func (s *CounterSet) Tag(p Provenance) {
	for k, v := range s.Values {
		if v.Valid {
			s.Sources[k] = p
		}
	}
	s.Overall = p
}

// Clone returns a deep copy.
func (s CounterSet) Clone() CounterSet {
	return CounterSet{
		Name:    s.Name,
		Values:  maps.Clone(s.Values),
		Sources: maps.Clone(s.Sources),
		Overall: s.Overall,
		Timing:  s.Timing.Clone(),
	}
}

// WriteAttempt is one arbitration decision, retained in a bounded log.
type WriteAttempt struct {
	Seq           int64      `json:"seq"`
	Key           string     `json:"key"`
	Caller        WriterID   `json:"caller"`
	Proposed      Value      `json:"proposed"`
	Previous      Value      `json:"previous"`
	At            time.Time  `json:"at"`
	Accepted      bool       `json:"accepted"`
	Authoritative bool       `json:"authoritative"`
	Reason        string     `json:"reason"`
	Source        Provenance `json:"source,omitempty"`
	View          string     `json:"view,omitempty"`
}

// CachedSnapshot is one persisted counter value.
type CachedSnapshot struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// StatsUpdate is the payload of the stats-updated topic.
type StatsUpdate struct {
	Seq           int64                 `json:"seq"`
	Set           string                `json:"set"`
	Values        map[string]Value      `json:"values"`
	Sources       map[string]Provenance `json:"sources"`
	Overall       Provenance            `json:"overall"`
	Timing        Timing                `json:"timing"`
	Authoritative map[string]bool       `json:"authoritative"`
}
