package arbiter

import (
	"slices"

	"github.com/roach88/tally/internal/ir"
)

// DefaultLogSize is the number of write attempts retained.
const DefaultLogSize = 100

// ringLog is a bounded circular log of write attempts. Not thread-safe;
// guarded by the arbiter's mutex.
type ringLog struct {
	entries []ir.WriteAttempt
	next    int
	full    bool
}

func newRingLog(size int) *ringLog {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &ringLog{entries: make([]ir.WriteAttempt, size)}
}

func (l *ringLog) append(w ir.WriteAttempt) {
	l.entries[l.next] = w
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// list returns entries oldest first.
func (l *ringLog) list() []ir.WriteAttempt {
	if !l.full {
		return slices.Clone(l.entries[:l.next])
	}
	out := make([]ir.WriteAttempt, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Summary condenses the write log for diagnostics.
type Summary struct {
	TotalWrites   int           `json:"total_writes"`
	Accepted      int           `json:"accepted"`
	Rejected      int           `json:"rejected"`
	UniqueCallers []ir.WriterID `json:"unique_callers"`
	// UnexpectedIncreases are accepted increases by writers without authority.
	UnexpectedIncreases []ir.WriteAttempt `json:"unexpected_increases"`
}

func summarize(entries []ir.WriteAttempt, reg *Registry) Summary {
	s := Summary{
		TotalWrites:         len(entries),
		UniqueCallers:       []ir.WriterID{},
		UnexpectedIncreases: []ir.WriteAttempt{},
	}
	seen := make(map[ir.WriterID]bool)
	for _, w := range entries {
		if w.Accepted {
			s.Accepted++
		} else {
			s.Rejected++
		}
		if !seen[w.Caller] {
			seen[w.Caller] = true
			s.UniqueCallers = append(s.UniqueCallers, w.Caller)
		}
		increase := w.Proposed.Valid && w.Previous.Valid && w.Proposed.N > w.Previous.N
		if w.Accepted && increase && reg.Trust(w.Caller) != Authority {
			s.UnexpectedIncreases = append(s.UnexpectedIncreases, w)
		}
	}
	slices.Sort(s.UniqueCallers)
	return s
}
