package overlay

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/tally/internal/ir"
)

// Change is one counter's transition.
type Change struct {
	Key    string
	From   ir.Value
	To     ir.Value
	Source ir.Provenance
}

// Delta returns To-From, or 0 when either side is null.
func (c Change) Delta() int64 {
	if !c.From.Valid || !c.To.Valid {
		return 0
	}
	return c.To.N - c.From.N
}

// Entry is one recorded update.
type Entry struct {
	Seq     int64
	Initial bool
	Overall ir.Provenance
	Latency time.Duration
	Fastest *ir.FastestAttempt
	Changes []Change
}

// History is the payload of the stats-diff-history topic, newest first.
type History []Entry

// diff compares u to prev. The first update is recorded as the initial
// load; later updates are recorded only when some value changed.
func diff(prev *ir.StatsUpdate, u ir.StatsUpdate) (Entry, bool) {
	e := Entry{
		Seq:     u.Seq,
		Initial: prev == nil,
		Overall: u.Overall,
		Latency: u.Timing.Total,
	}
	if u.Timing.Fastest != nil {
		f := *u.Timing.Fastest
		e.Fastest = &f
	}
	for _, k := range slices.Sorted(maps.Keys(u.Values)) {
		to := u.Values[k]
		var from ir.Value
		if prev != nil {
			from = prev.Values[k]
		}
		if !e.Initial && from.Equal(to) {
			continue
		}
		e.Changes = append(e.Changes, Change{Key: k, From: from, To: to, Source: u.Sources[k]})
	}
	return e, e.Initial || len(e.Changes) > 0
}

// Render writes h as text.
func Render(w io.Writer, h History) error {
	var b strings.Builder
	b.WriteString("stats diff history (newest first)\n")
	for _, e := range h {
		fmt.Fprintf(&b, "#%d %s", e.Seq, e.Overall)
		if e.Initial {
			b.WriteString(" initial load")
		}
		if e.Latency > 0 {
			fmt.Fprintf(&b, " latency=%s", e.Latency)
		}
		if e.Fastest != nil {
			fmt.Fprintf(&b, " fastest=%s(%s)", e.Fastest.Strategy, e.Fastest.Duration)
		}
		b.WriteByte('\n')
		for _, c := range e.Changes {
			if e.Initial {
				fmt.Fprintf(&b, "  %s: %s [%s]\n", c.Key, c.To, c.Source)
				continue
			}
			fmt.Fprintf(&b, "  %s: %s -> %s", c.Key, c.From, c.To)
			if d := c.Delta(); d != 0 {
				fmt.Fprintf(&b, " (%+d)", d)
			}
			fmt.Fprintf(&b, " [%s]\n", c.Source)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
