// Package overlay is the debug-mode diagnostics view of a counter set.
//
// It is a read-only subscriber: every stats-updated notification is
// diffed against the previous one and the per-key changes are kept in a
// short newest-first history with the pass's latency and fastest source.
// Its only action, Refresh, goes through the resolver like any other pass
// and is therefore subject to the same arbitration rules.
package overlay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/resolver"
)

// DefaultHistorySize is the number of entries kept.
const DefaultHistorySize = 10

// Refresher runs a resolution pass. *resolver.Resolver satisfies it.
type Refresher interface {
	Resolve(ctx context.Context, opts ...resolver.ResolveOption) ir.CounterSet
}

// ErrNoRefresher is returned by Refresh when no resolver is attached.
var ErrNoRefresher = errors.New("overlay: no refresher")

// Overlay records a diff history of stats updates.
type Overlay struct {
	mu      sync.Mutex
	prev    *ir.StatsUpdate
	lastSeq int64
	entries []Entry
	size    int

	out       io.Writer
	bus       *bus.Bus
	refresher Refresher
	logger    *slog.Logger
	stop      func()
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithWriter renders the history to w after every recorded change.
func WithWriter(w io.Writer) Option {
	return func(o *Overlay) {
		o.out = w
	}
}

// WithHistorySize replaces DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(o *Overlay) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithRefresher attaches the resolver used by Refresh.
func WithRefresher(r Refresher) Option {
	return func(o *Overlay) {
		o.refresher = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Overlay) {
		o.logger = logger
	}
}

// New subscribes an overlay to b's stats-updated topic.
func New(b *bus.Bus, opts ...Option) *Overlay {
	o := &Overlay{
		size:   DefaultHistorySize,
		bus:    b,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "overlay")
	o.stop = b.Subscribe(bus.TopicStatsUpdated, o.handle)
	return o
}

// Close unsubscribes the overlay.
func (o *Overlay) Close() {
	o.stop()
}

// History returns the recorded entries, newest first.
func (o *Overlay) History() History {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneEntries(o.entries)
}

// Refresh forces a cache-bypassing resolution.
func (o *Overlay) Refresh(ctx context.Context) (ir.CounterSet, error) {
	if o.refresher == nil {
		return ir.CounterSet{}, ErrNoRefresher
	}
	o.logger.Debug("manual refresh")
	return o.refresher.Resolve(ctx, resolver.BypassCache()), nil
}

func (o *Overlay) handle(_ string, payload any) {
	u, ok := payload.(ir.StatsUpdate)
	if !ok {
		return
	}

	o.mu.Lock()
	if u.Seq <= o.lastSeq {
		o.mu.Unlock()
		o.logger.Debug("out-of-order update ignored", "seq", u.Seq, "last", o.lastSeq)
		return
	}
	o.lastSeq = u.Seq
	entry, changed := diff(o.prev, u)
	o.prev = &u
	if !changed {
		o.mu.Unlock()
		return
	}
	o.entries = append([]Entry{entry}, o.entries...)
	if len(o.entries) > o.size {
		o.entries = o.entries[:o.size]
	}
	hist := cloneEntries(o.entries)
	o.mu.Unlock()

	if o.out != nil {
		if err := Render(o.out, hist); err != nil {
			o.logger.Debug("render failed", "error", err)
		}
	}
	o.bus.Publish(bus.TopicDiffHistory, hist)
}

func cloneEntries(es []Entry) History {
	out := make(History, len(es))
	for i, e := range es {
		out[i] = e
		out[i].Changes = append([]Change(nil), e.Changes...)
	}
	return out
}
