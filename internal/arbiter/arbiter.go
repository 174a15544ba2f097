// Package arbiter is the single legitimate mutator of the live counter set.
//
// Many independent writers believe they own the same aggregates: the
// resolver's background passes, the increment coordinator, and legacy
// initializers that run on every page view. The arbiter resolves them
// deterministically with a one-way authoritative latch per counter and an
// explicit registry of writer identities:
//
//   - Before the latch is set every write is accepted; the first accepted
//     write from an Authority writer sets the latch.
//   - After the latch is set only Trusted and Authority writers are
//     accepted. Everyone else is rejected silently: the attempt is logged,
//     no error is returned, and the caller keeps working.
//
// A late completion from a previous page view therefore degrades into a
// logged no-op instead of overwriting a correct value.
//
// Every accepted batch updates the bound displays and publishes one
// ir.StatsUpdate on bus.TopicStatsUpdated. Deliveries leave the arbiter in
// sequence order even when commits race on different goroutines, so a
// display never ends on an older value than the arbiter holds.
//
// Proposing an unchanged value publishes nothing, with two refinements:
//
//   - An Authority writer proposing the value already shown still sets the
//     latch. The decision is ReasonUnchanged and nothing is rendered, but
//     later untrusted writes to that key are rejected.
//   - An unchanged value arriving with a different provenance (a cached
//     value confirmed by a network strategy, or a cache-first value that
//     ends as the offline fallback) re-tags the key and publishes once so
//     subscribers see where the number now comes from.
package arbiter

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/ir"
)

// Reason explains an arbitration decision.
type Reason string

const (
	ReasonAccepted  Reason = "accepted"
	ReasonLatched   Reason = "accepted-authoritative"
	ReasonUnchanged Reason = "unchanged"
	ReasonUntrusted Reason = "untrusted-after-lock"
	ReasonStaleView Reason = "stale-view"
	ReasonUnknown   Reason = "unknown-key"
	// ReasonSuperseded rejects a compare-and-set whose expected value is no
	// longer current.
	ReasonSuperseded Reason = "superseded"
)

// Publisher delivers notifications. *bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload any)
}

// Display is a widget bound to one counter.
type Display interface {
	Render(key string, v ir.Value)
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(key string, v ir.Value)

// Render implements Display.
func (f DisplayFunc) Render(key string, v ir.Value) { f(key, v) }

// Proposal is a batch of values from one writer.
type Proposal struct {
	Caller ir.WriterID
	Values map[string]ir.Value
	// Source tags every accepted key; Sources overrides it per key.
	Source  ir.Provenance
	Sources map[string]ir.Provenance
	// Timing replaces the set's timing record when at least one key is accepted.
	Timing *ir.Timing
	// View is the page view the proposal belongs to. Empty means current.
	View string
	// Expect makes the write to a key conditional on that key still holding
	// the given value.
	Expect map[string]ir.Value
}

// Decision is the outcome for one key of a proposal.
type Decision struct {
	Key           string
	Accepted      bool
	Reason        Reason
	Previous      ir.Value
	Value         ir.Value
	Authoritative bool
	// Retagged is set when an unchanged value took a new provenance.
	Retagged bool
}

type counter struct {
	value         ir.Value
	source        ir.Provenance
	authoritative bool
}

// Arbiter owns the live counter set.
type Arbiter struct {
	mu       sync.Mutex
	name     string
	keys     []string
	counters map[string]*counter
	overall  ir.Provenance
	timing   ir.Timing
	view     string

	registry *Registry
	log      *ringLog
	clock    *Clock
	now      func() time.Time
	pub      Publisher
	logger   *slog.Logger

	displayMu sync.Mutex
	displays  map[string][]*binding

	// deliverMu guards pending and delivering. Lock order: mu, then deliverMu.
	deliverMu  sync.Mutex
	pending    []delivery
	delivering bool
}

// delivery is one accepted batch waiting to reach displays and subscribers.
type delivery struct {
	update  ir.StatsUpdate
	renders []Decision
}

type binding struct {
	display Display
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(a *Arbiter) { a.registry = r }
}

// WithLogSize sets the write log capacity.
func WithLogSize(n int) Option {
	return func(a *Arbiter) { a.log = newRingLog(n) }
}

// WithClock shares a logical clock.
func WithClock(c *Clock) Option {
	return func(a *Arbiter) { a.clock = c }
}

// WithNow overrides the wall clock used for attempt timestamps.
func WithNow(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// New creates an arbiter for the named set. pub may be nil.
func New(name string, keys []string, pub Publisher, opts ...Option) *Arbiter {
	a := &Arbiter{
		name:     name,
		counters: make(map[string]*counter, len(keys)),
		overall:  ir.ProvenanceNone,
		registry: DefaultRegistry(),
		log:      newRingLog(DefaultLogSize),
		clock:    NewClock(),
		now:      time.Now,
		pub:      pub,
		logger:   slog.Default(),
		displays: make(map[string][]*binding),
	}
	for _, k := range keys {
		k = ir.NormalizeKey(k)
		if _, dup := a.counters[k]; dup {
			continue
		}
		a.keys = append(a.keys, k)
		a.counters[k] = &counter{source: ir.ProvenanceNone}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "arbiter", "set", name)
	return a
}

// Name returns the counter set name.
func (a *Arbiter) Name() string { return a.name }

// Keys returns the counter keys in declaration order.
func (a *Arbiter) Keys() []string { return slices.Clone(a.keys) }

// Registry returns the writer registry.
func (a *Arbiter) Registry() *Registry { return a.registry }

// BeginView marks token as the current page view. Proposals stamped with a
// different view are rejected once the counter is authoritative.
func (a *Arbiter) BeginView(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.view = token
	a.logger.Debug("page view started", "view", token)
}

// Propose submits one value for key.
func (a *Arbiter) Propose(key string, v int64, caller ir.WriterID) Decision {
	ds := a.Commit(Proposal{
		Caller: caller,
		Values: map[string]ir.Value{key: ir.Int(v)},
	})
	return ds[0]
}

// Commit arbitrates every non-null value of p. Null values are ignored:
// a number is never replaced by "unknown". The decisions are returned in
// key order.
func (a *Arbiter) Commit(p Proposal) []Decision {
	trust := a.registry.Trust(p.Caller)

	a.mu.Lock()
	decisions := make([]Decision, 0, len(p.Values))
	changed := false
	for _, key := range slices.Sorted(maps.Keys(p.Values)) {
		v := p.Values[key]
		if !v.Valid {
			continue
		}
		source := p.Source
		if s, ok := p.Sources[key]; ok {
			source = s
		}
		d := a.decide(ir.NormalizeKey(key), v, source, trust, p)
		if d.Accepted || d.Retagged {
			changed = true
		}
		decisions = append(decisions, d)
	}

	if !changed {
		a.mu.Unlock()
		return decisions
	}
	if p.Source != "" {
		a.overall = p.Source
	}
	if p.Timing != nil {
		a.timing = p.Timing.Clone()
	}
	next := delivery{update: a.snapshotLocked()}
	next.update.Seq = a.clock.Next()
	for _, d := range decisions {
		if d.Accepted {
			next.renders = append(next.renders, d)
		}
	}
	// Queued under mu so the queue is in Seq order.
	a.deliverMu.Lock()
	a.pending = append(a.pending, next)
	a.deliverMu.Unlock()
	a.mu.Unlock()

	a.drain()
	return decisions
}

// drain delivers queued batches in order. If another goroutine is already
// delivering it picks up this batch, and drain returns at once. Handlers may
// commit from inside a delivery.
func (a *Arbiter) drain() {
	a.deliverMu.Lock()
	if a.delivering {
		a.deliverMu.Unlock()
		return
	}
	a.delivering = true
	for len(a.pending) > 0 {
		next := a.pending[0]
		a.pending = a.pending[1:]
		a.deliverMu.Unlock()
		a.deliver(next)
		a.deliverMu.Lock()
	}
	a.delivering = false
	a.deliverMu.Unlock()
}

func (a *Arbiter) deliver(next delivery) {
	for _, d := range next.renders {
		a.render(d.Key, d.Value)
	}
	if a.pub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("publisher panicked", "seq", next.update.Seq, "panic", r)
		}
	}()
	a.pub.Publish(bus.TopicStatsUpdated, next.update)
}

// decide applies the arbitration rules to one key. Caller holds a.mu.
func (a *Arbiter) decide(key string, v ir.Value, source ir.Provenance, trust Trust, p Proposal) Decision {
	c, ok := a.counters[key]
	if !ok {
		d := Decision{Key: key, Reason: ReasonUnknown, Value: v}
		a.record(d, v, p, source)
		return d
	}

	d := Decision{
		Key:           key,
		Previous:      c.value,
		Value:         c.value,
		Authoritative: c.authoritative,
	}
	expect, conditional := p.Expect[key]

	switch {
	case conditional && !c.value.Equal(expect):
		d.Reason = ReasonSuperseded
	case c.authoritative && p.View != "" && a.view != "" && p.View != a.view:
		d.Reason = ReasonStaleView
	case c.authoritative && trust == Untrusted:
		d.Reason = ReasonUntrusted
	case c.value.Equal(v):
		d.Reason = ReasonUnchanged
		if trust == Authority && !c.authoritative {
			c.authoritative = true
			d.Authoritative = true
		}
		if source != "" && source != c.source {
			c.source = source
			d.Retagged = true
		}
	default:
		d.Accepted = true
		d.Reason = ReasonAccepted
		d.Value = v
		c.value = v
		if source != "" {
			c.source = source
		}
		if trust == Authority && !c.authoritative {
			c.authoritative = true
			d.Reason = ReasonLatched
		}
		d.Authoritative = c.authoritative
	}

	a.record(d, v, p, source)
	return d
}

// record appends to the write log. Caller holds a.mu.
func (a *Arbiter) record(d Decision, proposed ir.Value, p Proposal, source ir.Provenance) {
	w := ir.WriteAttempt{
		Seq:           a.clock.Next(),
		Key:           d.Key,
		Caller:        p.Caller,
		Proposed:      proposed,
		Previous:      d.Previous,
		At:            a.now(),
		Accepted:      d.Accepted,
		Authoritative: d.Authoritative,
		Reason:        string(d.Reason),
		Source:        source,
		View:          p.View,
	}
	a.log.append(w)

	if d.Accepted {
		a.logger.Debug("write accepted",
			"key", d.Key, "caller", p.Caller, "from", d.Previous, "to", d.Value,
			"authoritative", d.Authoritative, "reason", d.Reason)
	} else {
		a.logger.Debug("write not applied",
			"key", d.Key, "caller", p.Caller, "proposed", proposed, "current", d.Previous,
			"authoritative", d.Authoritative, "reason", d.Reason)
	}
}

func (a *Arbiter) snapshotLocked() ir.StatsUpdate {
	u := ir.StatsUpdate{
		Set:           a.name,
		Values:        make(map[string]ir.Value, len(a.counters)),
		Sources:       make(map[string]ir.Provenance, len(a.counters)),
		Overall:       a.overall,
		Timing:        a.timing.Clone(),
		Authoritative: make(map[string]bool, len(a.counters)),
	}
	for k, c := range a.counters {
		u.Values[k] = c.value
		u.Sources[k] = c.source
		u.Authoritative[k] = c.authoritative
	}
	return u
}

// Snapshot returns the current state stamped with the latest sequence.
func (a *Arbiter) Snapshot() ir.StatsUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.snapshotLocked()
	u.Seq = a.clock.Current()
	return u
}

// Set returns the current state as a counter set.
func (a *Arbiter) Set() ir.CounterSet {
	u := a.Snapshot()
	return ir.CounterSet{
		Name:    u.Set,
		Values:  u.Values,
		Sources: u.Sources,
		Overall: u.Overall,
		Timing:  u.Timing,
	}
}

// Value returns the current value of key (null when unknown).
func (a *Arbiter) Value(key string) ir.Value {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[ir.NormalizeKey(key)]; ok {
		return c.value
	}
	return ir.Null()
}

// Authoritative reports whether key's latch is set.
func (a *Arbiter) Authoritative(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[ir.NormalizeKey(key)]
	return ok && c.authoritative
}

// Log returns the retained write attempts, oldest first.
func (a *Arbiter) Log() []ir.WriteAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.log.list()
}

// Summary condenses the write log.
func (a *Arbiter) Summary() Summary {
	return summarize(a.Log(), a.registry)
}

// Bind attaches d to key. It is rendered immediately with the current value
// and after every accepted write to key.
func (a *Arbiter) Bind(key string, d Display) (unbind func()) {
	key = ir.NormalizeKey(key)
	b := &binding{display: d}

	a.displayMu.Lock()
	a.displays[key] = append(a.displays[key], b)
	a.displayMu.Unlock()

	d.Render(key, a.Value(key))

	var once sync.Once
	return func() {
		once.Do(func() {
			a.displayMu.Lock()
			defer a.displayMu.Unlock()
			a.displays[key] = slices.DeleteFunc(slices.Clone(a.displays[key]), func(x *binding) bool { return x == b })
		})
	}
}

func (a *Arbiter) render(key string, v ir.Value) {
	a.displayMu.Lock()
	bs := a.displays[key]
	a.displayMu.Unlock()

	for _, b := range bs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Warn("display panicked", "key", key, "panic", r)
				}
			}()
			b.display.Render(key, v)
		}()
	}
}
