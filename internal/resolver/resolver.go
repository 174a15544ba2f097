// Package resolver obtains the best available counter values by walking an
// ordered chain of retrieval strategies.
//
// Order of preference:
//
//  1. Cache-first short circuit: any cached value is returned at once,
//     tagged cache-first, while the rest of the chain runs in the
//     background and commits through the arbiter when it finishes.
//  2. Each configured strategy in turn (live metrics, remote call,
//     fallback table). The first success wins and later strategies are
//     never invoked.
//  3. If every strategy failed, whatever the cache holds (possibly
//     nothing) tagged cache.
//
// Every strategy call is timed and bounded by its own timeout. Errors,
// panics and empty results become failed attempts; Resolve never fails.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/backend"
	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/ir"
)

// DefaultTimeout bounds a strategy attempt when no per-strategy timeout is set.
const DefaultTimeout = 3 * time.Second

// Committer accepts proposals. *arbiter.Arbiter satisfies it.
type Committer interface {
	Commit(p arbiter.Proposal) []arbiter.Decision
}

// Resolver resolves one counter set.
type Resolver struct {
	name       string
	keys       []string
	arb        Committer
	cache      cache.Store
	strategies []Strategy

	timeouts       map[ir.Provenance]time.Duration
	defaultTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout sets the timeout of one strategy.
func WithTimeout(strategy ir.Provenance, d time.Duration) Option {
	return func(r *Resolver) {
		r.timeouts[strategy] = d
	}
}

// WithDefaultTimeout replaces DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.defaultTimeout = d
	}
}

// WithNow overrides the wall clock used for timings.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a resolver for the named set. store may be cache.Disabled{}.
func New(name string, keys []string, arb Committer, store cache.Store, strategies []Strategy, opts ...Option) *Resolver {
	r := &Resolver{
		name:           name,
		keys:           keys,
		arb:            arb,
		cache:          store,
		strategies:     strategies,
		timeouts:       make(map[ir.Provenance]time.Duration),
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver", "set", name)
	return r
}

// Strategies returns the names of the configured strategies in order.
func (r *Resolver) Strategies() []ir.Provenance {
	out := make([]ir.Provenance, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.Name()
	}
	return out
}

type resolveOptions struct {
	bypassCache bool
	view        string
}

// ResolveOption configures one Resolve call.
type ResolveOption func(*resolveOptions)

// BypassCache skips the cache-first short circuit.
func BypassCache() ResolveOption {
	return func(o *resolveOptions) {
		o.bypassCache = true
	}
}

// ForView stamps every proposal of the pass with a page view token.
func ForView(token string) ResolveOption {
	return func(o *resolveOptions) {
		o.view = token
	}
}

// Resolve returns the best available counter set.
//
// On a cache hit the cached set is returned immediately and the network
// chain continues on a background goroutine that outlives ctx's
// cancellation; use Wait to join it.
func (r *Resolver) Resolve(ctx context.Context, opts ...ResolveOption) ir.CounterSet {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.bypassCache {
		start := r.now()
		set := cache.ReadSet(r.cache, r.name, r.keys, ir.ProvenanceCacheFirst)
		if set.HasAny() {
			set.Timing = ir.Timing{Start: start}
			set.Timing.Finalize(r.now())
			r.arb.Commit(arbiter.Proposal{
				Caller: arbiter.WriterResolverCache,
				Values: set.Values,
				Source: ir.ProvenanceCacheFirst,
				Timing: &set.Timing,
				View:   o.view,
			})
			r.logger.Debug("cache-first hit, resolving in background")

			bg := context.WithoutCancel(ctx)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.chain(bg, o)
			}()
			return set
		}
	}
	return r.chain(ctx, o)
}

// Wait blocks until every background pass has finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// chain runs the strategies in order and commits the first success.
func (r *Resolver) chain(ctx context.Context, o resolveOptions) ir.CounterSet {
	timing := ir.Timing{Start: r.now()}

	for _, s := range r.strategies {
		attempt, values := r.attempt(ctx, s)
		timing.Attempts = append(timing.Attempts, attempt)
		if !attempt.Succeeded {
			continue
		}

		timing.Finalize(r.now())
		set := ir.NewCounterSet(r.name, r.keys)
		for k, v := range values {
			set.Values[k] = v
		}
		set.Tag(s.Name())
		set.Timing = timing

		decisions := r.arb.Commit(arbiter.Proposal{
			Caller: arbiter.WriterResolverCommit,
			Values: set.Values,
			Source: s.Name(),
			Timing: &timing,
			View:   o.view,
		})
		r.persist(decisions)
		r.logger.Debug("resolved", "strategy", s.Name(), "total", timing.Total)
		return set
	}

	timing.Finalize(r.now())
	set := cache.ReadSet(r.cache, r.name, r.keys, ir.ProvenanceCache)
	set.Timing = timing
	r.arb.Commit(arbiter.Proposal{
		Caller: arbiter.WriterResolverCache,
		Values: set.Values,
		Source: ir.ProvenanceCache,
		Timing: &timing,
		View:   o.view,
	})
	r.logger.Warn("all strategies failed, using cache", "attempts", len(timing.Attempts), "cached", set.HasAny())
	return set
}

// persist caches the values the arbiter now holds. Rejected proposals are
// not written so a stale pass cannot poison the next page load.
func (r *Resolver) persist(decisions []arbiter.Decision) {
	for _, d := range decisions {
		if (d.Accepted || d.Reason == arbiter.ReasonUnchanged) && d.Value.Valid {
			r.cache.Write(d.Key, d.Value.N)
		}
	}
}

type fetchResult struct {
	values map[string]ir.Value
	err    error
}

// attempt runs one strategy under its timeout. The fetch runs on its own
// goroutine so a strategy that ignores ctx cannot stall the chain.
func (r *Resolver) attempt(ctx context.Context, s Strategy) (ir.RetrievalAttempt, map[string]ir.Value) {
	name := s.Name()
	timeout := r.defaultTimeout
	if d, ok := r.timeouts[name]; ok {
		timeout = d
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- fetchResult{err: &AttemptError{Strategy: name, Code: ErrCodePanic, Err: fmt.Errorf("%v", rec)}}
			}
		}()
		v, err := s.Fetch(actx)
		ch <- fetchResult{values: v, err: err}
	}()

	var res fetchResult
	select {
	case res = <-ch:
	case <-actx.Done():
		res.err = actx.Err()
	}
	end := r.now()

	values, err := r.classify(name, res)
	a := ir.RetrievalAttempt{
		Strategy:  name,
		Start:     start,
		End:       end,
		Duration:  end.Sub(start),
		Succeeded: err == nil,
	}
	if err != nil {
		a.Err = err.Error()
		r.logger.Debug("attempt failed", "strategy", name, "error", err, "duration", a.Duration)
		return a, nil
	}
	return a, values
}

// classify turns a raw fetch result into usable values or an *AttemptError.
func (r *Resolver) classify(name ir.Provenance, res fetchResult) (map[string]ir.Value, error) {
	if res.err != nil {
		var ae *AttemptError
		if errors.As(res.err, &ae) {
			return nil, ae
		}
		code := ErrCodeFailed
		if errors.Is(res.err, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		return nil, &AttemptError{Strategy: name, Code: code, Err: res.err}
	}

	values := make(map[string]ir.Value, len(r.keys))
	found := false
	for _, k := range r.keys {
		if v, ok := res.values[k]; ok && v.Valid {
			values[k] = v
			found = true
		}
	}
	if !found {
		return nil, &AttemptError{Strategy: name, Code: ErrCodeEmpty, Err: backend.ErrEmpty}
	}
	return values, nil
}
