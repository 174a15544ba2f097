// Package coordinator turns user actions into correct shared-counter totals.
//
// Some actions are already counted by the backend (a trigger fires on the
// related write); adding a client-side +1 for those double counts. Others
// need the explicit increment operation. The coordinator classifies each
// action, applies exactly one strategy, and proposes the resulting total
// through the arbiter:
//
//   - side-effect: no manual increment; a cache-bypassing resolution picks
//     up the server's own total.
//   - increment: call the backend increment and adopt the total it returns.
//
// A failed increment leaves the visible value at last-known-good and is
// reported to the caller as an *IncrementError.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/backend"
	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/resolver"
)

// DefaultTimeout bounds one backend increment call.
const DefaultTimeout = 5 * time.Second

// Arbiter is the part of *arbiter.Arbiter the coordinator uses.
type Arbiter interface {
	Commit(p arbiter.Proposal) []arbiter.Decision
	Value(key string) ir.Value
}

// Refresher runs a resolution pass. *resolver.Resolver satisfies it.
type Refresher interface {
	Resolve(ctx context.Context, opts ...resolver.ResolveOption) ir.CounterSet
}

// Result is the outcome of one recorded action.
type Result struct {
	Kind string `json:"kind"`
	// Class is the strategy that was applied.
	Class Class  `json:"class"`
	Key   string `json:"key"`
	// Accepted is true when the new total was confirmed by the backend.
	Accepted bool `json:"accepted"`
	// NewTotal is the arbiter's value for Key after the action.
	NewTotal ir.Value `json:"new_total"`
}

// Outcome is delivered by Submit.
type Outcome struct {
	Result Result
	Err    error
}

// Coordinator records user actions for one counter set.
type Coordinator struct {
	arb        Arbiter
	refresher  Refresher
	inc        backend.Incrementer
	cache      cache.Store
	policy     Policy
	defaultKey string
	optimistic bool
	timeout    time.Duration
	logger     *slog.Logger

	// incMu serializes explicit increments so an optimistic value and its
	// rollback always refer to the same last-known-good.
	incMu sync.Mutex
	wg    sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithDefaultKey sets the counter unknown action kinds are attributed to.
func WithDefaultKey(key string) Option {
	return func(c *Coordinator) {
		c.defaultKey = key
	}
}

// WithOptimistic shows last-known-good+1 while an explicit increment is in
// flight, rolling back if it fails.
func WithOptimistic(on bool) Option {
	return func(c *Coordinator) {
		c.optimistic = on
	}
}

// WithTimeout replaces DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a coordinator. inc may be nil when the backend has no
// increment operation; explicit-increment actions then fail.
func New(arb Arbiter, refresher Refresher, inc backend.Incrementer, store cache.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		arb:        arb,
		refresher:  refresher,
		inc:        inc,
		cache:      store,
		policy:     DefaultPolicy(),
		defaultKey: ir.KeyTotalActions,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// Classify returns the action classification for kind.
func (c *Coordinator) Classify(kind string) Action {
	return c.policy.Classify(kind, c.defaultKey)
}

// RecordUserAction applies the strategy for kind and returns the resulting
// total. Only explicit-increment failures return an error.
func (c *Coordinator) RecordUserAction(ctx context.Context, kind string, metadata map[string]string) (Result, error) {
	action := c.Classify(kind)
	c.logger.Debug("user action", "kind", kind, "class", action.Class, "key", action.Key, "metadata", metadata)

	if action.Class == Increment {
		return c.increment(ctx, kind, action)
	}
	return c.sideEffect(ctx, kind, action), nil
}

// Submit runs RecordUserAction on its own goroutine so the caller can
// acknowledge the user immediately. The channel receives exactly one Outcome.
func (c *Coordinator) Submit(ctx context.Context, kind string, metadata map[string]string) <-chan Outcome {
	out := make(chan Outcome, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.RecordUserAction(ctx, kind, metadata)
		out <- Outcome{Result: res, Err: err}
	}()
	return out
}

// Wait blocks until every submitted action has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) sideEffect(ctx context.Context, kind string, action Action) Result {
	set := c.refresher.Resolve(ctx, resolver.BypassCache())
	return Result{
		Kind:     kind,
		Class:    SideEffect,
		Key:      action.Key,
		Accepted: set.Overall != ir.ProvenanceCache,
		NewTotal: c.arb.Value(action.Key),
	}
}

func (c *Coordinator) increment(ctx context.Context, kind string, action Action) (Result, error) {
	c.incMu.Lock()
	defer c.incMu.Unlock()

	res := Result{Kind: kind, Class: Increment, Key: action.Key}
	lastGood := c.arb.Value(action.Key)

	optimistic := c.optimistic && lastGood.Valid
	if optimistic {
		c.arb.Commit(arbiter.Proposal{
			Caller: arbiter.WriterCoordinatorOptimistic,
			Values: map[string]ir.Value{action.Key: ir.Int(lastGood.N + 1)},
		})
	}

	total, err := c.callIncrement(ctx, action.Counter)
	if err != nil {
		ie := &IncrementError{Code: ErrCodeBackend, Kind: kind, Key: action.Key, Counter: action.Counter, Err: err}
		switch {
		case c.inc == nil:
			ie.Code = ErrCodeNoIncrementer
		case errors.Is(err, context.DeadlineExceeded):
			ie.Code = ErrCodeTimeout
		}
		if optimistic {
			// Only undo our own +1; a newer total that landed meanwhile stays.
			c.arb.Commit(arbiter.Proposal{
				Caller: arbiter.WriterCoordinatorRollback,
				Values: map[string]ir.Value{action.Key: lastGood},
				Expect: map[string]ir.Value{action.Key: ir.Int(lastGood.N + 1)},
			})
		}
		c.logger.Warn("increment failed", "kind", kind, "counter", action.Counter, "code", ie.Code, "error", err)
		res.NewTotal = c.arb.Value(action.Key)
		return res, ie
	}

	decisions := c.arb.Commit(arbiter.Proposal{
		Caller: arbiter.WriterCoordinatorConfirmed,
		Values: map[string]ir.Value{action.Key: ir.Int(total)},
		Source: ir.ProvenanceIncrement,
	})
	for _, d := range decisions {
		if d.Accepted || d.Reason == arbiter.ReasonUnchanged {
			c.cache.Write(d.Key, total)
		}
	}
	res.Accepted = true
	res.NewTotal = c.arb.Value(action.Key)
	c.logger.Debug("increment confirmed", "kind", kind, "key", action.Key, "total", total)
	return res, nil
}

var errNoIncrementer = errors.New("backend has no increment operation")

func (c *Coordinator) callIncrement(ctx context.Context, counter string) (int64, error) {
	if c.inc == nil {
		return 0, errNoIncrementer
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inc.Increment(ctx, counter)
}
