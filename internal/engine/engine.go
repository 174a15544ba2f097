package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/backend"
	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/coordinator"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/overlay"
	"github.com/roach88/tally/internal/resolver"
)

// ViewTokenGenerator generates page-view tokens.
// UUIDv7Generator is the default; tests use testutil.FixedViewGenerator.
type ViewTokenGenerator interface {
	Generate() string
}

// Engine is one client instance serving one counter set.
//
// Thread-safety: all methods are safe for concurrent use. Bootstrap is
// normally called once per page view from the UI goroutine.
type Engine struct {
	policy  config.Policy
	bus     *bus.Bus
	arb     *arbiter.Arbiter
	res     *resolver.Resolver
	coord   *coordinator.Coordinator
	overlay *overlay.Overlay
	viewGen ViewTokenGenerator
	logger  *slog.Logger

	mu   sync.Mutex
	view string
}

type options struct {
	bus           *bus.Bus
	viewGen       ViewTokenGenerator
	logger        *slog.Logger
	overlayWriter io.Writer
	now           func() time.Time
	clock         *arbiter.Clock
}

// Option configures an Engine.
type Option func(*options)

// WithBus shares an existing bus.
func WithBus(b *bus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithViewGenerator replaces UUIDv7Generator.
func WithViewGenerator(g ViewTokenGenerator) Option {
	return func(o *options) {
		o.viewGen = g
	}
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithOverlayWriter renders the debug overlay to w. Ignored unless the
// policy enables debug mode.
func WithOverlayWriter(w io.Writer) Option {
	return func(o *options) {
		o.overlayWriter = w
	}
}

// WithNow overrides the wall clock used for timings and the write log.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithClock shares a logical clock for notification sequence numbers.
func WithClock(c *arbiter.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// New wires an engine for policy p. be is any value implementing one or
// more backend capabilities; the resolver chain and the coordinator's
// increment operation are derived from what it implements.
func New(p config.Policy, be any, store cache.Store, opts ...Option) *Engine {
	o := options{
		viewGen: UUIDv7Generator{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = bus.New(bus.WithLogger(o.logger))
	}

	arbOpts := []arbiter.Option{
		arbiter.WithRegistry(p.Registry()),
		arbiter.WithLogSize(p.LogSize),
		arbiter.WithNow(o.now),
		arbiter.WithLogger(o.logger),
	}
	if o.clock != nil {
		arbOpts = append(arbOpts, arbiter.WithClock(o.clock))
	}
	arb := arbiter.New(p.Set, p.Keys, o.bus, arbOpts...)

	resOpts := append(p.Timeouts(), resolver.WithNow(o.now), resolver.WithLogger(o.logger))
	res := resolver.New(p.Set, arb.Keys(), arb, store, resolver.FromBackend(be, p.ResolverOptions()), resOpts...)

	var inc backend.Incrementer
	if i, ok := be.(backend.Incrementer); ok {
		inc = i
	}
	coord := coordinator.New(arb, res, inc, store,
		coordinator.WithPolicy(p.Actions),
		coordinator.WithOptimistic(p.Optimistic),
		coordinator.WithTimeout(p.IncrementTimeout),
		coordinator.WithLogger(o.logger),
	)

	e := &Engine{
		policy:  p,
		bus:     o.bus,
		arb:     arb,
		res:     res,
		coord:   coord,
		viewGen: o.viewGen,
		logger:  o.logger.With("component", "engine", "set", p.Set),
	}
	if p.Debug {
		ovOpts := []overlay.Option{
			overlay.WithHistorySize(p.HistorySize),
			overlay.WithRefresher(res),
			overlay.WithLogger(o.logger),
		}
		if o.overlayWriter != nil {
			ovOpts = append(ovOpts, overlay.WithWriter(o.overlayWriter))
		}
		e.overlay = overlay.New(o.bus, ovOpts...)
	}
	e.logger.Debug("engine ready", "keys", arb.Keys(), "strategies", res.Strategies(), "debug", p.Debug)
	return e
}

// Bootstrap starts a new page view and returns the first available values,
// usually from the cache. A background pass may still be running; use Wait
// to join it.
func (e *Engine) Bootstrap(ctx context.Context, opts ...resolver.ResolveOption) ir.CounterSet {
	view := e.viewGen.Generate()
	e.mu.Lock()
	e.view = view
	e.mu.Unlock()

	e.arb.BeginView(view)
	e.logger.Debug("bootstrap", "view", view)
	return e.res.Resolve(ctx, append([]resolver.ResolveOption{resolver.ForView(view)}, opts...)...)
}

// View returns the current page-view token.
func (e *Engine) View() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Resolve runs a resolution pass for the named set under the current view.
func (e *Engine) Resolve(ctx context.Context, name string, opts ...resolver.ResolveOption) (ir.CounterSet, error) {
	if ir.NormalizeKey(name) != e.arb.Name() {
		return ir.CounterSet{}, fmt.Errorf("%w: %q", ErrUnknownSet, name)
	}
	opts = append([]resolver.ResolveOption{resolver.ForView(e.View())}, opts...)
	return e.res.Resolve(ctx, opts...), nil
}

// RecordUserAction reports a user interaction that may affect a counter.
func (e *Engine) RecordUserAction(ctx context.Context, kind string, metadata map[string]string) (coordinator.Result, error) {
	return e.coord.RecordUserAction(ctx, kind, metadata)
}

// Submit is RecordUserAction without waiting.
func (e *Engine) Submit(ctx context.Context, kind string, metadata map[string]string) <-chan coordinator.Outcome {
	return e.coord.Submit(ctx, kind, metadata)
}

// Subscribe delivers every stats update to fn.
func (e *Engine) Subscribe(fn func(ir.StatsUpdate)) (unsubscribe func()) {
	return e.bus.Subscribe(bus.TopicStatsUpdated, func(_ string, payload any) {
		if u, ok := payload.(ir.StatsUpdate); ok {
			fn(u)
		}
	})
}

// Bind attaches a display widget to one counter.
func (e *Engine) Bind(key string, d arbiter.Display) (unbind func()) {
	return e.arb.Bind(key, d)
}

// Snapshot returns the current state of the set.
func (e *Engine) Snapshot() ir.StatsUpdate {
	return e.arb.Snapshot()
}

// Log returns the retained write attempts, oldest first.
func (e *Engine) Log() []ir.WriteAttempt {
	return e.arb.Log()
}

// Summary condenses the write log.
func (e *Engine) Summary() arbiter.Summary {
	return e.arb.Summary()
}

// Propose submits a value on behalf of an external writer such as a legacy
// initializer. Its trust comes from the registry.
func (e *Engine) Propose(key string, v int64, caller ir.WriterID) arbiter.Decision {
	return e.arb.Commit(arbiter.Proposal{
		Caller: caller,
		Values: map[string]ir.Value{key: ir.Int(v)},
	})[0]
}

// ProposeForView is Propose stamped with a page-view token, as a timer
// started under that view would do.
func (e *Engine) ProposeForView(key string, v int64, caller ir.WriterID, view string) arbiter.Decision {
	return e.arb.Commit(arbiter.Proposal{
		Caller: caller,
		Values: map[string]ir.Value{key: ir.Int(v)},
		View:   view,
	})[0]
}

// Overlay returns the diagnostics overlay, or nil outside debug mode.
func (e *Engine) Overlay() *overlay.Overlay {
	return e.overlay
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Wait blocks until background resolutions and submitted actions finish.
func (e *Engine) Wait() {
	e.res.Wait()
	e.coord.Wait()
}

// Close detaches the overlay. It does not close the cache or backend.
func (e *Engine) Close() {
	if e.overlay != nil {
		e.overlay.Close()
	}
}
