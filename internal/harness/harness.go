package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/backend/memory"
	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/coordinator"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/testutil"
)

// Harness executes one scenario. It is created by Run.
type Harness struct {
	eng    *engine.Engine
	srv    *memory.Backend
	set    string
	views  []string
	logger *slog.Logger

	mu     sync.Mutex
	result *Result
}

type options struct {
	logger *slog.Logger
}

// Option configures Run.
type Option func(*options)

// WithLogger routes engine logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory SQLite cache and a fresh
// simulated backend. The returned error reports a scenario that could not
// be executed; failed expectations are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	policy := config.Default()
	if scenario.Policy != "" {
		p, err := config.Load(scenario.Policy)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		policy = p
	}
	if scenario.Optimistic {
		policy.Optimistic = true
	}

	st, err := store.Open(":memory:", store.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory cache: %w", err)
	}
	defer st.Close()
	for k, v := range scenario.Cache {
		st.Write(k, v)
	}

	srv := memory.New(scenario.Server)
	for op, ss := range scenario.Scripts {
		srv.Script(knownOps[op], ss.Script())
	}

	clock := testutil.NewFakeClock(time.Millisecond)
	eng := engine.New(policy, srv, st,
		engine.WithViewGenerator(testutil.NewFixedViewGenerator("page")),
		engine.WithNow(clock.Now),
		engine.WithLogger(o.logger),
		engine.WithOverlayWriter(io.Discard),
	)
	defer eng.Close()

	h := &Harness{
		eng:    eng,
		srv:    srv,
		set:    policy.Set,
		logger: o.logger.With("component", "harness", "scenario", scenario.Name),
		result: NewResult(),
	}
	unsubscribe := eng.Subscribe(h.onUpdate)
	defer unsubscribe()

	ctx := context.Background()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i+1, step); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
		// Join background passes so the trace order is deterministic.
		eng.Wait()
	}

	result := h.result
	result.Final = eng.Snapshot()
	result.Log = eng.Log()
	for name, op := range knownOps {
		result.Calls[name] = srv.Calls(op)
	}
	snaps, err := st.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	for _, s := range snaps {
		result.Cached[s.Key] = s.Value
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) onUpdate(u ir.StatsUpdate) {
	h.record(TraceEvent{
		Type:          EventNotify,
		Overall:       u.Overall,
		Values:        maps.Clone(u.Values),
		Sources:       maps.Clone(u.Sources),
		Authoritative: maps.Clone(u.Authoritative),
	})
}

// record appends e and returns its position.
func (h *Harness) record(e TraceEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.Trace = append(h.result.Trace, e)
	return len(h.result.Trace) - 1
}

func (h *Harness) setDetail(pos int, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.Trace[pos].Detail = detail
}

func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	switch {
	case step.Bootstrap != nil:
		pos := h.record(TraceEvent{Type: EventStep, Index: index, Step: "bootstrap"})
		h.eng.Bootstrap(ctx)
		view := h.eng.View()
		h.views = append(h.views, view)
		h.setDetail(pos, "view="+view)

	case step.Resolve != nil:
		var opts []resolver.ResolveOption
		detail := ""
		if step.Resolve.BypassCache {
			opts = append(opts, resolver.BypassCache())
			detail = "bypass_cache"
		}
		h.record(TraceEvent{Type: EventStep, Index: index, Step: "resolve", Detail: detail})
		if _, err := h.eng.Resolve(ctx, h.set, opts...); err != nil {
			return err
		}

	case step.ServerWrite != "":
		h.record(TraceEvent{Type: EventStep, Index: index, Step: "server_write", Detail: step.ServerWrite})
		if _, ok := h.srv.ServerWrite(step.ServerWrite); !ok {
			return fmt.Errorf("no server trigger for action %q", step.ServerWrite)
		}

	case step.Action != nil:
		h.record(TraceEvent{Type: EventStep, Index: index, Step: "action", Detail: step.Action.Kind})
		h.action(ctx, index, step.Action)

	case step.Propose != nil:
		return h.propose(index, step.Propose)

	case step.Script != nil:
		s := step.Script
		h.record(TraceEvent{Type: EventStep, Index: index, Step: "script", Detail: scriptDetail(s)})
		h.srv.Script(knownOps[s.Op], s.Script())

	default:
		return errors.New("empty step")
	}
	return nil
}

func (h *Harness) action(ctx context.Context, index int, a *ActionStep) {
	res, err := h.eng.RecordUserAction(ctx, a.Kind, a.Metadata)

	code := ""
	if err != nil {
		var ie *coordinator.IncrementError
		if errors.As(err, &ie) {
			code = string(ie.Code)
		} else {
			code = err.Error()
		}
	}
	h.record(TraceEvent{
		Type:     EventAction,
		Kind:     res.Kind,
		Class:    string(res.Class),
		Accepted: res.Accepted,
		Total:    res.NewTotal,
		Err:      code,
	})
	if code != a.ExpectError {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.result.AddError(fmt.Sprintf("flow step %d: action %s: expected error %q, got %q", index, a.Kind, a.ExpectError, code))
	}
	h.logger.Debug("action recorded", "kind", a.Kind, "accepted", res.Accepted, "total", res.NewTotal, "error", code)
}

func (h *Harness) propose(index int, p *ProposeStep) error {
	view := ""
	switch p.View {
	case "previous":
		if len(h.views) < 2 {
			return errors.New("propose: no previous page view")
		}
		view = h.views[len(h.views)-2]
	case "current":
		view = h.eng.View()
	}

	detail := fmt.Sprintf("%s %s=%d", p.Caller, p.Key, p.Value)
	if view != "" {
		detail += " view=" + view
	}
	h.record(TraceEvent{Type: EventStep, Index: index, Step: "propose", Detail: detail})

	var d arbiter.Decision
	if view == "" {
		d = h.eng.Propose(p.Key, p.Value, ir.WriterID(p.Caller))
	} else {
		d = h.eng.ProposeForView(p.Key, p.Value, ir.WriterID(p.Caller), view)
	}
	h.record(TraceEvent{
		Type:     EventDecision,
		Caller:   ir.WriterID(p.Caller),
		Key:      d.Key,
		Accepted: d.Accepted,
		Reason:   string(d.Reason),
	})
	return nil
}

func scriptDetail(s *ScriptStep) string {
	parts := []string{s.Op}
	if s.Delay != "" {
		parts = append(parts, "delay="+s.Delay)
	}
	if s.Fail {
		parts = append(parts, "fail")
	}
	if s.Hang {
		parts = append(parts, "hang")
	}
	if len(s.Values) > 0 {
		for _, k := range slices.Sorted(maps.Keys(s.Values)) {
			parts = append(parts, fmt.Sprintf("%s=%d", k, s.Values[k]))
		}
	}
	return strings.Join(parts, " ")
}
