// Package memory is an in-process simulated server.
//
// It keeps canonical counter totals, exposes them through every backend
// capability (live metrics, procedure call, raw table, increment), and
// applies trigger semantics: ServerWrite models a related backend write
// whose database trigger increments a counter. Every operation can be
// scripted to fail, hang or respond late, which drives the scenario
// harness and the CLI demo.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/roach88/tally/internal/backend"
	"github.com/roach88/tally/internal/ir"
)

// Op names a backend operation for scripting.
type Op string

const (
	OpLiveMetrics Op = "live-metrics"
	OpCall        Op = "remote-call"
	OpReadRow     Op = "fallback-table"
	OpIncrement   Op = "increment"
)

// Script shapes the next responses of one operation.
type Script struct {
	// Delay is waited before responding (honoring ctx).
	Delay time.Duration
	// Fail makes the call return an error after Delay.
	Fail bool
	// Hang blocks until ctx is done, ignoring Delay.
	Hang bool
	// Values replaces the response; nil means the current totals.
	Values map[string]int64
}

// DefaultColumns maps raw table columns to counter keys.
var DefaultColumns = map[string]string{
	"hi_waves":    ir.KeyWaves,
	"total_his":   ir.KeyTotalActions,
	"total_users": ir.KeyParticipants,
}

// DefaultIncrements maps increment function names to counter keys.
var DefaultIncrements = map[string]string{
	"increment_total_hi": ir.KeyTotalActions,
	"increment_hi_waves": ir.KeyWaves,
}

// Backend is a simulated server. Safe for concurrent use.
type Backend struct {
	mu         sync.Mutex
	totals     map[string]int64
	scripts    map[Op]Script
	calls      map[Op]int
	columns    map[string]string
	increments map[string]string
	triggers   map[string]string
}

// New returns a backend holding totals.
func New(totals map[string]int64) *Backend {
	if totals == nil {
		totals = make(map[string]int64)
	}
	return &Backend{
		totals:     maps.Clone(totals),
		scripts:    make(map[Op]Script),
		calls:      make(map[Op]int),
		columns:    maps.Clone(DefaultColumns),
		increments: maps.Clone(DefaultIncrements),
		triggers:   map[string]string{"share": ir.KeyTotalActions},
	}
}

var (
	_ backend.LiveMetricsReader = (*Backend)(nil)
	_ backend.ProcedureCaller   = (*Backend)(nil)
	_ backend.TableReader       = (*Backend)(nil)
	_ backend.Incrementer       = (*Backend)(nil)
)

// Script sets the behavior of op.
func (b *Backend) Script(op Op, s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[op] = s
}

// Trigger declares that a server write of kind increments key.
func (b *Backend) Trigger(kind, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.triggers[kind] = key
}

// ServerWrite applies a related write of kind; if a trigger is declared for
// kind the counter is incremented server-side. Returns the affected key.
func (b *Backend) ServerWrite(kind string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.triggers[kind]
	if !ok {
		return "", false
	}
	b.totals[key]++
	return key, true
}

// Set overwrites a server total.
func (b *Backend) Set(key string, v int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totals[key] = v
}

// Total returns a server total.
func (b *Backend) Total(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totals[key]
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// begin counts the call and returns its script with a response snapshot.
func (b *Backend) begin(op Op) (Script, map[string]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	s := b.scripts[op]
	if s.Values != nil {
		return s, maps.Clone(s.Values)
	}
	return s, maps.Clone(b.totals)
}

func wait(ctx context.Context, op Op, s Script) error {
	if s.Hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if s.Fail {
		return fmt.Errorf("%s: %w", op, backend.ErrUnavailable)
	}
	return nil
}

// LiveMetrics implements backend.LiveMetricsReader.
func (b *Backend) LiveMetrics(ctx context.Context) (backend.Metrics, error) {
	s, vals := b.begin(OpLiveMetrics)
	if err := wait(ctx, OpLiveMetrics, s); err != nil {
		return nil, err
	}
	return backend.Metrics(vals), nil
}

// Call implements backend.ProcedureCaller. Every procedure returns the totals.
func (b *Backend) Call(ctx context.Context, procedure string) (backend.Metrics, error) {
	s, vals := b.begin(OpCall)
	if err := wait(ctx, OpCall, s); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", procedure, err)
	}
	return backend.Metrics(vals), nil
}

// ReadRow implements backend.TableReader, translating counter keys to the
// table's column names.
func (b *Backend) ReadRow(ctx context.Context, table string, columns []string) (backend.Metrics, error) {
	s, vals := b.begin(OpReadRow)
	if err := wait(ctx, OpReadRow, s); err != nil {
		return nil, fmt.Errorf("table %s: %w", table, err)
	}
	out := make(backend.Metrics, len(columns))
	for _, col := range columns {
		key, ok := b.columns[col]
		if !ok {
			continue
		}
		if v, ok := vals[key]; ok {
			out[col] = v
		}
	}
	return out, nil
}

// ErrUnknownCounter is returned by Increment for an unmapped counter.
var ErrUnknownCounter = errors.New("unknown counter")

// Increment implements backend.Incrementer. counter is either an increment
// function name (DefaultIncrements) or a counter key.
func (b *Backend) Increment(ctx context.Context, counter string) (int64, error) {
	s, _ := b.begin(OpIncrement)
	if err := wait(ctx, OpIncrement, s); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	key := counter
	if k, ok := b.increments[counter]; ok {
		key = k
	}
	if _, ok := b.totals[key]; !ok {
		return 0, fmt.Errorf("increment %s: %w", counter, ErrUnknownCounter)
	}
	b.totals[key]++
	return b.totals[key], nil
}
