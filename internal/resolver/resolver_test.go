package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/backend"
	"github.com/roach88/tally/internal/backend/memory"
	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/testutil"
)

type fixture struct {
	bus   *bus.Bus
	arb   *arbiter.Arbiter
	cache *cache.Memory
	rec   *testutil.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	f := &fixture{
		bus:   b,
		arb:   arbiter.New("global", ir.DefaultKeys, b),
		cache: cache.NewMemory(),
		rec:   testutil.NewRecorder(b),
	}
	t.Cleanup(f.rec.Stop)
	return f
}

func (f *fixture) resolver(strategies []Strategy, opts ...Option) *Resolver {
	return New("global", ir.DefaultKeys, f.arb, f.cache, strategies, opts...)
}

func values(kv map[string]int64) map[string]ir.Value {
	out := make(map[string]ir.Value, len(kv))
	for k, v := range kv {
		out[k] = ir.Int(v)
	}
	return out
}

func static(name ir.Provenance, kv map[string]int64) Strategy {
	return Func(name, func(context.Context) (map[string]ir.Value, error) {
		return values(kv), nil
	})
}

func failing(name ir.Provenance) Strategy {
	return Func(name, func(context.Context) (map[string]ir.Value, error) {
		return nil, backend.ErrUnavailable
	})
}

func TestResolve_EmptyCacheLiveMetrics(t *testing.T) {
	f := newFixture(t)
	srv := memory.New(map[string]int64{ir.KeyWaves: 120, ir.KeyTotalActions: 450, ir.KeyParticipants: 12})
	srv.Script(memory.OpLiveMetrics, memory.Script{Delay: 80 * time.Millisecond})
	r := f.resolver(FromBackend(srv, Options{}))

	set := r.Resolve(context.Background())
	r.Wait()

	assert.Equal(t, ir.ProvenanceLiveMetrics, set.Overall)
	for _, k := range ir.DefaultKeys {
		assert.Equal(t, ir.ProvenanceLiveMetrics, set.Sources[k], k)
		assert.True(t, f.arb.Authoritative(k), k)
	}
	require.Equal(t, 1, f.rec.Len())
	u, _ := f.rec.Last()
	assert.Equal(t, ir.Int(450), u.Values[ir.KeyTotalActions])
	assert.Equal(t, ir.ProvenanceLiveMetrics, u.Overall)
	assert.Equal(t, 0, srv.Calls(memory.OpCall))

	// Confirmed values are persisted.
	v, ok := f.cache.Read(ir.KeyWaves)
	require.True(t, ok)
	assert.Equal(t, int64(120), v)
}

func TestResolve_FirstFailureSecondWinsThirdNeverRuns(t *testing.T) {
	f := newFixture(t)
	srv := memory.New(map[string]int64{ir.KeyTotalActions: 402})
	srv.Script(memory.OpLiveMetrics, memory.Script{Fail: true})
	r := f.resolver(FromBackend(srv, Options{}))

	set := r.Resolve(context.Background(), BypassCache())

	assert.Equal(t, ir.ProvenanceRemoteCall, set.Overall)
	assert.Equal(t, 1, srv.Calls(memory.OpLiveMetrics))
	assert.Equal(t, 1, srv.Calls(memory.OpCall))
	assert.Equal(t, 0, srv.Calls(memory.OpReadRow))
	require.Len(t, set.Timing.Attempts, 2)
	assert.False(t, set.Timing.Attempts[0].Succeeded)
	assert.Contains(t, set.Timing.Attempts[0].Err, string(ErrCodeFailed))
	require.NotNil(t, set.Timing.Fastest)
	assert.Equal(t, ir.ProvenanceRemoteCall, set.Timing.Fastest.Strategy)
}

func TestResolve_CacheFirstNotifiesBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	f.cache.Write(ir.KeyTotalActions, 400)

	release := make(chan struct{})
	started := make(chan struct{})
	slow := Func(ir.ProvenanceRemoteCall, func(ctx context.Context) (map[string]ir.Value, error) {
		close(started)
		<-release
		return values(map[string]int64{ir.KeyTotalActions: 402}), nil
	})
	r := f.resolver([]Strategy{failing(ir.ProvenanceLiveMetrics), slow})

	set := r.Resolve(context.Background())

	assert.Equal(t, ir.ProvenanceCacheFirst, set.Overall)
	assert.Equal(t, ir.Int(400), set.Values[ir.KeyTotalActions])
	require.Equal(t, 1, f.rec.Len(), "cache-first notification must precede network completion")

	<-started
	close(release)
	r.Wait()

	updates := f.rec.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, ir.ProvenanceCacheFirst, updates[0].Overall)
	assert.Equal(t, ir.Int(400), updates[0].Values[ir.KeyTotalActions])
	assert.Equal(t, ir.ProvenanceRemoteCall, updates[1].Overall)
	assert.Equal(t, ir.Int(402), updates[1].Values[ir.KeyTotalActions])
	assert.Less(t, updates[0].Seq, updates[1].Seq)
	assert.True(t, f.arb.Authoritative(ir.KeyTotalActions))
}

func TestResolve_BackgroundSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t)
	f.cache.Write(ir.KeyWaves, 1)
	ctx, cancel := context.WithCancel(context.Background())
	r := f.resolver([]Strategy{Func(ir.ProvenanceLiveMetrics, func(ctx context.Context) (map[string]ir.Value, error) {
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return values(map[string]int64{ir.KeyWaves: 2}), nil
	})})

	r.Resolve(ctx)
	r.Wait()

	assert.Equal(t, ir.Int(2), f.arb.Value(ir.KeyWaves))
}

func TestResolve_AllFailFallsBackToCache(t *testing.T) {
	f := newFixture(t)
	f.cache.Write(ir.KeyParticipants, 12)
	srv := memory.New(nil)
	for _, op := range []memory.Op{memory.OpLiveMetrics, memory.OpCall, memory.OpReadRow} {
		srv.Script(op, memory.Script{Fail: true})
	}
	r := f.resolver(FromBackend(srv, Options{}))

	set := r.Resolve(context.Background(), BypassCache())

	assert.Equal(t, ir.ProvenanceCache, set.Overall)
	assert.Equal(t, ir.Int(12), set.Values[ir.KeyParticipants])
	assert.Len(t, set.Timing.Attempts, 3)
	assert.Nil(t, set.Timing.Fastest)
	assert.Equal(t, ir.Int(12), f.arb.Value(ir.KeyParticipants))
	assert.False(t, f.arb.Authoritative(ir.KeyParticipants))
	u, ok := f.rec.Last()
	require.True(t, ok)
	assert.Equal(t, ir.ProvenanceCache, u.Overall)
}

func TestResolve_CacheFirstThenAllFailRetagsAsCache(t *testing.T) {
	f := newFixture(t)
	f.cache.Write(ir.KeyParticipants, 12)
	srv := memory.New(nil)
	for _, op := range []memory.Op{memory.OpLiveMetrics, memory.OpCall, memory.OpReadRow} {
		srv.Script(op, memory.Script{Fail: true})
	}
	r := f.resolver(FromBackend(srv, Options{}))

	set := r.Resolve(context.Background())
	r.Wait()

	assert.Equal(t, ir.ProvenanceCacheFirst, set.Overall)
	updates := f.rec.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, ir.ProvenanceCacheFirst, updates[0].Overall)
	assert.Equal(t, ir.ProvenanceCache, updates[1].Overall)
	assert.Equal(t, ir.ProvenanceCache, updates[1].Sources[ir.KeyParticipants])
	assert.Equal(t, ir.Int(12), updates[1].Values[ir.KeyParticipants])
	assert.Len(t, updates[1].Timing.Attempts, 3)
	assert.False(t, f.arb.Authoritative(ir.KeyParticipants))
}

func TestResolve_AllFailEmptyCacheStaysNull(t *testing.T) {
	f := newFixture(t)
	r := f.resolver([]Strategy{failing(ir.ProvenanceLiveMetrics)})

	set := r.Resolve(context.Background())

	assert.Equal(t, ir.ProvenanceCache, set.Overall)
	assert.False(t, set.HasAny())
	assert.Equal(t, 0, f.rec.Len())
	assert.Equal(t, "...", f.arb.Value(ir.KeyWaves).String())
}

func TestResolve_TimeoutAdvancesChain(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	hang := Func(ir.ProvenanceLiveMetrics, func(context.Context) (map[string]ir.Value, error) {
		// Ignores ctx on purpose.
		<-block
		return nil, nil
	})
	r := f.resolver(
		[]Strategy{hang, static(ir.ProvenanceRemoteCall, map[string]int64{ir.KeyWaves: 5})},
		WithTimeout(ir.ProvenanceLiveMetrics, 20*time.Millisecond),
	)

	set := r.Resolve(context.Background(), BypassCache())

	assert.Equal(t, ir.ProvenanceRemoteCall, set.Overall)
	require.Len(t, set.Timing.Attempts, 2)
	assert.Contains(t, set.Timing.Attempts[0].Err, string(ErrCodeTimeout))
}

func TestResolve_PanicAndEmptyAreFailedAttempts(t *testing.T) {
	f := newFixture(t)
	boom := Func(ir.ProvenanceLiveMetrics, func(context.Context) (map[string]ir.Value, error) {
		panic("boom")
	})
	empty := static(ir.ProvenanceRemoteCall, map[string]int64{"unrelated": 1})
	table := static(ir.ProvenanceFallbackTable, map[string]int64{ir.KeyWaves: 9})
	r := f.resolver([]Strategy{boom, empty, table})

	set := r.Resolve(context.Background(), BypassCache())

	assert.Equal(t, ir.ProvenanceFallbackTable, set.Overall)
	require.Len(t, set.Timing.Attempts, 3)
	assert.Contains(t, set.Timing.Attempts[0].Err, string(ErrCodePanic))
	assert.Contains(t, set.Timing.Attempts[1].Err, string(ErrCodeEmpty))
	assert.True(t, set.Timing.Attempts[2].Succeeded)
}

func TestResolve_FallbackTableTranslatesFields(t *testing.T) {
	f := newFixture(t)
	srv := memory.New(map[string]int64{ir.KeyWaves: 3, ir.KeyTotalActions: 30, ir.KeyParticipants: 2})
	r := f.resolver(FromBackend(srv, Options{Disabled: []ir.Provenance{ir.ProvenanceLiveMetrics, ir.ProvenanceRemoteCall}}))

	set := r.Resolve(context.Background(), BypassCache())

	assert.Equal(t, []ir.Provenance{ir.ProvenanceFallbackTable}, r.Strategies())
	assert.Equal(t, ir.Int(30), set.Values[ir.KeyTotalActions])
	assert.Equal(t, ir.Int(2), set.Values[ir.KeyParticipants])
}

func TestResolve_StaleViewRejectedAfterLock(t *testing.T) {
	f := newFixture(t)
	f.arb.BeginView("page-2")
	f.arb.Commit(arbiter.Proposal{
		Caller: arbiter.WriterResolverCommit,
		Values: values(map[string]int64{ir.KeyWaves: 10}),
		Source: ir.ProvenanceLiveMetrics,
		View:   "page-2",
	})
	r := f.resolver([]Strategy{static(ir.ProvenanceRemoteCall, map[string]int64{ir.KeyWaves: 7})})

	r.Resolve(context.Background(), BypassCache(), ForView("page-1"))

	assert.Equal(t, ir.Int(10), f.arb.Value(ir.KeyWaves))
	assert.Equal(t, 1, f.rec.Len())
}

func TestClassify(t *testing.T) {
	r := New("global", ir.DefaultKeys, nil, cache.Disabled{}, nil)

	_, err := r.classify(ir.ProvenanceRemoteCall, fetchResult{err: context.DeadlineExceeded})
	assert.True(t, IsTimeout(err))

	_, err = r.classify(ir.ProvenanceRemoteCall, fetchResult{err: errors.New("nope")})
	assert.False(t, IsTimeout(err))
	var ae *AttemptError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ErrCodeFailed, ae.Code)

	_, err = r.classify(ir.ProvenanceRemoteCall, fetchResult{values: map[string]ir.Value{ir.KeyWaves: ir.Null()}})
	assert.ErrorIs(t, err, backend.ErrEmpty)

	vals, err := r.classify(ir.ProvenanceRemoteCall, fetchResult{values: values(map[string]int64{ir.KeyWaves: 1, "x": 2})})
	require.NoError(t, err)
	assert.Equal(t, map[string]ir.Value{ir.KeyWaves: ir.Int(1)}, vals)
}

func TestResolve_RejectedValuesAreNotCached(t *testing.T) {
	f := newFixture(t)
	f.arb.BeginView("page-2")
	f.arb.Propose(ir.KeyWaves, 10, arbiter.WriterResolverCommit)
	r := f.resolver([]Strategy{static(ir.ProvenanceRemoteCall, map[string]int64{ir.KeyWaves: 7, ir.KeyParticipants: 3})})

	r.Resolve(context.Background(), BypassCache(), ForView("page-1"))

	_, ok := f.cache.Read(ir.KeyWaves)
	assert.False(t, ok)
	v, ok := f.cache.Read(ir.KeyParticipants)
	require.True(t, ok)
	assert.Equal(t, int64(3), v)
}
