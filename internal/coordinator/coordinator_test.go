package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/backend/memory"
	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/resolver"
	"github.com/roach88/tally/internal/testutil"
)

type fixture struct {
	srv   *memory.Backend
	arb   *arbiter.Arbiter
	cache *cache.Memory
	res   *resolver.Resolver
	rec   *testutil.Recorder
}

// newFixture returns a set already resolved from srv, so every counter is
// authoritative.
func newFixture(t *testing.T, totals map[string]int64) *fixture {
	t.Helper()
	b := bus.New()
	f := &fixture{
		srv:   memory.New(totals),
		arb:   arbiter.New("global", ir.DefaultKeys, b),
		cache: cache.NewMemory(),
	}
	f.res = resolver.New("global", ir.DefaultKeys, f.arb, f.cache, resolver.FromBackend(f.srv, resolver.Options{}))
	f.res.Resolve(context.Background(), resolver.BypassCache())
	f.rec = testutil.NewRecorder(b)
	t.Cleanup(f.rec.Stop)
	return f
}

func (f *fixture) coordinator(opts ...Option) *Coordinator {
	return New(f.arb, f.res, f.srv, f.cache, opts...)
}

func TestRecordUserAction_SideEffectAdoptsServerTotal(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyTotalActions: 402})
	c := f.coordinator()
	require.Equal(t, ir.Int(402), f.arb.Value(ir.KeyTotalActions))

	// The share write fires the server-side trigger.
	_, ok := f.srv.ServerWrite("share")
	require.True(t, ok)
	res, err := c.RecordUserAction(context.Background(), "share", map[string]string{"origin": "test"})

	require.NoError(t, err)
	assert.Equal(t, SideEffect, res.Class)
	assert.True(t, res.Accepted)
	assert.Equal(t, ir.Int(403), res.NewTotal)
	assert.Equal(t, ir.Int(403), f.arb.Value(ir.KeyTotalActions))
	assert.Equal(t, int64(403), f.srv.Total(ir.KeyTotalActions))
	assert.Equal(t, 0, f.srv.Calls(memory.OpIncrement))
}

func TestRecordUserAction_UnknownKindIsSideEffect(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyTotalActions: 10})
	c := f.coordinator()

	res, err := c.RecordUserAction(context.Background(), "mystery", nil)

	require.NoError(t, err)
	assert.Equal(t, SideEffect, res.Class)
	assert.Equal(t, ir.KeyTotalActions, res.Key)
	assert.Equal(t, ir.Int(10), res.NewTotal)
	assert.Equal(t, 0, f.srv.Calls(memory.OpIncrement))
	assert.Equal(t, 0, f.rec.Len(), "unchanged total publishes nothing")
}

func TestRecordUserAction_ExplicitIncrement(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyTotalActions: 450})
	c := f.coordinator()

	res, err := c.RecordUserAction(context.Background(), "hi", nil)

	require.NoError(t, err)
	assert.Equal(t, Increment, res.Class)
	assert.True(t, res.Accepted)
	assert.Equal(t, ir.Int(451), res.NewTotal)
	require.Equal(t, 1, f.rec.Len())
	u, _ := f.rec.Last()
	assert.Equal(t, ir.ProvenanceIncrement, u.Sources[ir.KeyTotalActions])
	v, ok := f.cache.Read(ir.KeyTotalActions)
	require.True(t, ok)
	assert.Equal(t, int64(451), v)
}

func TestRecordUserAction_IncrementFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyTotalActions: 450})
	f.srv.Script(memory.OpIncrement, memory.Script{Fail: true})
	c := f.coordinator()

	res, err := c.RecordUserAction(context.Background(), "hi", nil)

	require.Error(t, err)
	assert.True(t, IsIncrementError(err))
	var ie *IncrementError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ErrCodeBackend, ie.Code)
	assert.Equal(t, "increment_total_hi", ie.Counter)
	assert.False(t, res.Accepted)
	assert.Equal(t, ir.Int(450), f.arb.Value(ir.KeyTotalActions))
	assert.Equal(t, 0, f.rec.Len())
}

func TestRecordUserAction_OptimisticConfirmed(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyWaves: 7})
	c := f.coordinator(WithOptimistic(true))

	res, err := c.RecordUserAction(context.Background(), "wave", nil)

	require.NoError(t, err)
	assert.Equal(t, ir.Int(8), res.NewTotal)
	// +1 shown immediately; the equal confirmation only re-tags it.
	updates := f.rec.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, ir.Int(8), updates[0].Values[ir.KeyWaves])
	assert.Equal(t, ir.ProvenanceLiveMetrics, updates[0].Sources[ir.KeyWaves])
	assert.Equal(t, ir.Int(8), updates[1].Values[ir.KeyWaves])
	assert.Equal(t, ir.ProvenanceIncrement, updates[1].Sources[ir.KeyWaves])
}

func TestRecordUserAction_OptimisticRollback(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyWaves: 7})
	f.srv.Script(memory.OpIncrement, memory.Script{Fail: true})
	c := f.coordinator(WithOptimistic(true))

	_, err := c.RecordUserAction(context.Background(), "wave", nil)

	require.Error(t, err)
	updates := f.rec.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, ir.Int(8), updates[0].Values[ir.KeyWaves])
	assert.Equal(t, ir.Int(7), updates[1].Values[ir.KeyWaves])
	assert.Equal(t, ir.Int(7), f.arb.Value(ir.KeyWaves))
}

// stalledIncrementer blocks until released and then fails.
type stalledIncrementer struct {
	entered chan struct{}
	release chan struct{}
}

func (s stalledIncrementer) Increment(ctx context.Context, counter string) (int64, error) {
	close(s.entered)
	<-s.release
	return 0, errors.New("connection reset")
}

func TestRecordUserAction_RollbackKeepsNewerTotal(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyWaves: 402})
	inc := stalledIncrementer{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(f.arb, f.res, inc, f.cache, WithOptimistic(true))

	errc := make(chan error, 1)
	go func() {
		_, err := c.RecordUserAction(context.Background(), "wave", nil)
		errc <- err
	}()

	<-inc.entered
	require.Equal(t, ir.Int(403), f.arb.Value(ir.KeyWaves))
	d := f.arb.Propose(ir.KeyWaves, 405, arbiter.WriterResolverCommit)
	require.True(t, d.Accepted)

	close(inc.release)
	require.Error(t, <-errc)

	assert.Equal(t, ir.Int(405), f.arb.Value(ir.KeyWaves))
	log := f.arb.Log()
	last := log[len(log)-1]
	assert.Equal(t, arbiter.WriterCoordinatorRollback, last.Caller)
	assert.False(t, last.Accepted)
	assert.Equal(t, string(arbiter.ReasonSuperseded), last.Reason)
}

func TestRecordUserAction_IncrementTimeout(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyTotalActions: 1})
	f.srv.Script(memory.OpIncrement, memory.Script{Hang: true})
	c := f.coordinator(WithTimeout(20 * time.Millisecond))

	_, err := c.RecordUserAction(context.Background(), "hi", nil)

	var ie *IncrementError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ErrCodeTimeout, ie.Code)
}

func TestRecordUserAction_NoIncrementer(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyTotalActions: 1})
	c := New(f.arb, f.res, nil, f.cache)

	_, err := c.RecordUserAction(context.Background(), "hi", nil)

	var ie *IncrementError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ErrCodeNoIncrementer, ie.Code)
}

func TestSubmit_DeliversOneOutcome(t *testing.T) {
	f := newFixture(t, map[string]int64{ir.KeyTotalActions: 450})
	c := f.coordinator()

	ch := c.Submit(context.Background(), "hi", nil)
	c.Wait()

	out := <-ch
	require.NoError(t, out.Err)
	assert.Equal(t, ir.Int(451), out.Result.NewTotal)
}

func TestPolicy_Classify(t *testing.T) {
	p := Policy{
		"bare":  {Class: Increment},
		"share": {Class: SideEffect, Key: ir.KeyTotalActions},
	}

	a := p.Classify("bare", ir.KeyWaves)
	assert.Equal(t, Action{Class: Increment, Key: ir.KeyWaves, Counter: ir.KeyWaves}, a)

	a = p.Classify("nope", ir.KeyParticipants)
	assert.Equal(t, Action{Class: SideEffect, Key: ir.KeyParticipants}, a)

	_, err := ParseClass("bogus")
	assert.Error(t, err)
}
