package overlay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/resolver"
)

func update(seq int64, overall ir.Provenance, kv map[string]ir.Value) ir.StatsUpdate {
	u := ir.StatsUpdate{
		Seq:     seq,
		Set:     "global",
		Values:  map[string]ir.Value{},
		Sources: map[string]ir.Provenance{},
		Overall: overall,
	}
	for _, k := range ir.DefaultKeys {
		u.Values[k] = ir.Null()
		u.Sources[k] = ir.ProvenanceNone
	}
	for k, v := range kv {
		u.Values[k] = v
		u.Sources[k] = overall
	}
	return u
}

func TestOverlay_RecordsDiffs(t *testing.T) {
	b := bus.New()
	o := New(b)
	defer o.Close()

	b.Publish(bus.TopicStatsUpdated, update(1, ir.ProvenanceCacheFirst, map[string]ir.Value{ir.KeyTotalActions: ir.Int(400)}))
	b.Publish(bus.TopicStatsUpdated, update(3, ir.ProvenanceRemoteCall, map[string]ir.Value{ir.KeyTotalActions: ir.Int(402)}))

	h := o.History()
	require.Len(t, h, 2)
	assert.Equal(t, int64(3), h[0].Seq)
	require.Len(t, h[0].Changes, 1)
	assert.Equal(t, int64(2), h[0].Changes[0].Delta())
	assert.True(t, h[1].Initial)
	assert.Len(t, h[1].Changes, len(ir.DefaultKeys))
}

func TestOverlay_IgnoresOutOfOrderAndUnchanged(t *testing.T) {
	b := bus.New()
	o := New(b)
	defer o.Close()

	b.Publish(bus.TopicStatsUpdated, update(5, ir.ProvenanceLiveMetrics, map[string]ir.Value{ir.KeyWaves: ir.Int(10)}))
	b.Publish(bus.TopicStatsUpdated, update(4, ir.ProvenanceCache, map[string]ir.Value{ir.KeyWaves: ir.Int(7)}))
	b.Publish(bus.TopicStatsUpdated, update(6, ir.ProvenanceLiveMetrics, map[string]ir.Value{ir.KeyWaves: ir.Int(10)}))

	h := o.History()
	require.Len(t, h, 1)
	assert.Equal(t, int64(5), h[0].Seq)
}

func TestOverlay_HistoryIsBounded(t *testing.T) {
	b := bus.New()
	o := New(b)
	defer o.Close()

	for i := int64(1); i <= 15; i++ {
		b.Publish(bus.TopicStatsUpdated, update(i, ir.ProvenanceLiveMetrics, map[string]ir.Value{ir.KeyWaves: ir.Int(i)}))
	}

	h := o.History()
	require.Len(t, h, DefaultHistorySize)
	assert.Equal(t, int64(15), h[0].Seq)
	assert.Equal(t, int64(6), h[len(h)-1].Seq)
}

func TestOverlay_PublishesHistoryAndRenders(t *testing.T) {
	b := bus.New()
	var buf bytes.Buffer
	o := New(b, WithWriter(&buf), WithHistorySize(2))
	defer o.Close()

	var got []History
	b.Subscribe(bus.TopicDiffHistory, func(_ string, p any) {
		got = append(got, p.(History))
	})

	b.Publish(bus.TopicStatsUpdated, update(1, ir.ProvenanceLiveMetrics, map[string]ir.Value{ir.KeyWaves: ir.Int(1)}))

	require.Len(t, got, 1)
	assert.Len(t, got[0], 1)
	assert.Contains(t, buf.String(), "initial load")
}

func TestRender_Golden(t *testing.T) {
	h := History{
		{
			Seq:     3,
			Overall: ir.ProvenanceRemoteCall,
			Latency: 300 * time.Millisecond,
			Fastest: &ir.FastestAttempt{Strategy: ir.ProvenanceRemoteCall, Duration: 300 * time.Millisecond},
			Changes: []Change{{Key: ir.KeyTotalActions, From: ir.Int(400), To: ir.Int(402), Source: ir.ProvenanceRemoteCall}},
		},
		{
			Seq:     1,
			Initial: true,
			Overall: ir.ProvenanceCacheFirst,
			Changes: []Change{
				{Key: ir.KeyParticipants, Source: ir.ProvenanceNone},
				{Key: ir.KeyTotalActions, To: ir.Int(400), Source: ir.ProvenanceCacheFirst},
				{Key: ir.KeyWaves, Source: ir.ProvenanceNone},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, h))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "render", buf.Bytes())
}

type fakeRefresher struct {
	opts int
}

func (f *fakeRefresher) Resolve(_ context.Context, opts ...resolver.ResolveOption) ir.CounterSet {
	f.opts = len(opts)
	return ir.NewCounterSet("global", ir.DefaultKeys)
}

func TestOverlay_Refresh(t *testing.T) {
	b := bus.New()

	_, err := New(b).Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefresher)

	r := &fakeRefresher{}
	_, err = New(b, WithRefresher(r)).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.opts)
}
