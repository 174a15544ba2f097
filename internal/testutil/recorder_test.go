package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/bus"
	"github.com/roach88/tally/internal/ir"
)

func TestRecorder_CollectsStatsUpdates(t *testing.T) {
	b := bus.New()
	rec := NewRecorder(b)

	b.Publish(bus.TopicStatsUpdated, ir.StatsUpdate{Seq: 1})
	b.Publish(bus.TopicStatsUpdated, "not an update")
	b.Publish(bus.TopicDiffHistory, ir.StatsUpdate{Seq: 99})
	b.Publish(bus.TopicStatsUpdated, ir.StatsUpdate{Seq: 2})

	require.Equal(t, 2, rec.Len())
	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Seq)

	rec.Stop()
	b.Publish(bus.TopicStatsUpdated, ir.StatsUpdate{Seq: 3})
	assert.Equal(t, 2, rec.Len())
}
