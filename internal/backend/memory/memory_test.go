package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/backend"
	"github.com/roach88/tally/internal/ir"
)

func seeded() *Backend {
	return New(map[string]int64{ir.KeyWaves: 120, ir.KeyTotalActions: 450, ir.KeyParticipants: 12})
}

func TestBackend_ReadPaths(t *testing.T) {
	b := seeded()
	ctx := context.Background()

	m, err := b.LiveMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(450), m[ir.KeyTotalActions])

	m, err = b.Call(ctx, "get_user_stats")
	require.NoError(t, err)
	assert.Equal(t, int64(12), m[ir.KeyParticipants])

	m, err = b.ReadRow(ctx, "global_stats", []string{"hi_waves", "total_his", "missing"})
	require.NoError(t, err)
	assert.Equal(t, backend.Metrics{"hi_waves": 120, "total_his": 450}, m)
}

func TestBackend_ScriptFail(t *testing.T) {
	b := seeded()
	b.Script(OpLiveMetrics, Script{Fail: true})

	_, err := b.LiveMetrics(context.Background())

	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Equal(t, 1, b.Calls(OpLiveMetrics))
}

func TestBackend_ScriptHangHonorsContext(t *testing.T) {
	b := seeded()
	b.Script(OpCall, Script{Hang: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Call(ctx, "get_user_stats")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackend_ScriptValues(t *testing.T) {
	b := seeded()
	b.Script(OpCall, Script{Values: map[string]int64{ir.KeyTotalActions: 402}})

	m, err := b.Call(context.Background(), "get_user_stats")

	require.NoError(t, err)
	assert.Equal(t, backend.Metrics{ir.KeyTotalActions: 402}, m)
}

func TestBackend_ServerWriteTrigger(t *testing.T) {
	b := seeded()

	key, ok := b.ServerWrite("share")
	require.True(t, ok)
	assert.Equal(t, ir.KeyTotalActions, key)
	assert.Equal(t, int64(451), b.Total(ir.KeyTotalActions))

	_, ok = b.ServerWrite("view")
	assert.False(t, ok)
}

func TestBackend_Increment(t *testing.T) {
	b := seeded()

	n, err := b.Increment(context.Background(), "increment_total_hi")
	require.NoError(t, err)
	assert.Equal(t, int64(451), n)

	n, err = b.Increment(context.Background(), ir.KeyWaves)
	require.NoError(t, err)
	assert.Equal(t, int64(121), n)

	_, err = b.Increment(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownCounter)
}
