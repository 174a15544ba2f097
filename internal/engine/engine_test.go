package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/backend/memory"
	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/testutil"
)

func seeded() *memory.Backend {
	return memory.New(map[string]int64{ir.KeyWaves: 10, ir.KeyTotalActions: 450, ir.KeyParticipants: 12})
}

func newTestEngine(t *testing.T, p config.Policy, be any, store cache.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithViewGenerator(testutil.NewFixedViewGenerator("page"))}, opts...)
	e := New(p, be, store, opts...)
	t.Cleanup(e.Close)
	return e
}

func TestEngine_BootstrapCacheFirstThenAuthoritative(t *testing.T) {
	store := cache.NewMemory()
	store.Write(ir.KeyTotalActions, 400)
	e := newTestEngine(t, config.Default(), seeded(), store)
	rec := testutil.NewRecorder(e.Bus())

	set := e.Bootstrap(context.Background())
	e.Wait()

	assert.Equal(t, "page-1", e.View())
	assert.Equal(t, ir.ProvenanceCacheFirst, set.Overall)
	updates := rec.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, ir.Int(400), updates[0].Values[ir.KeyTotalActions])
	assert.Equal(t, ir.Int(450), updates[1].Values[ir.KeyTotalActions])
	assert.Equal(t, ir.ProvenanceLiveMetrics, e.Snapshot().Overall)
	assert.True(t, e.Snapshot().Authoritative[ir.KeyTotalActions])
}

func TestEngine_StaleTimersFromPreviousPage(t *testing.T) {
	e := newTestEngine(t, config.Default(), seeded(), cache.NewMemory())
	e.Bootstrap(context.Background())
	e.Wait()
	old := e.View()
	e.Bootstrap(context.Background())
	e.Wait()
	require.Equal(t, ir.Int(10), e.Snapshot().Values[ir.KeyWaves])

	var got []ir.StatsUpdate
	e.Subscribe(func(u ir.StatsUpdate) { got = append(got, u) })

	d1 := e.ProposeForView(ir.KeyWaves, 7, "legacy.timer", old)
	d2 := e.ProposeForView(ir.KeyWaves, 10, "legacy.timer", old)

	assert.False(t, d1.Accepted)
	assert.Equal(t, arbiter.ReasonStaleView, d1.Reason)
	assert.False(t, d2.Accepted)
	assert.Equal(t, ir.Int(10), e.Snapshot().Values[ir.KeyWaves])
	assert.Empty(t, got)
}

func TestEngine_UntrustedWriterAfterLock(t *testing.T) {
	e := newTestEngine(t, config.Default(), seeded(), cache.NewMemory())
	e.Bootstrap(context.Background())
	e.Wait()

	d := e.Propose(ir.KeyTotalActions, 9999, "legacy.init")

	assert.False(t, d.Accepted)
	assert.Equal(t, arbiter.ReasonUntrusted, d.Reason)
	assert.Equal(t, ir.Int(450), e.Snapshot().Values[ir.KeyTotalActions])
	log := e.Log()
	last := log[len(log)-1]
	assert.Equal(t, ir.WriterID("legacy.init"), last.Caller)
	assert.False(t, last.Accepted)
	assert.Equal(t, 1, e.Summary().Rejected)
}

func TestEngine_PolicyWritersAreTrusted(t *testing.T) {
	p := config.Default()
	p.Writers["admin.tool"] = arbiter.Trusted
	e := newTestEngine(t, p, seeded(), cache.NewMemory())
	e.Bootstrap(context.Background())
	e.Wait()

	d := e.Propose(ir.KeyWaves, 11, "admin.tool")

	assert.True(t, d.Accepted)
}

func TestEngine_ResolveUnknownSet(t *testing.T) {
	e := newTestEngine(t, config.Default(), seeded(), cache.NewMemory())

	_, err := e.Resolve(context.Background(), "regional")
	assert.True(t, errors.Is(err, ErrUnknownSet))

	set, err := e.Resolve(context.Background(), "global")
	require.NoError(t, err)
	assert.Equal(t, ir.ProvenanceLiveMetrics, set.Overall)
}

func TestEngine_RecordUserAction(t *testing.T) {
	srv := seeded()
	e := newTestEngine(t, config.Default(), srv, cache.NewMemory())
	e.Bootstrap(context.Background())
	e.Wait()

	res, err := e.RecordUserAction(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, ir.Int(451), res.NewTotal)

	srv.ServerWrite("share")
	out := <-e.Submit(context.Background(), "share", nil)
	require.NoError(t, out.Err)
	assert.Equal(t, ir.Int(452), out.Result.NewTotal)
}

func TestEngine_DebugOverlay(t *testing.T) {
	p := config.Default()
	assert.Nil(t, newTestEngine(t, p, seeded(), cache.NewMemory()).Overlay())

	p.Debug = true
	var buf bytes.Buffer
	e := newTestEngine(t, p, seeded(), cache.NewMemory(), WithOverlayWriter(&buf))
	require.NotNil(t, e.Overlay())

	e.Bootstrap(context.Background())
	e.Wait()

	require.Len(t, e.Overlay().History(), 1)
	assert.Contains(t, buf.String(), "initial load")

	_, err := e.Overlay().Refresh(context.Background())
	require.NoError(t, err)
}

func TestOpenCache(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	s, closeFn, err := OpenCache(ctx, config.Cache{Kind: config.CacheSQLite, Path: filepath.Join(t.TempDir(), "c.db")}, logger)
	require.NoError(t, err)
	s.Write(ir.KeyWaves, 3)
	v, ok := s.Read(ir.KeyWaves)
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)
	require.NoError(t, closeFn())

	s, _, err = OpenCache(ctx, config.Cache{Kind: config.CacheDisabled}, logger)
	require.NoError(t, err)
	s.Write(ir.KeyWaves, 3)
	_, ok = s.Read(ir.KeyWaves)
	assert.False(t, ok)

	_, _, err = OpenCache(ctx, config.Cache{Kind: "floppy"}, logger)
	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "cache", oe.Component)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	be, _, err := OpenBackend(ctx, config.Backend{Kind: config.BackendMemory, Seed: map[string]int64{ir.KeyWaves: 1}}, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(1), be.(*memory.Backend).Total(ir.KeyWaves))

	_, _, err = OpenBackend(ctx, config.Backend{Kind: config.BackendHTTP, URL: "ftp://x"}, logger)
	assert.Error(t, err)

	_, _, err = OpenBackend(ctx, config.Backend{Kind: "carrier-pigeon"}, logger)
	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "backend", oe.Component)
}
