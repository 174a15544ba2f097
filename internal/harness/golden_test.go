package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ir"
)

func TestFormatTrace(t *testing.T) {
	trace := []TraceEvent{
		{Type: EventStep, Index: 1, Step: "bootstrap", Detail: "view=page-1"},
		{
			Type:          EventNotify,
			Overall:       ir.ProvenanceLiveMetrics,
			Values:        map[string]ir.Value{ir.KeyWaves: ir.Int(10), ir.KeyParticipants: ir.Null()},
			Sources:       map[string]ir.Provenance{ir.KeyWaves: ir.ProvenanceLiveMetrics, ir.KeyParticipants: ir.ProvenanceNone},
			Authoritative: map[string]bool{ir.KeyWaves: true},
		},
		{Type: EventStep, Index: 2, Step: "server_write", Detail: "share"},
		{Type: EventDecision, Caller: "legacy.timer", Key: ir.KeyWaves, Reason: "stale-view"},
		{Type: EventAction, Kind: "wave", Class: "increment", Total: ir.Int(10), Err: "TIMEOUT"},
		{Type: EventStep, Index: 3, Step: "resolve"},
	}

	want := `scenario: demo
step 1: bootstrap view=page-1
  notify overall=live-metrics
    participants = ... (none)
    waves = 10 (live-metrics) locked
step 2: server_write share
  decision caller=legacy.timer key=waves accepted=false reason=stale-view
  action kind=wave class=increment accepted=false total=10 error=TIMEOUT
step 3: resolve
`
	assert.Equal(t, want, string(FormatTrace("demo", trace)))
}

func TestScenarios_Golden(t *testing.T) {
	names := []string{
		"live_metrics_first_load",
		"cache_first_then_remote_call",
		"side_effect_no_double_count",
		"stale_timers_rejected",
		"offline_cache_fallback",
		"offline_cache_first_fallback",
		"optimistic_increment_rollback",
		"increment_confirmed",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
			require.NoError(t, err)
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}
