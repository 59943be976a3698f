package evolution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/jsonfile"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/pattern"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/store"
)

const registryJSON = `{
  "version": 1,
  "patterns": [
    {"id": "solo", "cells": ["cell-base"], "router": "round_robin"},
    {"id": "chain", "cells": ["a", "b", "c"], "router": "rl_bandit", "edges": [["a","b"],["b","c"]]},
    {"id": "pair", "cells": ["a", "b"], "router": "success_rate", "roles": ["critic"]}
  ],
  "default": "%s"
}`

type fakeLedger struct {
	mu        sync.Mutex
	decisions []logging.ProvenanceEntry
	commits   []string
}

func (f *fakeLedger) RecordDecision(e logging.ProvenanceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, e)
	return nil
}

func (f *fakeLedger) CommitPattern(_ context.Context, id string, cx, perf float64) (store.PatternVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, id)
	return store.PatternVersion{PatternID: id, Complexity: cx, Perf: perf}, nil
}

type fixture struct {
	dir      string
	engine   *Engine
	registry *pattern.Registry
	gate     *gate.Gate
	metrics  *metrics.Store
	trail    *audit.Trail
	ledger   *fakeLedger
	bandit   *router.Router
	applied  []string
}

func newFixture(t *testing.T, active, secret string) *fixture {
	t.Helper()
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(regPath, []byte(fmt.Sprintf(registryJSON, active)), 0o644))

	trail, err := audit.NewTrail(filepath.Join(dir, "logs"), audit.NewSigner(secret), nil)
	require.NoError(t, err)

	f := &fixture{
		dir:      dir,
		registry: pattern.NewRegistry(regPath, nil),
		gate:     gate.NewGate(gate.DefaultGateConfig()),
		metrics:  metrics.NewStore(metrics.DefaultStoreConfig(), nil, nil),
		trail:    trail,
		ledger:   &fakeLedger{},
	}
	f.bandit = router.New(router.DefaultBanditParams(), f.metrics, nil, nil)
	cfg := DefaultConfig()
	cfg.SnapshotPath = filepath.Join(dir, "state.json")
	f.engine = New(cfg, Deps{
		Registry: f.registry,
		Gate:     f.gate,
		Metrics:  f.metrics,
		Trail:    f.trail,
		Ledger:   f.ledger,
		Bandit:   f.bandit,
		OnCommit: func(p pattern.Spec) { f.applied = append(f.applied, p.ID) },
	})
	return f
}

func (f *fixture) cycles(t *testing.T, n int) Result {
	t.Helper()
	var res Result
	for i := 0; i < n; i++ {
		var err error
		res, err = f.engine.Evaluate(context.Background())
		require.NoError(t, err)
	}
	return res
}

func TestEvaluate_WaitsForStaleCycles(t *testing.T) {
	f := newFixture(t, "chain", "prod-secret")

	res := f.cycles(t, 2)
	assert.Equal(t, 2, res.StaleCycles)
	assert.False(t, res.Triggered)
	assert.Equal(t, "chain", f.registry.ActiveID())
}

func TestEvaluate_CommitsSimplerPattern(t *testing.T) {
	f := newFixture(t, "chain", "prod-secret")

	res := f.cycles(t, 3)
	require.True(t, res.Triggered)
	assert.Equal(t, "pair", res.Candidate)
	require.NotNil(t, res.Decision)
	assert.Equal(t, gate.ActionCommit, res.Decision.Action)
	assert.InDelta(t, -2.25, res.Decision.DeltaV, 1e-9)

	assert.Equal(t, "pair", f.registry.ActiveID())
	assert.Equal(t, []string{"pair"}, f.applied)
	assert.Equal(t, []string{"pair"}, f.ledger.commits)
	assert.Equal(t, gate.Sample{Success: 0.5, Complexity: 2.5}, f.gate.Last())
	require.Len(t, f.ledger.decisions, 1)
	assert.Equal(t, "evolution", f.ledger.decisions[0].TriggerType)

	evs, err := f.trail.EvolutionEvents(10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "commit", evs[0].Decision)
	_, err = f.trail.Verify(context.Background())
	assert.NoError(t, err)

	// counter reset after a commit
	res = f.cycles(t, 1)
	assert.Equal(t, 1, res.StaleCycles)
}

func TestEvaluate_RollsBackMoreComplexPattern(t *testing.T) {
	f := newFixture(t, "solo", "prod-secret")

	res := f.cycles(t, 3)
	require.True(t, res.Triggered)
	assert.Equal(t, "pair", res.Candidate)
	assert.Equal(t, gate.ActionRollback, res.Decision.Action)
	assert.Equal(t, "solo", f.registry.ActiveID())
	assert.Empty(t, f.applied)
	assert.Empty(t, f.ledger.commits)

	// still stale, so the next cycle tries again
	res = f.cycles(t, 1)
	assert.True(t, res.Triggered)
	assert.Equal(t, 4, res.StaleCycles)
}

func TestEvaluate_DefaultSecretBlocksEvolution(t *testing.T) {
	f := newFixture(t, "chain", "")

	res := f.cycles(t, 5)
	assert.False(t, res.Allowed)
	assert.False(t, res.Triggered)
	assert.Equal(t, "chain", f.registry.ActiveID())
}

func TestEvaluate_ImprovementResetsCounter(t *testing.T) {
	f := newFixture(t, "chain", "prod-secret")
	f.cycles(t, 2)

	for i := 0; i < 5; i++ {
		f.metrics.Record(context.Background(), metrics.RequestEvent{CellID: "a", Success: true, PolicyPassed: true})
	}
	res := f.cycles(t, 1)
	assert.Equal(t, 0, res.StaleCycles)
	assert.Greater(t, res.PrePerf, 0.5)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	f := newFixture(t, "chain", "prod-secret")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Evaluate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_PreviewHasNoSideEffects(t *testing.T) {
	f := newFixture(t, "chain", "prod-secret")
	st := f.engine.State()

	assert.Equal(t, "chain", st.ActivePatternID)
	assert.Equal(t, 7.0, st.ActiveComplexity)
	assert.Equal(t, "pair", st.Candidate)
	require.NotNil(t, st.Prospective)
	assert.Equal(t, gate.ActionCommit, st.Prospective.Action)
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.StaleCycles)
	assert.Equal(t, "chain", f.registry.ActiveID())
}

func TestSnapshot_RoundTrip(t *testing.T) {
	f := newFixture(t, "chain", "prod-secret")
	f.metrics.Record(context.Background(), metrics.RequestEvent{CellID: "a", Success: true, PolicyPassed: true})
	f.metrics.SetCellSuccessRate("a", 0.8)
	f.metrics.SetRouterConfidence("a", 0.7)
	f.bandit.SetState(router.BanditState{Values: map[string]float64{"a": 0.9}, Counts: map[string]int{"a": 4}})
	f.cycles(t, 1)

	var snap Snapshot
	require.NoError(t, jsonfile.Load(filepath.Join(f.dir, "state.json"), &snap))
	assert.Equal(t, "chain", snap.ActivePatternID)
	assert.Equal(t, 0.8, snap.Cells["a"].EMA)
	require.NotNil(t, snap.Bandit)
	assert.Equal(t, 4, snap.Bandit.Counts["a"])

	g := newFixture(t, "solo", "prod-secret")
	g.engine.cfg.SnapshotPath = filepath.Join(f.dir, "state.json")
	require.NoError(t, g.engine.LoadSnapshot())
	assert.Equal(t, "chain", g.registry.ActiveID())
	assert.Equal(t, 0.8, g.metrics.CellSuccessRate("a"))
	assert.Equal(t, 0.9, g.bandit.State().Values["a"])
	assert.Equal(t, snap.Perf, g.engine.State().LastPerf)
}

func TestSnapshot_CorruptFileKeepsDefaults(t *testing.T) {
	f := newFixture(t, "chain", "prod-secret")
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "state.json"), []byte("{oops"), 0o644))

	assert.Error(t, f.engine.LoadSnapshot())
	assert.Equal(t, 0.5, f.engine.State().LastPerf)
	assert.Equal(t, "chain", f.registry.ActiveID())
}
