package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/backend"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/feedback"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/pattern"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/policy"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/store"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools/adapters"
)

// #region helpers
type harness struct {
	svc       *Service
	trail     *audit.Trail
	ledger    *store.Store
	workspace string
}

type options struct {
	backend backend.Backend
	secret  string
	ledger  bool
	tools   tools.Policy
	cfg     func(*Config)
}

func reply(text string) backend.Backend {
	return backend.Func(func(context.Context, []backend.Message, float64, int) (string, error) {
		return text, nil
	})
}

func newHarness(t *testing.T, o options) *harness {
	t.Helper()
	if o.secret == "" {
		o.secret = "test-secret"
	}
	dir := t.TempDir()
	workspace := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	trail, err := audit.NewTrail(filepath.Join(dir, "logs"), audit.NewSigner(o.secret), nil)
	require.NoError(t, err)

	ms := metrics.NewStore(metrics.DefaultStoreConfig(), nil, nil)
	treg := tools.NewRegistry(tools.NewKnowledge("", 2000, nil))
	require.NoError(t, adapters.RegisterAll(treg))

	deps := Deps{
		Pool:     cell.NewPool(cell.NewBase()),
		Router:   router.New(router.DefaultBanditParams(), ms, rand.New(rand.NewSource(7)), nil),
		Metrics:  ms,
		Feedback: feedback.NewController(feedback.DefaultControllerConfig(), ms),
		Policy:   policy.NewEngine(policy.DefaultEngineConfig(), nil, nil),
		Trail:    trail,
		Registry: pattern.NewRegistry("", nil),
		Gate:     gate.NewGate(gate.DefaultGateConfig()),
		Tools:    treg,
		Runner:   tools.NewRunner(tools.DefaultRunnerConfig(), treg, o.tools, trail, nil),
		Backend:  o.backend,
	}
	h := &harness{trail: trail, workspace: workspace}
	if o.ledger {
		st, err := store.NewStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		h.ledger = st
		deps.Ledger = st
	}

	cfg := DefaultConfig()
	cfg.AutoSynthesis = false
	cfg.WorkspaceDir = workspace
	if o.cfg != nil {
		o.cfg(&cfg)
	}
	h.svc, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) addCell(t *testing.T, id string, tags ...string) *cell.Cell {
	t.Helper()
	c := cell.FromDomain(cell.Signature{ID: id, Tags: tags, Temperature: 0.4})
	require.True(t, h.svc.deps.Pool.Add(c))
	h.svc.deps.Metrics.RegisterTags(c.ID(), c.Tags())
	return c
}

func (h *harness) record(cellID, domain string, n int, latency int64) {
	for range n {
		h.svc.deps.Metrics.Record(context.Background(), metrics.RequestEvent{
			CellID:       cellID,
			Success:      true,
			PolicyPassed: true,
			LatencyMs:    latency,
			Domain:       domain,
		})
	}
}

func assertVerified(t *testing.T, h *harness) {
	t.Helper()
	reports, err := h.svc.VerifyAudit(context.Background())
	require.NoError(t, err)
	for _, r := range reports {
		assert.Empty(t, r.Mismatched, r.Path)
	}
}

// #endregion helpers

// #region act
func TestNew_MissingDependency(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestAct_EmptyPrompt(t *testing.T) {
	h := newHarness(t, options{})
	_, err := h.svc.Act(context.Background(), Request{Prompt: "   "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Equal(t, 0, h.svc.Summary().Total)
}

func TestAct_PolicyBlockRecordsAndSigns(t *testing.T) {
	h := newHarness(t, options{ledger: true})

	resp, err := h.svc.Act(context.Background(), Request{RequestID: "req-1", Prompt: "rm -rf /"})
	require.ErrorIs(t, err, ErrPolicyRejected)

	assert.Equal(t, NoCell, resp.CellID)
	assert.False(t, resp.Policy.Passed)
	assert.Equal(t, 1.0, resp.Metrics.PolicyRisk)
	assert.NotEmpty(t, resp.Signature)
	assert.Equal(t, audit.SignatureAlgo, resp.SignatureAlgo)

	sum := h.svc.Summary()
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 0, sum.PolicyPassCount)
	assert.Equal(t, 1, sum.PerCell[NoCell].Count)

	recent := h.svc.Detailed().Recent
	require.Len(t, recent, 1)
	assert.Empty(t, recent[0].Prompt, "blocked prompts are not retained")

	rows, err := h.ledger.ListProvenance(context.Background(), "policy", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "block", rows[0].Decision)
	assert.Equal(t, "req-1", rows[0].SubjectID)
	assert.NotContains(t, rows[0].SignalsJSON, "rm -rf")

	assertVerified(t, h)
}

func TestAct_HappyPathStripsDomainHint(t *testing.T) {
	h := newHarness(t, options{
		backend: reply("Waves fold in silver light.\n{\"domain\":\"Poetry\",\"tags\":[\"Haiku\",\"ocean\"]}"),
	})

	resp, err := h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean", Strategy: "round_robin"})
	require.NoError(t, err)

	assert.Equal(t, cell.BaseID, resp.CellID)
	assert.Equal(t, "round_robin", resp.Router)
	assert.Equal(t, "Waves fold in silver light.", resp.Response)
	assert.Equal(t, "poetry", resp.Domain)
	assert.Equal(t, []string{"haiku", "ocean"}, resp.Tags)
	assert.False(t, resp.Degraded)
	assert.True(t, resp.Metrics.Success)
	assert.True(t, resp.Policy.Passed)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.Signature)

	recent := h.svc.Detailed().Recent
	require.Len(t, recent, 1)
	assert.Equal(t, "poetry", recent[0].Domain)
	assert.Equal(t, "Write a haiku about the ocean", recent[0].Prompt)

	m := h.svc.DomainMatrix()
	assert.Equal(t, 1, m.Total)
	assert.Equal(t, 1, m.Matrix["poetry"][cell.BaseID])

	actions, err := h.svc.ActionsSample(0)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
	assertVerified(t, h)
}

func TestAct_BackendErrorDegrades(t *testing.T) {
	failing := backend.Func(func(context.Context, []backend.Message, float64, int) (string, error) {
		return "", backend.ErrBackend
	})
	h := newHarness(t, options{backend: failing})

	resp, err := h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.False(t, resp.Metrics.Success)
	assert.Equal(t, backend.StubText(cell.BaseID, "Write a haiku about the ocean"), resp.Response)
	assert.Equal(t, 0, h.svc.Summary().SuccessCount)
}

func TestAct_ZeroBackendTimeoutStillBounded(t *testing.T) {
	var bounded bool
	deadline := backend.Func(func(ctx context.Context, _ []backend.Message, _ float64, _ int) (string, error) {
		_, bounded = ctx.Deadline()
		return "ok", nil
	})
	h := newHarness(t, options{backend: deadline, cfg: func(c *Config) { c.BackendTimeout = 0 }})

	_, err := h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean"})
	require.NoError(t, err)
	assert.True(t, bounded, "backend call carries a deadline")
	assert.Equal(t, DefaultConfig().BackendTimeout, h.svc.cfg.BackendTimeout)
}

func TestAct_ToolAllowListRunsTool(t *testing.T) {
	h := newHarness(t, options{
		backend: reply(`{"tool":{"id":"file.list.dir","input":{"dir":"data"}}}`),
	})
	h.addCell(t, "poetry", "poetry", "haiku")
	require.NoError(t, os.MkdirAll(filepath.Join(h.workspace, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.workspace, "data", "notes.md"), []byte("hello"), 0o644))
	h.svc.ApplyActivePattern()

	resp, err := h.svc.Act(context.Background(), Request{
		Prompt:   "Write a haiku about the ocean",
		Strategy: "keyword",
		Tools:    []string{"file.list.dir"},
	})
	require.NoError(t, err)

	assert.Equal(t, cell.BaseID, resp.CellID)
	require.NotNil(t, resp.Tool)
	assert.Equal(t, "file.list.dir", resp.Tool.ID)
	assert.True(t, resp.Tool.OK)
	assert.Contains(t, resp.Response, "[tool:file.list.dir] => ")
	assert.Contains(t, resp.Response, `"file":"data/notes.md"`)
	assert.Equal(t, "file", resp.Domain)
	assert.Equal(t, []string{"file", "list", "read"}, resp.Tags)

	stats, err := h.svc.ToolMetrics(10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].OK)
	assertVerified(t, h)
}

func TestAct_ToolNotInAllowListIsIgnored(t *testing.T) {
	h := newHarness(t, options{
		backend: reply(`{"tool":{"id":"file.write","input":{"file":"x.txt","content":"hi"}}}`),
	})

	resp, err := h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean", Tools: []string{"file.list.dir"}})
	require.NoError(t, err)
	assert.Nil(t, resp.Tool)
	assert.NoFileExists(t, filepath.Join(h.workspace, "x.txt"))
}

func TestAct_BanditUpdatesValueTable(t *testing.T) {
	h := newHarness(t, options{backend: reply("ok")})

	_, err := h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean", Strategy: "rl_bandit"})
	require.NoError(t, err)

	diag := h.svc.RouterDiagnostics()
	assert.Equal(t, 1, diag.State.Counts[cell.BaseID])
	assert.Contains(t, diag.State.Values, cell.BaseID)
	assert.Equal(t, []string{cell.BaseID}, diag.Cells)
}

func TestAct_NonBanditLeavesValueTable(t *testing.T) {
	h := newHarness(t, options{backend: reply("ok")})

	_, err := h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean", Strategy: "success_rate"})
	require.NoError(t, err)
	assert.Empty(t, h.svc.RouterDiagnostics().State.Counts)
}

func TestActBatch_PerRequestErrors(t *testing.T) {
	h := newHarness(t, options{backend: reply("ok")})
	reqs := []Request{
		{Prompt: "Write a haiku about the ocean"},
		{Prompt: "rm -rf /"},
		{Prompt: "Write a haiku about the moon"},
		{Prompt: ""},
	}

	results, err := h.svc.ActBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, len(reqs))

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrPolicyRejected)
	assert.NotEmpty(t, results[1].Error)
	assert.NoError(t, results[2].Err)
	assert.ErrorIs(t, results[3].Err, ErrEmptyPrompt)
	assert.Equal(t, 3, h.svc.Summary().Total)
}

func TestActBatch_CancelledContext(t *testing.T) {
	h := newHarness(t, options{backend: reply("ok")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := h.svc.ActBatch(ctx, []Request{{Prompt: "Write a haiku about the ocean"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

// #endregion act

// #region topology
func TestApplyPattern(t *testing.T) {
	h := newHarness(t, options{})
	h.addCell(t, "poetry", "poetry")
	h.addCell(t, "legal", "law")

	h.svc.ApplyPattern(pattern.Spec{ID: "duo", Cells: []string{cell.BaseID, "cell-legal"}})
	assert.Equal(t, []string{cell.BaseID, "cell-legal"}, h.svc.RouterDiagnostics().Cells)

	h.svc.ApplyPattern(pattern.Spec{ID: "ghost", Cells: []string{"cell-ghost"}})
	assert.Equal(t, []string{cell.BaseID, "cell-poetry", "cell-legal"}, h.svc.RouterDiagnostics().Cells)
}

func TestApplyPattern_RouterLabelBecomesDefault(t *testing.T) {
	h := newHarness(t, options{backend: reply("ok")})
	d := h.svc.RouterDiagnostics()
	assert.Equal(t, router.SuccessRate, d.Strategy)
	assert.True(t, d.Adaptive)

	h.svc.ApplyPattern(pattern.Spec{ID: "solo", Cells: []string{cell.BaseID}, Router: "round_robin"})
	d = h.svc.RouterDiagnostics()
	assert.Equal(t, router.RoundRobin, d.Strategy)
	assert.False(t, d.Adaptive)

	resp, err := h.svc.Act(context.Background(), Request{Prompt: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "round_robin", resp.Router)

	resp, err = h.svc.Act(context.Background(), Request{Prompt: "hello again", Strategy: "keyword"})
	require.NoError(t, err)
	assert.Equal(t, "keyword", resp.Router, "request label wins over the pattern")

	h.svc.ApplyPattern(pattern.Spec{ID: "odd", Cells: []string{cell.BaseID}, Router: "telepathy"})
	assert.Equal(t, router.SuccessRate, h.svc.RouterDiagnostics().Strategy)
}

func TestSynthesize_CreatesDiscoveredDomain(t *testing.T) {
	h := newHarness(t, options{ledger: true})
	h.record(cell.BaseID, "astronomy", 2, 10)

	res, err := h.svc.Synthesize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cell-astronomy"}, res.Created)
	assert.Empty(t, res.Removed)
	assert.Equal(t, 2, res.TotalCells)
	assert.Contains(t, h.svc.RouterDiagnostics().Cells, "cell-astronomy")

	again, err := h.svc.Synthesize(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.Created, "existing domains are not recreated")

	logs, err := h.svc.EvolutionLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	var ev audit.CellEvent
	require.NoError(t, json.Unmarshal(logs[0], &ev))
	assert.Equal(t, CellCreated, ev.Event)

	rows, err := h.ledger.ListProvenance(context.Background(), "synthesis", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "create", rows[0].Decision)
	assertVerified(t, h)
}

func TestSynthesize_RetiresSlowerTwin(t *testing.T) {
	h := newHarness(t, options{ledger: true})
	h.addCell(t, "astro", "astronomy", "stars")
	h.addCell(t, "astros", "astronomy", "stars")
	h.svc.ApplyActivePattern()
	h.record("cell-astro", "", 5, 10)
	h.record("cell-astros", "", 5, 50)

	res, err := h.svc.Synthesize(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"cell-astros"}, res.Removed)
	assert.Equal(t, []string{cell.BaseID, "cell-astro"}, h.svc.Cells())
	assert.NotContains(t, h.svc.RouterDiagnostics().Cells, "cell-astros")

	rows, err := h.ledger.ListProvenance(context.Background(), "synthesis", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "merge", rows[0].Decision)
}

func TestAutoSynthesize_Cooldown(t *testing.T) {
	h := newHarness(t, options{cfg: func(c *Config) {
		c.AutoSynthesis = true
		c.SynthesisCooldown = time.Minute
	}})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return clock }
	h.record(cell.BaseID, "astronomy", 2, 10)
	h.record(cell.BaseID, "botany", 2, 10)

	h.svc.autoSynthesize()
	assert.Equal(t, []string{cell.BaseID, "cell-astronomy"}, h.svc.Cells())

	clock = clock.Add(30 * time.Second)
	h.svc.autoSynthesize()
	assert.Len(t, h.svc.Cells(), 2, "inside the cooldown window")

	clock = clock.Add(time.Minute)
	h.svc.autoSynthesize()
	assert.Equal(t, []string{cell.BaseID, "cell-astronomy", "cell-botany"}, h.svc.Cells())
}

func TestManualSynthesizeIgnoresCooldown(t *testing.T) {
	h := newHarness(t, options{cfg: func(c *Config) {
		c.AutoSynthesis = true
		c.SynthesisCooldown = time.Hour
	}})
	h.record(cell.BaseID, "astronomy", 2, 10)
	h.svc.autoSynthesize()
	h.record(cell.BaseID, "botany", 2, 10)

	res, err := h.svc.Synthesize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cell-botany"}, res.Created)
}

// #endregion topology

// #region lifecycle
func TestClose_DrainsBackgroundSynthesis(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, options{backend: reply("ok"), cfg: func(c *Config) {
		c.AutoSynthesis = true
	}})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean"})
		}()
	}
	wg.Wait()

	require.NoError(t, h.svc.Close())
	require.NoError(t, h.svc.Close())

	_, err := h.svc.Act(context.Background(), Request{Prompt: "Write a haiku about the ocean"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.svc.Synthesize(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func TestClose_ReleasesInReverseOrder(t *testing.T) {
	h := newHarness(t, options{})
	var order []string
	h.svc.addCloser(closeFunc(func() error { order = append(order, "first"); return nil }))
	h.svc.addCloser(closeFunc(func() error { order = append(order, "second"); return errors.New("boom") }))

	err := h.svc.Close()
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"second", "first"}, order)
}

// #endregion lifecycle

// #region diagnostics
func TestRunTool_UsesWorkspace(t *testing.T) {
	h := newHarness(t, options{})
	out, err := h.svc.RunTool(context.Background(), "file.write", tools.Input{"file": "notes/a.txt", "content": "hi"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.FileExists(t, filepath.Join(h.workspace, "notes", "a.txt"))

	_, err = h.svc.RunTool(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestRecommendTools(t *testing.T) {
	h := newHarness(t, options{})
	got := h.svc.RecommendTools(tools.TaskContext{Tags: []string{"search", "regex"}}, 1)
	assert.Equal(t, []string{"search.regex"}, got)
	assert.Len(t, h.svc.Tools(), 5)
}

func TestSetRouterParamsClamps(t *testing.T) {
	h := newHarness(t, options{})
	p := router.DefaultBanditParams()
	p.Eps0 = 4
	got := h.svc.SetRouterParams(p)
	assert.Equal(t, 1.0, got.Eps0)
}

func TestEvolutionLogsClampLimit(t *testing.T) {
	assert.Equal(t, defaultLogLimit, clampLimit(0))
	assert.Equal(t, maxLogLimit, clampLimit(10_000))
	assert.Equal(t, 7, clampLimit(7))
}

func TestEvolve_RefusedWithDevelopmentSecret(t *testing.T) {
	h := newHarness(t, options{secret: audit.DefaultSecret, cfg: func(c *Config) {
		c.Evolution.MinImprovementCycles = 1
	}})
	require.NoError(t, h.svc.deps.Registry.Add(pattern.Spec{ID: "solo", Cells: []string{cell.BaseID}, Router: "round_robin"}))

	res, err := h.svc.Evolve(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, res.Triggered)
	assert.Equal(t, 1, h.svc.EvolutionState().StaleCycles)
}

// #endregion diagnostics
