package tools

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
)

// #region fakes
type fakeTool struct {
	spec Spec
	run  func(ctx context.Context, in Input) Output
}

func (f fakeTool) Spec() Spec { return f.spec }

func (f fakeTool) Execute(ctx context.Context, in Input, _ ExecContext) Output {
	return f.run(ctx, in)
}

func okTool(id string, tags ...string) fakeTool {
	return fakeTool{
		spec: Spec{ID: id, Title: id, Tags: tags, SideEffects: SideEffectsRead, Risk: RiskLow},
		run:  func(context.Context, Input) Output { return Succeed(map[string]any{"echo": id}) },
	}
}

// #endregion fakes

// #region registry
func TestRegistry_RegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okTool("a")))
	assert.ErrorIs(t, r.Register(okTool("a")), ErrToolAlreadyRegistered)
	assert.ErrorIs(t, r.Register(okTool("")), ErrToolIDEmpty)

	bad := okTool("b")
	bad.spec.Risk = "extreme"
	assert.ErrorIs(t, r.Register(bad), ErrInvalidSpec)

	require.NoError(t, r.Register(okTool("c")))
	assert.Equal(t, []string{"a", "c"}, r.IDs())
	_, ok := r.Get("b")
	assert.False(t, ok)
}

func TestRegistry_WithoutKnowledge(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(okTool("a")))
	assert.Nil(t, r.Recommend(TaskContext{Prompt: "anything"}, 3))
	assert.NoError(t, r.RecordOutcome("a", true, 5, TaskContext{}))
	assert.Equal(t, 0.0, r.ListWithStats()[0].SuccessRate)
}

// #endregion registry

// #region knowledge
func TestKnowledge_OutcomesAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	k := NewKnowledge(path, 2000, nil)

	require.NoError(t, k.RecordOutcome("file.read.range", true, 10, TaskContext{Domain: "Code Review", Tags: []string{"File", "read"}}))
	require.NoError(t, k.RecordOutcome("file.read.range", false, 21, TaskContext{Domain: "code review"}))
	require.NoError(t, k.RecordOutcome("file.read.range", true, 0, TaskContext{}))

	assert.Equal(t, 0.667, k.SuccessRate("file.read.range"))
	assert.Equal(t, int64(10), k.AvgLatency("file.read.range"))
	assert.Equal(t, 0.0, k.SuccessRate("never.used"))

	again := NewKnowledge(path, 2000, nil)
	st := again.Dump()["file.read.range"]
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, DomainStat{Count: 2, OK: 1}, st.ByDomain["code-review"])
	assert.Equal(t, 1, st.Tags["file"])
}

func TestKnowledge_ConcurrentOutcomesPersistLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	k := NewKnowledge(path, 2000, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, k.RecordOutcome("search.regex", true, 3, TaskContext{Domain: "search"}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, k.Dump()["search.regex"].Count)
	again := NewKnowledge(path, 2000, nil)
	assert.Equal(t, 50, again.Dump()["search.regex"].Count)
	assert.Equal(t, DomainStat{Count: 50, OK: 50}, again.Dump()["search.regex"].ByDomain["search"])
}

func TestKnowledge_DumpIsDeepCopy(t *testing.T) {
	k := NewKnowledge("", 2000, nil)
	require.NoError(t, k.RecordOutcome("a", true, 1, TaskContext{Tags: []string{"x"}}))
	d := k.Dump()
	d["a"].Tags["x"] = 99
	assert.Equal(t, 1, k.Dump()["a"].Tags["x"])
}

func TestKnowledge_Recommend(t *testing.T) {
	k := NewKnowledge("", 2000, nil)
	specs := []Spec{
		{ID: "file.read.range", Tags: []string{"file", "read"}},
		{ID: "search.regex", Tags: []string{"search", "regex"}, Domains: []string{"code"}},
	}

	recs := k.Recommend(specs, TaskContext{Tags: []string{"file", "read"}}, 3)
	require.Len(t, recs, 2)
	assert.Equal(t, "file.read.range", recs[0].ID)
	assert.InDelta(t, 0.45, recs[0].Score, 1e-9)

	recs = k.Recommend(specs, TaskContext{Prompt: "search regex code", Domain: "code"}, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "search.regex", recs[0].ID)
	assert.InDelta(t, 0.45*2.0/3.0+0.35, recs[0].Score, 1e-9)

	assert.Len(t, k.Recommend(specs, TaskContext{}, 0), 1, "k is at least one")
}

func TestKnowledge_RecommendPenalisesLatency(t *testing.T) {
	k := NewKnowledge("", 2000, nil)
	require.NoError(t, k.RecordOutcome("slow", true, 1000, TaskContext{}))
	require.NoError(t, k.RecordOutcome("fast", true, 0, TaskContext{}))

	recs := k.Recommend([]Spec{{ID: "slow"}, {ID: "fast"}}, TaskContext{}, 2)
	require.Len(t, recs, 2)
	assert.Equal(t, "fast", recs[0].ID)
	assert.InDelta(t, 0.20, recs[0].Score, 1e-9)
	assert.InDelta(t, 0.20*0.9, recs[1].Score, 1e-9)
}

// #endregion knowledge

// #region policy
func TestPolicy_Check(t *testing.T) {
	read := Spec{ID: "file.read.range", SideEffects: SideEffectsRead, Risk: RiskLow}
	net := Spec{ID: "web.fetch", SideEffects: SideEffectsNetwork, Risk: RiskMed}

	assert.NoError(t, Policy{}.Check(read))
	assert.ErrorIs(t, Policy{}.Check(net), ErrToolPolicyDenied)
	assert.NoError(t, Policy{AllowNetwork: true}.Check(net))
	assert.ErrorIs(t, Policy{Allow: []string{"search.regex"}}.Check(read), ErrToolPolicyDenied)
	assert.NoError(t, Policy{Allow: []string{"file.read.range"}}.Check(read))
}

// #endregion policy

// #region runner
func newRunner(t *testing.T, cfg RunnerConfig, policy Policy, adapters ...Adapter) (*Runner, *audit.Trail, *Knowledge) {
	t.Helper()
	trail, err := audit.NewTrail(t.TempDir(), audit.NewSigner("test-secret"), nil)
	require.NoError(t, err)
	k := NewKnowledge("", 2000, nil)
	reg := NewRegistry(k)
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	return NewRunner(cfg, reg, policy, trail, nil), trail, k
}

func TestRunner_SuccessIsAuditedAndLearned(t *testing.T) {
	defer goleak.VerifyNone(t)
	r, trail, k := newRunner(t, DefaultRunnerConfig(), Policy{}, okTool("echo"))

	out, err := r.Run(context.Background(), "echo", Input{"q": 1}, ExecContext{})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, map[string]any{"echo": "echo"}, out.Data)

	events, err := trail.ToolEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "echo", events[0].ToolID)
	assert.Equal(t, audit.HashJSON(Input{"q": 1}), events[0].InputHash)

	reports, err := trail.Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].Mismatched)

	assert.Equal(t, 1.0, k.SuccessRate("echo"))
}

func TestRunner_UnknownAndDenied(t *testing.T) {
	r, trail, _ := newRunner(t, DefaultRunnerConfig(), Policy{Allow: []string{"other"}}, okTool("echo"))

	out, err := r.Run(context.Background(), "ghost", nil, ExecContext{})
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.False(t, out.OK)

	out, err = r.Run(context.Background(), "echo", nil, ExecContext{})
	assert.ErrorIs(t, err, ErrToolPolicyDenied)
	assert.Contains(t, out.Error, "policy_fail")

	events, err := trail.ToolEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events, "rejected calls never execute")
}

func TestRunner_PanicBecomesFailedOutput(t *testing.T) {
	defer goleak.VerifyNone(t)
	boom := fakeTool{
		spec: Spec{ID: "boom", SideEffects: SideEffectsNone, Risk: RiskLow},
		run:  func(context.Context, Input) Output { panic("kaput") },
	}
	r, trail, k := newRunner(t, DefaultRunnerConfig(), Policy{}, boom)

	out, err := r.Run(context.Background(), "boom", nil, ExecContext{})
	assert.ErrorIs(t, err, ErrToolExecution)
	assert.False(t, out.OK)
	assert.Contains(t, out.Error, "kaput")

	events, err := trail.ToolEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].OK)
	assert.Equal(t, 0.0, k.SuccessRate("boom"))
}

func TestRunner_TimeoutIsEnforced(t *testing.T) {
	defer goleak.VerifyNone(t)
	slow := fakeTool{
		spec: Spec{ID: "slow", SideEffects: SideEffectsNone, Risk: RiskLow},
		run: func(ctx context.Context, _ Input) Output {
			<-ctx.Done()
			return Fail("interrupted")
		},
	}
	r, _, _ := newRunner(t, RunnerConfig{Timeout: 20 * time.Millisecond}, Policy{}, slow)

	out, err := r.Run(context.Background(), "slow", nil, ExecContext{})
	assert.ErrorIs(t, err, ErrToolExecution)
	assert.Contains(t, out.Error, "timed out")
	assert.GreaterOrEqual(t, out.LatencyMs, int64(20))
}

// #endregion runner

// #region metrics
func TestMetrics(t *testing.T) {
	got := Metrics([]audit.ToolEvent{
		{ToolID: "b", OK: true, LatencyMs: 10},
		{ToolID: "a", OK: false, Error: "nope", LatencyMs: 4},
		{ToolID: "b", OK: false, Error: "late", LatencyMs: 30},
		{ToolID: "b", OK: true, LatencyMs: 20},
	})
	require.Len(t, got, 2)
	assert.Equal(t, Metric{ToolID: "a", Count: 1, SuccessRate: 0, AvgLatencyMs: 4, LastError: "nope"}, got[0])
	assert.Equal(t, Metric{ToolID: "b", Count: 3, OK: 2, SuccessRate: 0.667, AvgLatencyMs: 20, LastError: "late"}, got[1])
	assert.Empty(t, Metrics(nil))
}

// #endregion metrics
