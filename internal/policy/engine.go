// Package policy scores request risk, decides pass/block and calibrates
// itself online from its own verdicts.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/jsonfile"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

// #region types
// Decision is the verdict for one input.
type Decision struct {
	Passed bool    `json:"passed"`
	Reason string  `json:"reason,omitempty"`
	Risk   float64 `json:"risk"`
}

// EngineConfig holds engine settings that are not learned.
type EngineConfig struct {
	Path          string // knowledge file; empty keeps knowledge in memory
	MaxNgrams     int    // n-gram table capacity
	MaxLearnTerms int    // tokens considered per learn call
}

// DefaultEngineConfig returns a 5000-entry n-gram table and 200 learn tokens.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxNgrams:     5000,
		MaxLearnTerms: 200,
	}
}

// #endregion types

// #region engine
// Engine evaluates inputs against the current knowledge. Evaluate is
// read-only; only Learn mutates knowledge.
type Engine struct {
	cfg    EngineConfig
	model  SafetyModel
	logger *zap.Logger

	mu       sync.RWMutex
	k        Knowledge
	hard     []*regexp.Regexp
	intents  map[string]struct{}
	targets  map[string]struct{}
	saveMu   sync.Mutex
	loadErr  error
}

// NewEngine loads knowledge from cfg.Path, falling back to defaults when the
// file is missing or corrupt. model may be nil.
func NewEngine(cfg EngineConfig, model SafetyModel, logger *zap.Logger) *Engine {
	if cfg.MaxNgrams <= 0 {
		cfg.MaxNgrams = DefaultEngineConfig().MaxNgrams
	}
	if cfg.MaxLearnTerms <= 0 {
		cfg.MaxLearnTerms = DefaultEngineConfig().MaxLearnTerms
	}
	if model == nil {
		model = NopSafetyModel{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{cfg: cfg, model: model, logger: logger}

	k := DefaultKnowledge()
	if cfg.Path != "" {
		var loaded Knowledge
		err := jsonfile.Load(cfg.Path, &loaded)
		switch {
		case err == nil:
			k = loaded.withDefaults()
		case jsonfile.Missing(err):
		default:
			e.loadErr = fmt.Errorf("load policy knowledge: %w", err)
			logger.Warn("policy knowledge unreadable, using defaults", zap.Error(err))
		}
	}
	e.setKnowledgeLocked(k)
	return e
}

// LoadErr returns the error that forced defaults at startup, if any.
func (e *Engine) LoadErr() error {
	return e.loadErr
}

func (e *Engine) setKnowledgeLocked(k Knowledge) {
	e.k = k
	e.hard = e.hard[:0]
	for _, p := range k.HardBlockPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			e.logger.Warn("skipping invalid hard-block pattern", zap.String("pattern", p), zap.Error(err))
			continue
		}
		e.hard = append(e.hard, re)
	}
	e.intents = textsim.SetOf(k.IntentWords)
	e.targets = textsim.SetOf(k.TargetWords)
}

// #endregion engine

// #region evaluate
// Evaluate returns the verdict for input. A well-formed safety-model verdict
// is authoritative; otherwise the local heuristics decide.
func (e *Engine) Evaluate(ctx context.Context, input string) Decision {
	if d, ok := e.model.Evaluate(ctx, input); ok {
		d.Risk = textsim.Round3(textsim.Clamp01(d.Risk))
		return d
	}
	return e.evaluateLocal(input)
}

func (e *Engine) evaluateLocal(input string) Decision {
	if len(input) > maxInputChars {
		input = input[:maxInputChars]
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := textsim.Tokenize(input)
	risk := e.scoreLocked(input, tokens)

	if !hasExplanatoryMarker(input) {
		if pat, ok := matchHardBlock(e.hard, input); ok {
			return Decision{Passed: false, Reason: "hard_block: " + pat, Risk: 1.0}
		}
		if phrase, ok := matchDiskAccess(tokens); ok {
			return Decision{Passed: false, Reason: "privilege_grant: " + phrase, Risk: max(risk, 0.95)}
		}
		d := nearestPair(positions(tokens, e.intents), positions(tokens, e.targets))
		if d >= 0 && d <= e.k.ProximityWindow {
			return Decision{Passed: false, Reason: "sensitive_extraction", Risk: max(risk, 0.9)}
		}
		if matchTypoProximity(input, e.k.IntentWords, e.k.TargetWords, e.k.ProximityWindow) {
			return Decision{Passed: false, Reason: "sensitive_extraction_typo", Risk: max(risk, 0.85)}
		}
	}

	if risk < e.k.Threshold {
		return Decision{Passed: true, Risk: risk}
	}
	return Decision{Passed: false, Reason: fmt.Sprintf("risk=%.3f threshold=%.3f", risk, e.k.Threshold), Risk: risk}
}

// Score returns the continuous risk of input without any hard rule.
func (e *Engine) Score(input string) float64 {
	if len(input) > maxInputChars {
		input = input[:maxInputChars]
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scoreLocked(input, textsim.Tokenize(input))
}

// scoreLocked blends 0.2 token risk, 0.45 proximity and 0.35 n-gram risk.
func (e *Engine) scoreLocked(input string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}

	sum, cnt := 0.0, 0
	for t := range textsim.SetOf(tokens) {
		if w, ok := e.k.RiskTokens[t]; ok {
			sum += textsim.Clamp01(w)
			cnt++
		}
	}
	tokenRisk := 0.0
	if cnt > 0 {
		tokenRisk = sum / float64(cnt)
	}

	prox := proximityScore(positions(tokens, e.intents), positions(tokens, e.targets), e.k.ProximityWindow)

	grams := charNgrams(input)
	ngram := 0.0
	if len(grams) > 0 {
		total := 0.0
		for g := range grams {
			total += e.k.NgramWeights[g]
		}
		ngram = textsim.Clamp01(total / float64(len(grams)) * e.k.NgramScale)
	}

	return textsim.Round3(textsim.Clamp01(0.2*tokenRisk + 0.45*prox + 0.35*ngram))
}

// #endregion evaluate

// #region learn
// Learn adjusts knowledge after a verdict. Blocks reinforce present tokens and
// n-grams and lower the threshold; passes decay them and raise it. Every
// weight stays in [0,1] and the threshold in [0.4,0.9]. Knowledge is persisted
// after each call.
func (e *Engine) Learn(input string, passed bool, risk float64) error {
	tokens := textsim.Tokenize(input)
	if len(tokens) > e.cfg.MaxLearnTerms {
		tokens = tokens[:e.cfg.MaxLearnTerms]
	}
	if len(tokens) == 0 {
		return nil
	}
	if len(input) > maxInputChars {
		input = input[:maxInputChars]
	}
	risk = textsim.Clamp01(risk)
	grams := charNgrams(input)

	// saveMu is held across the update so files are written in update order.
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if !passed {
		for _, t := range tokens {
			if textsim.IsStopword(t) {
				continue
			}
			e.k.RiskTokens[t] = textsim.Round3(min(1, e.k.RiskTokens[t]+0.05+risk*0.05))
		}
		for g := range grams {
			e.k.NgramWeights[g] = textsim.Round3(min(1, e.k.NgramWeights[g]+0.02+risk*0.02))
		}
		e.k.Threshold = textsim.Round3(clampThreshold(e.k.Threshold - 0.01))
		e.pruneNgramsLocked()
	} else {
		for _, t := range tokens {
			w, ok := e.k.RiskTokens[t]
			if !ok {
				continue
			}
			if w = textsim.Round3(w - 0.005); w <= 0 {
				delete(e.k.RiskTokens, t)
			} else {
				e.k.RiskTokens[t] = w
			}
		}
		for g := range grams {
			w, ok := e.k.NgramWeights[g]
			if !ok {
				continue
			}
			if w = textsim.Round3(w - 0.002); w <= 0 {
				delete(e.k.NgramWeights, g)
			} else {
				e.k.NgramWeights[g] = w
			}
		}
		e.k.Threshold = textsim.Round3(clampThreshold(e.k.Threshold + 0.002))
	}
	snapshot := e.k.clone()
	e.mu.Unlock()

	return e.save(snapshot)
}

// pruneNgramsLocked evicts the lowest weights once the table exceeds capacity.
func (e *Engine) pruneNgramsLocked() {
	over := len(e.k.NgramWeights) - e.cfg.MaxNgrams
	if over <= 0 {
		return
	}
	type entry struct {
		gram string
		w    float64
	}
	all := make([]entry, 0, len(e.k.NgramWeights))
	for g, w := range e.k.NgramWeights {
		all = append(all, entry{g, w})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].w != all[j].w {
			return all[i].w < all[j].w
		}
		return all[i].gram < all[j].gram
	})
	for _, en := range all[:over] {
		delete(e.k.NgramWeights, en.gram)
	}
}

func (e *Engine) save(k Knowledge) error {
	if e.cfg.Path == "" {
		return nil
	}
	if err := jsonfile.Save(e.cfg.Path, k); err != nil {
		return fmt.Errorf("save policy knowledge: %w", err)
	}
	return nil
}

// #endregion learn

// #region snapshot
// Snapshot returns a deep copy of the current knowledge.
func (e *Engine) Snapshot() Knowledge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.k.clone()
}

// Threshold returns the current pass/block threshold.
func (e *Engine) Threshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.k.Threshold
}

// #endregion snapshot
