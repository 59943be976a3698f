// Package router selects a cell for each request and learns from rewards.
package router

import (
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

// keywordFloor is the tag match below which keyword routing rotates instead.
const keywordFloor = 0.3

// DefaultToolIDs are the tool ids that force the base cell when named.
var DefaultToolIDs = []string{"file.list.dir", "file.read.range", "search.regex", "file.write", "log.append"}

var toolPhrasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\busing the.*tool\b`),
	regexp.MustCompile(`(?i)\buse.*tool\b`),
	regexp.MustCompile(`(?i)\btool.*to\b`),
	regexp.MustCompile(`(?i)\bwrite\s+.*\s+to\s+file\b`),
	regexp.MustCompile(`(?i)\bcreate\s+file\b`),
}

// #region router-struct
// Router routes over the active cell pool. Safe for concurrent use.
type Router struct {
	mu      sync.Mutex
	cells   []*cell.Cell
	metrics *metrics.Store
	rng     *rand.Rand
	logger  *zap.Logger
	toolRe  *regexp.Regexp

	params     BanditParams
	values     map[string]float64
	counts     map[string]int
	step       int
	spikeUntil int
	rr         int
}

// #endregion router-struct

// #region constructor
// New creates a router. A nil rng is seeded from the clock; tests pass a
// fixed seed for determinism.
func New(params BanditParams, store *metrics.Store, rng *rand.Rand, logger *zap.Logger) *Router {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		metrics: store,
		rng:     rng,
		logger:  logger,
		params:  params.clamped(),
		values:  make(map[string]float64),
		counts:  make(map[string]int),
	}
	r.SetToolIDs(DefaultToolIDs)
	return r
}

// SetToolIDs replaces the tool ids whose mention forces the base cell.
func (r *Router) SetToolIDs(ids []string) {
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			quoted = append(quoted, regexp.QuoteMeta(id))
		}
	}
	var re *regexp.Regexp
	if len(quoted) > 0 {
		re = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	}
	r.mu.Lock()
	r.toolRe = re
	r.mu.Unlock()
}

// SetCells replaces the active pool. Learned values survive pool changes.
func (r *Router) SetCells(cells []*cell.Cell) {
	r.mu.Lock()
	r.cells = append([]*cell.Cell(nil), cells...)
	if len(r.cells) > 0 {
		r.rr %= len(r.cells)
	} else {
		r.rr = 0
	}
	r.mu.Unlock()
}

// Cells returns the active pool.
func (r *Router) Cells() []*cell.Cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cell.Cell(nil), r.cells...)
}

// #endregion constructor

// #region route
// Route picks a cell for input under strategy.
func (r *Router) Route(input string, strategy Strategy) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cells) == 0 {
		return Result{}, ErrNoCells
	}

	if r.isToolPrompt(input) {
		for _, c := range r.cells {
			if c.ID() == cell.BaseID {
				return Result{Cell: c, Confidence: 1.0, Reason: "explicit-tool-prompt"}, nil
			}
		}
	}

	switch strategy {
	case RoundRobin:
		return Result{Cell: r.nextRoundRobin(), Confidence: 0.5, Reason: "round_robin"}, nil
	case Random:
		return Result{Cell: r.cells[r.rng.Intn(len(r.cells))], Confidence: 0.5, Reason: "random"}, nil
	case Keyword:
		return r.routeKeyword(input), nil
	case Bandit:
		return r.routeBandit(input), nil
	default:
		return r.routeSuccessRate(input), nil
	}
}

func (r *Router) isToolPrompt(input string) bool {
	if r.toolRe != nil && r.toolRe.MatchString(input) {
		return true
	}
	for _, re := range toolPhrasePatterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

func (r *Router) nextRoundRobin() *cell.Cell {
	c := r.cells[r.rr%len(r.cells)]
	r.rr = (r.rr + 1) % len(r.cells)
	return c
}

func (r *Router) routeKeyword(input string) Result {
	best, match := r.bestTagMatch(input)
	if match > keywordFloor {
		return Result{Cell: best, Confidence: clampConf(match), Reason: fmt.Sprintf("keyword bestMatch=%.2f", match)}
	}
	return Result{Cell: r.nextRoundRobin(), Confidence: 0.5, Reason: fmt.Sprintf("keyword fallback round_robin bestMatch=%.2f", match)}
}

func (r *Router) routeSuccessRate(input string) Result {
	if best, match := r.bestTagMatch(input); match >= r.params.TagGuard {
		return Result{Cell: best, Confidence: clampConf(match), Reason: fmt.Sprintf("success_rate tagGuard match=%.2f", match)}
	}
	best := r.cells[0]
	bestScore := r.blendScore(best, input)
	for _, c := range r.cells[1:] {
		if s := r.blendScore(c, input); s > bestScore {
			best, bestScore = c, s
		}
	}
	return Result{Cell: best, Confidence: clampConf(bestScore), Reason: fmt.Sprintf("success_rate score=%.2f", bestScore)}
}

func (r *Router) routeBandit(input string) Result {
	r.step++
	eps, _ := r.epsilonAt(r.step)

	if r.rng.Float64() < eps {
		c := r.cells[r.rng.Intn(len(r.cells))]
		return Result{Cell: c, Confidence: clampConf(r.valueOr(c.ID(), 0.5)), Reason: fmt.Sprintf("rl_bandit explore eps=%.3f", eps)}
	}

	if best, match := r.bestTagMatch(input); match >= r.params.TagGuard {
		return Result{Cell: best, Confidence: clampConf(r.valueOr(best.ID(), match)), Reason: fmt.Sprintf("rl_bandit tagGuard match=%.2f", match)}
	}

	best := r.cells[0]
	bestVal := r.armValue(best, input)
	for _, c := range r.cells[1:] {
		if v := r.armValue(c, input); v > bestVal {
			best, bestVal = c, v
		}
	}
	return Result{Cell: best, Confidence: clampConf(bestVal), Reason: fmt.Sprintf("rl_bandit exploit value=%.2f", bestVal)}
}

// armValue is the learned value, or the blended score for unseen arms.
func (r *Router) armValue(c *cell.Cell, input string) float64 {
	if v, ok := r.values[c.ID()]; ok {
		return v
	}
	return r.blendScore(c, input)
}

func (r *Router) blendScore(c *cell.Cell, input string) float64 {
	perf := 0.5
	if r.metrics != nil {
		perf = r.metrics.CellSuccessRate(c.ID())
	}
	return 0.5*perf + 0.5*c.MatchTags(input)
}

// bestTagMatch returns the first cell with the highest tag match.
func (r *Router) bestTagMatch(input string) (*cell.Cell, float64) {
	best := r.cells[0]
	bestMatch := best.MatchTags(input)
	for _, c := range r.cells[1:] {
		if m := c.MatchTags(input); m > bestMatch {
			best, bestMatch = c, m
		}
	}
	return best, bestMatch
}

func (r *Router) valueOr(id string, fallback float64) float64 {
	if v, ok := r.values[id]; ok {
		return v
	}
	return fallback
}

// #endregion route

// #region update
// Update folds reward into the value of cellID, decays every other active
// arm toward 0.5 and re-checks for reward drift.
func (r *Router) Update(cellID string, reward float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw := textsim.Clamp01(reward)
	prev := r.valueOr(cellID, 0.5)
	r.values[cellID] = textsim.Round3(prev + r.params.Alpha*(rw-prev))
	r.counts[cellID]++

	if r.params.Decay > 0 {
		for _, c := range r.cells {
			if c.ID() == cellID {
				continue
			}
			v := r.valueOr(c.ID(), 0.5)
			r.values[c.ID()] = textsim.Round3(v*(1-r.params.Decay) + 0.5*r.params.Decay)
		}
	}
	r.checkDriftLocked()
}

// checkDriftLocked compares mean reward of the last W events against the W
// before them and opens an exploration spike on a large enough drop.
func (r *Router) checkDriftLocked() {
	if r.metrics == nil {
		return
	}
	w := r.params.DriftWindow
	recent := r.metrics.Recent()
	if len(recent) < 2*w {
		return
	}
	recent = recent[len(recent)-2*w:]

	reward := func(ev metrics.RequestEvent) float64 {
		if !ev.Success {
			return 0
		}
		pen := min(1, float64(max(0, ev.LatencyMs))/float64(r.params.LatencySLOMs))
		return 1 - pen
	}
	var pre, post float64
	for i, ev := range recent {
		if i < w {
			pre += reward(ev)
		} else {
			post += reward(ev)
		}
	}
	pre /= float64(w)
	post /= float64(w)
	if pre-post >= r.params.DriftDrop {
		r.spikeUntil = r.step + r.params.SpikeSteps
		r.logger.Info("reward drift detected, exploration spike opened",
			zap.Float64("pre", pre),
			zap.Float64("post", post),
			zap.Int("until_step", r.spikeUntil),
		)
	}
}

// #endregion update

// #region epsilon
// epsilonAt returns the effective and scheduled epsilon at step.
func (r *Router) epsilonAt(step int) (effective, scheduled float64) {
	p := r.params
	if step <= p.WarmupSteps {
		return p.Eps0, p.Eps0
	}
	t := float64(step - p.WarmupSteps)
	scheduled = max(p.MinEps, p.Eps0*math.Exp(-p.EpsDecay*t))
	if step < r.spikeUntil {
		remaining := r.spikeUntil - step
		spike := p.SpikeEpsilon * math.Exp(-p.SpikeDecay*float64(p.SpikeSteps-remaining))
		return max(scheduled, spike), scheduled
	}
	return scheduled, scheduled
}

// Epsilon returns the effective and scheduled epsilon the next bandit route
// will use.
func (r *Router) Epsilon() (effective, scheduled float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epsilonAt(r.step + 1)
}

// #endregion epsilon

// #region diagnostics
// State returns a copy of the bandit value table.
func (r *Router) State() BanditState {
	r.mu.Lock()
	defer r.mu.Unlock()
	eff, _ := r.epsilonAt(r.step + 1)
	st := BanditState{
		Epsilon: eff,
		Values:  make(map[string]float64, len(r.values)),
		Counts:  make(map[string]int, len(r.counts)),
	}
	for k, v := range r.values {
		st.Values[k] = v
	}
	for k, v := range r.counts {
		st.Counts[k] = v
	}
	return st
}

// SetState replaces the value table. A positive Epsilon resets Eps0.
func (r *Router) SetState(st BanditState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.Epsilon > 0 {
		r.params.Eps0 = textsim.Clamp01(st.Epsilon)
	}
	if st.Values != nil {
		r.values = make(map[string]float64, len(st.Values))
		for k, v := range st.Values {
			r.values[k] = textsim.Clamp01(v)
		}
	}
	if st.Counts != nil {
		r.counts = make(map[string]int, len(st.Counts))
		for k, v := range st.Counts {
			r.counts[k] = v
		}
	}
}

// Params returns the current schedule.
func (r *Router) Params() BanditParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// SetParams replaces the schedule, clamping every field to its valid range.
func (r *Router) SetParams(p BanditParams) {
	r.mu.Lock()
	r.params = p.clamped()
	r.mu.Unlock()
}

// #endregion diagnostics

func clampConf(v float64) float64 {
	return max(0.05, min(1, v))
}
