package router

import (
	"errors"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
)

// ErrNoCells is returned when routing over an empty pool.
var ErrNoCells = errors.New("router: no cells available")

// #region strategy
// Strategy names a cell selection policy.
type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	Random      Strategy = "random"
	Keyword     Strategy = "keyword"
	SuccessRate Strategy = "success_rate"
	Bandit      Strategy = "rl_bandit"
)

// ParseStrategy maps a label to a Strategy, defaulting to SuccessRate.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case RoundRobin, Random, Keyword, SuccessRate, Bandit:
		return Strategy(s)
	}
	return SuccessRate
}

// Learned reports whether the strategy reads learned statistics.
func (s Strategy) Learned() bool {
	return s == SuccessRate || s == Bandit
}

// #endregion strategy

// #region result
// Result is the outcome of one routing decision.
type Result struct {
	Cell       *cell.Cell
	Confidence float64
	Reason     string
}

// #endregion result

// #region bandit-types
// BanditParams is the tunable schedule of the rl_bandit strategy.
type BanditParams struct {
	Alpha        float64 `json:"alpha" yaml:"alpha"`                 // value learning rate
	Decay        float64 `json:"decay" yaml:"decay"`                 // pull of unselected arms toward 0.5
	Eps0         float64 `json:"eps0" yaml:"eps0"`                   // base exploration rate
	MinEps       float64 `json:"minEps" yaml:"min_eps"`              // floor after warmup
	EpsDecay     float64 `json:"epsDecay" yaml:"eps_decay"`          // exponential decay per step
	WarmupSteps  int     `json:"warmupSteps" yaml:"warmup_steps"`    // steps held at Eps0
	DriftWindow  int     `json:"driftWindow" yaml:"drift_window"`    // W in the 2W drift comparison
	DriftDrop    float64 `json:"driftDrop" yaml:"drift_drop"`        // mean-reward drop that opens a spike
	SpikeEpsilon float64 `json:"spikeEpsilon" yaml:"spike_epsilon"`  // exploration at spike start
	SpikeDecay   float64 `json:"spikeDecay" yaml:"spike_decay"`      // decay of the spike per step
	SpikeSteps   int     `json:"spikeSteps" yaml:"spike_steps"`      // spike window length
	TagGuard     float64 `json:"tagGuard" yaml:"tag_guard"`          // tag match that wins outright
	LatencySLOMs int64   `json:"latencySloMs" yaml:"latency_slo_ms"` // SLO for drift rewards
}

// DefaultBanditParams returns the stock schedule.
func DefaultBanditParams() BanditParams {
	return BanditParams{
		Alpha:        0.2,
		Decay:        0.02,
		Eps0:         0.15,
		MinEps:       0.08,
		EpsDecay:     0,
		WarmupSteps:  0,
		DriftWindow:  30,
		DriftDrop:    0.08,
		SpikeEpsilon: 0.30,
		SpikeDecay:   0.01,
		SpikeSteps:   20,
		TagGuard:     0.6,
		LatencySLOMs: 2000,
	}
}

func (p BanditParams) clamped() BanditParams {
	clamp := func(v float64) float64 { return max(0, min(1, v)) }
	p.Alpha = clamp(p.Alpha)
	p.Decay = clamp(p.Decay)
	p.Eps0 = clamp(p.Eps0)
	p.MinEps = clamp(p.MinEps)
	p.EpsDecay = max(0, p.EpsDecay)
	p.WarmupSteps = max(0, p.WarmupSteps)
	p.DriftWindow = max(1, p.DriftWindow)
	p.DriftDrop = clamp(p.DriftDrop)
	p.SpikeEpsilon = clamp(p.SpikeEpsilon)
	p.SpikeDecay = max(0, p.SpikeDecay)
	p.SpikeSteps = max(1, p.SpikeSteps)
	p.TagGuard = clamp(p.TagGuard)
	if p.LatencySLOMs <= 0 {
		p.LatencySLOMs = 2000
	}
	return p
}

// BanditState is the learned value table.
type BanditState struct {
	Epsilon float64            `json:"epsilon"`
	Values  map[string]float64 `json:"values"`
	Counts  map[string]int     `json:"counts"`
}

// #endregion bandit-types
