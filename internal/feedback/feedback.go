// Package feedback turns request outcomes into per-cell statistics and
// temperature adjustments.
package feedback

import (
	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

// #region types
// Outcome is what the pipeline observed for one request.
type Outcome struct {
	Success      bool
	LatencyMs    int64
	PolicyPassed bool
}

// ControllerConfig holds the controller tunables.
type ControllerConfig struct {
	Alpha        float64 // success EMA weight
	LatencySLOMs int64
	Bounds       cell.TempBounds
}

// DefaultControllerConfig returns alpha 0.2, a 2s SLO and [0.1, 0.9] temperatures.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Alpha:        0.2,
		LatencySLOMs: 2000,
		Bounds:       cell.DefaultTempBounds(),
	}
}

// #endregion types

// #region controller
// Controller is the only writer of cell temperatures.
type Controller struct {
	cfg     ControllerConfig
	metrics *metrics.Store
}

// NewController creates a controller writing into store.
func NewController(cfg ControllerConfig, store *metrics.Store) *Controller {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.2
	}
	if cfg.LatencySLOMs <= 0 {
		cfg.LatencySLOMs = 2000
	}
	return &Controller{cfg: cfg, metrics: store}
}

// Update folds o into the cell's success EMA, recomputes its SAI and maps the
// blended confidence onto its temperature. It returns the refreshed stat.
func (c *Controller) Update(target *cell.Cell, o Outcome, routerConfidence float64) metrics.CellStat {
	id := target.ID()

	y := 0.0
	if o.Success {
		y = 1
	}
	ema := c.metrics.UpdateSuccessEMA(id, y, c.cfg.Alpha)

	c.metrics.IncrementAdaptationSteps(id)
	c.metrics.SetRouterConfidence(id, routerConfidence)

	compliance := c.metrics.CellComplianceRate(id)
	sai := textsim.Clamp01(ema * (1 - LatencyPenalty(o.LatencyMs, c.cfg.LatencySLOMs)) * compliance)
	c.metrics.SetSAI(id, sai)

	confidence := 0.7*ema + 0.3*routerConfidence
	target.AdjustParameters(confidence, c.cfg.Bounds)

	st := c.metrics.Detailed().PerCell[id]
	st.SuccessEMA = c.metrics.CellSuccessRate(id)
	st.ComplianceEMA = compliance
	if v, ok := c.metrics.SAI(id); ok {
		st.SAI = v
	}
	return st
}

// #endregion controller

// LatencyPenalty returns min(1, latency/SLO).
func LatencyPenalty(latencyMs, sloMs int64) float64 {
	if sloMs <= 0 {
		sloMs = 1
	}
	if latencyMs <= 0 {
		return 0
	}
	return min(1, float64(latencyMs)/float64(sloMs))
}
