// Package gate decides whether a structural change may be committed, using
// the Lyapunov-style criterion deltaV = beta*dComplexity - alpha*dSuccess.
package gate

import (
	"fmt"
	"sync"
)

// #region gate
// Gate assesses prospective transitions and remembers the last committed
// baseline.
type Gate struct {
	config GateConfig

	mu   sync.Mutex
	last Sample
}

// NewGate creates a gate with the given configuration. The baseline starts at
// success 0.5, complexity 1.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config, last: Sample{Success: 0.5, Complexity: 1}}
}

// Config returns the weights in use.
func (g *Gate) Config() GateConfig {
	return g.config
}

// Assess computes deltaV for pre -> post. The transition commits iff deltaV
// is strictly negative; zero is a rollback.
func (g *Gate) Assess(pre, post Sample) GateDecision {
	dSuccess := post.Success - pre.Success
	dCx := post.Complexity - pre.Complexity
	deltaV := g.config.Beta*dCx - g.config.Alpha*dSuccess

	d := GateDecision{
		DeltaV:      deltaV,
		DSuccess:    dSuccess,
		DComplexity: dCx,
		Alpha:       g.config.Alpha,
		Beta:        g.config.Beta,
	}
	if deltaV < 0 {
		d.Action = ActionCommit
		d.Reason = fmt.Sprintf("deltaV %.4f < 0 (dSuccess %.4f, dComplexity %.2f)", deltaV, dSuccess, dCx)
		return d
	}
	d.Action = ActionRollback
	d.Reason = fmt.Sprintf("deltaV %.4f >= 0 (dSuccess %.4f, dComplexity %.2f)", deltaV, dSuccess, dCx)
	return d
}

// Commit records a new baseline.
func (g *Gate) Commit(perf, complexity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = Sample{Success: perf, Complexity: complexity}
}

// Last returns the most recent committed baseline.
func (g *Gate) Last() Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// #endregion gate
