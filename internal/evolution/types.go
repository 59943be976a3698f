package evolution

import (
	"context"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/store"
)

// #region config
// Config holds the evolution schedule.
type Config struct {
	MinImprovementCycles int     // stale cycles before a candidate is tried
	Epsilon              float64 // perf must beat the last value by more than this
	SnapshotPath         string  // last-known-good snapshot; empty disables persistence
}

// DefaultConfig returns 3 cycles and a 0.001 margin.
func DefaultConfig() Config {
	return Config{
		MinImprovementCycles: 3,
		Epsilon:              0.001,
	}
}

// #endregion config

// #region collaborators
// Ledger persists decisions and pattern activations. *store.Store satisfies it.
type Ledger interface {
	RecordDecision(entry logging.ProvenanceEntry) error
	CommitPattern(ctx context.Context, patternID string, complexity, perf float64) (store.PatternVersion, error)
}

// BanditSource exposes the router's value table for snapshots.
type BanditSource interface {
	State() router.BanditState
	SetState(st router.BanditState)
}

// #endregion collaborators

// #region snapshot
// Snapshot is the last-known-good state written after every cycle.
type Snapshot struct {
	Perf            float64              `json:"perf"`
	ActivePatternID string               `json:"activePatternId,omitempty"`
	Cells           map[string]CellPrior `json:"cells,omitempty"`
	Bandit          *router.BanditState  `json:"bandit,omitempty"`
}

// CellPrior seeds a cell's metrics on restart.
type CellPrior struct {
	EMA              float64 `json:"ema"`
	RouterConfidence float64 `json:"routerConfidence"`
}

// #endregion snapshot

// #region result
// Result describes one Evaluate call.
type Result struct {
	PrePerf       float64               `json:"prePerf"`
	PreComplexity float64               `json:"preComplexity"`
	StaleCycles   int                   `json:"staleCycles"`
	Allowed       bool                  `json:"allowed"`
	Triggered     bool                  `json:"triggered"`
	Candidate     string                `json:"candidate,omitempty"`
	Decision      *gate.GateDecision    `json:"decision,omitempty"`
	Event         *audit.EvolutionEvent `json:"event,omitempty"`
}

// State is a side-effect-free preview of the next cycle.
type State struct {
	ActivePatternID     string             `json:"activePatternId"`
	ActiveComplexity    float64            `json:"activeComplexity"`
	LastPerf            float64            `json:"lastPerf"`
	GlobalSuccessEMA    float64            `json:"globalSuccessEma"`
	StaleCycles         int                `json:"staleCycles"`
	MinCycles           int                `json:"minCycles"`
	Allowed             bool               `json:"allowed"`
	Baseline            gate.Sample        `json:"baseline"`
	Candidate           string             `json:"candidate,omitempty"`
	CandidateComplexity float64            `json:"candidateComplexity,omitempty"`
	Prospective         *gate.GateDecision `json:"prospective,omitempty"`
}

// #endregion result
