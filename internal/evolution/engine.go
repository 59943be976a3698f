// Package evolution runs the self-development cycle: it watches the global
// success average, proposes a new dispatch pattern after repeated stagnation,
// and lets the stability gate commit or roll back the switch.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/jsonfile"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/pattern"
)

// Deps are the collaborators of an Engine. Ledger, Bandit and OnCommit are
// optional.
type Deps struct {
	Registry *pattern.Registry
	Gate     *gate.Gate
	Metrics  *metrics.Store
	Trail    *audit.Trail
	Ledger   Ledger
	Bandit   BanditSource
	OnCommit func(p pattern.Spec)
	Logger   *zap.Logger
}

// #region engine
// Engine is safe for concurrent use; cycles are serialised.
type Engine struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu       sync.Mutex
	stale    int
	lastPerf float64
}

// New creates an engine with lastPerf 0.5.
func New(cfg Config, deps Deps) *Engine {
	if cfg.MinImprovementCycles <= 0 {
		cfg.MinImprovementCycles = DefaultConfig().MinImprovementCycles
	}
	if cfg.Epsilon < 0 {
		cfg.Epsilon = DefaultConfig().Epsilon
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, deps: deps, log: log, lastPerf: 0.5}
}

// #endregion engine

// #region evaluate
// Evaluate runs one cycle. The pre and post success of a candidate are both
// the current global EMA: the gate therefore only admits switches that reduce
// complexity. Errors from persistence are joined and returned after the cycle
// has completed.
func (e *Engine) Evaluate(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pre := e.deps.Metrics.GlobalSuccessEMA()
	preCx := e.deps.Registry.ActiveComplexity()
	if pre <= e.lastPerf+e.cfg.Epsilon {
		e.stale++
	} else {
		e.stale = 0
	}

	res := Result{
		PrePerf:       pre,
		PreComplexity: preCx,
		StaleCycles:   e.stale,
		Allowed:       e.deps.Trail.Signer().EvolutionAllowed(),
	}

	var errs []error
	if e.stale >= e.cfg.MinImprovementCycles && res.Allowed {
		errs = append(errs, e.attemptLocked(ctx, pre, preCx, &res)...)
	}

	e.lastPerf = pre
	if err := e.saveLocked(); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

func (e *Engine) attemptLocked(ctx context.Context, pre, preCx float64, res *Result) []error {
	next, err := e.deps.Registry.Synthesize()
	if errors.Is(err, pattern.ErrNoPatterns) {
		e.log.Debug("evolution skipped: no patterns registered")
		return nil
	}
	if err != nil {
		return []error{fmt.Errorf("synthesize: %w", err)}
	}

	postCx := max(1, pattern.Complexity(next))
	d := e.deps.Gate.Assess(
		gate.Sample{Success: pre, Complexity: preCx},
		gate.Sample{Success: pre, Complexity: postCx},
	)
	res.Triggered = true
	res.Candidate = next.ID
	res.Decision = &d

	var errs []error
	ev, err := e.deps.Trail.Signer().SignEvolutionEvent(audit.EvolutionEvent{
		PatternID:      next.ID,
		DeltaV:         d.DeltaV,
		PreSuccess:     pre,
		PostSuccess:    pre,
		PreComplexity:  preCx,
		PostComplexity: postCx,
		Alpha:          d.Alpha,
		Beta:           d.Beta,
		Decision:       d.Action,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("sign evolution event: %w", err))
	} else {
		res.Event = &ev
		if err := e.deps.Trail.AppendEvolution(ev); err != nil {
			errs = append(errs, err)
		}
	}

	active := e.deps.Registry.ActiveID()
	if d.Action == gate.ActionCommit {
		if err := e.deps.Registry.SetActive(next.ID); err != nil {
			errs = append(errs, err)
		}
		e.stale = 0
		e.deps.Gate.Commit(pre, postCx)
		if err := e.deps.Registry.Save(); err != nil {
			errs = append(errs, err)
		}
		if e.deps.Ledger != nil {
			if _, err := e.deps.Ledger.CommitPattern(ctx, next.ID, postCx, pre); err != nil {
				errs = append(errs, err)
			}
		}
		if e.deps.OnCommit != nil {
			e.deps.OnCommit(next)
		}
	}

	if e.deps.Ledger != nil {
		entry := logging.ProvenanceEntry{
			SubjectID:   next.ID,
			TriggerType: "evolution",
			SignalsJSON: logging.SignalsJSON(logging.EvolutionRecord{
				ActivePattern:  active,
				Candidate:      next.ID,
				PreSuccess:     pre,
				PostSuccess:    pre,
				PreComplexity:  preCx,
				PostComplexity: postCx,
				StaleCycles:    res.StaleCycles,
				DeltaV:         d.DeltaV,
				Alpha:          d.Alpha,
				Beta:           d.Beta,
				GateAction:     d.Action,
				GateReason:     d.Reason,
			}),
			EvidenceRefs: audit.StreamPatterns.FileName(),
			Decision:     d.Action,
			Reason:       d.Reason,
		}
		if err := e.deps.Ledger.RecordDecision(entry); err != nil {
			errs = append(errs, err)
		}
	}

	e.log.Info("evolution cycle",
		zap.String("candidate", next.ID),
		zap.String("action", d.Action),
		zap.Float64("delta_v", d.DeltaV),
		zap.Float64("pre_complexity", preCx),
		zap.Float64("post_complexity", postCx),
	)
	return errs
}

// #endregion evaluate

// #region state
// State previews the next cycle without changing anything.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		ActivePatternID:  e.deps.Registry.ActiveID(),
		ActiveComplexity: e.deps.Registry.ActiveComplexity(),
		LastPerf:         e.lastPerf,
		GlobalSuccessEMA: e.deps.Metrics.GlobalSuccessEMA(),
		StaleCycles:      e.stale,
		MinCycles:        e.cfg.MinImprovementCycles,
		Allowed:          e.deps.Trail.Signer().EvolutionAllowed(),
		Baseline:         e.deps.Gate.Last(),
	}
	if next, err := e.deps.Registry.Synthesize(); err == nil {
		st.Candidate = next.ID
		st.CandidateComplexity = max(1, pattern.Complexity(next))
		d := e.deps.Gate.Assess(
			gate.Sample{Success: st.GlobalSuccessEMA, Complexity: st.ActiveComplexity},
			gate.Sample{Success: st.GlobalSuccessEMA, Complexity: st.CandidateComplexity},
		)
		st.Prospective = &d
	}
	return st
}

// #endregion state

// #region snapshot
// LoadSnapshot restores lastPerf, the active pattern, per-cell priors and the
// bandit table. Any failure leaves defaults in place; the error is returned
// for logging only.
func (e *Engine) LoadSnapshot() error {
	if e.cfg.SnapshotPath == "" {
		return nil
	}
	var snap Snapshot
	if err := jsonfile.Load(e.cfg.SnapshotPath, &snap); err != nil {
		if jsonfile.Missing(err) {
			return nil
		}
		return fmt.Errorf("load snapshot: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPerf = snap.Perf
	if snap.ActivePatternID != "" {
		if err := e.deps.Registry.SetActive(snap.ActivePatternID); err != nil {
			e.log.Warn("snapshot names an unknown pattern", zap.String("pattern", snap.ActivePatternID))
		}
	}
	for id, p := range snap.Cells {
		e.deps.Metrics.SetCellSuccessRate(id, p.EMA)
		e.deps.Metrics.SetRouterConfidence(id, p.RouterConfidence)
	}
	if snap.Bandit != nil && e.deps.Bandit != nil {
		e.deps.Bandit.SetState(*snap.Bandit)
	}
	return nil
}

func (e *Engine) saveLocked() error {
	if e.cfg.SnapshotPath == "" {
		return nil
	}
	snap := Snapshot{
		Perf:            e.lastPerf,
		ActivePatternID: e.deps.Registry.ActiveID(),
		Cells:           make(map[string]CellPrior),
	}
	for id, st := range e.deps.Metrics.Detailed().PerCell {
		snap.Cells[id] = CellPrior{EMA: st.SuccessEMA, RouterConfidence: st.RouterConfidence}
	}
	if e.deps.Bandit != nil {
		b := e.deps.Bandit.State()
		snap.Bandit = &b
	}
	if err := jsonfile.Save(e.cfg.SnapshotPath, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// #endregion snapshot
