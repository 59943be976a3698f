package dispatch

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/pattern"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/synthesis"
)

// Cell event names.
const (
	CellCreated = "created"
	CellRetired = "retired"
)

// #region evolve
// Evolve runs one self-development cycle.
func (s *Service) Evolve(ctx context.Context) (evolution.Result, error) {
	if s.isClosed() {
		return evolution.Result{}, ErrClosed
	}
	return s.evo.Evaluate(ctx)
}

// EvolutionState previews the next cycle without side effects.
func (s *Service) EvolutionState() evolution.State {
	return s.evo.State()
}

// #endregion evolve

// #region pattern
// ApplyPattern activates the pool cells named by p on the router and makes
// its router label the default strategy. A pattern naming no live cell
// activates the whole pool. An unknown label keeps the configured default.
func (s *Service) ApplyPattern(p pattern.Spec) {
	s.topology.Lock()
	defer s.topology.Unlock()
	s.applyPatternLocked(p)
}

func (s *Service) applyPatternLocked(p pattern.Spec) {
	all := s.deps.Pool.List()
	matched := make([]*cell.Cell, 0, len(all))
	for _, c := range all {
		if slices.Contains(p.Cells, c.ID()) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		matched = all
	}
	s.deps.Router.SetCells(matched)

	strategy := router.ParseStrategy(p.Router)
	if string(strategy) != p.Router {
		strategy = ""
	}
	s.patternStrategy.Store(strategy)
	s.log.Debug("pattern applied",
		zap.String("pattern", p.ID),
		zap.Int("cells", len(matched)),
		zap.String("strategy", string(strategy)),
	)
}

// ApplyActivePattern aligns the router with the registry's active pattern,
// or the whole pool when none is active.
func (s *Service) ApplyActivePattern() {
	p, ok := s.deps.Registry.Active()
	if !ok {
		s.deps.Router.SetCells(s.deps.Pool.List())
		s.patternStrategy.Store(router.Strategy(""))
		return
	}
	s.ApplyPattern(p)
}

// #endregion pattern

// #region synthesis
// Synthesize creates a cell for every newly discovered domain, then retires
// redundant cells. It ignores the auto-synthesis cooldown.
func (s *Service) Synthesize(ctx context.Context) (SynthesisResult, error) {
	if s.isClosed() {
		return SynthesisResult{}, ErrClosed
	}
	s.topology.Lock()
	defer s.topology.Unlock()

	res := SynthesisResult{Created: []string{}, Removed: []string{}}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.Created = s.createCellsLocked(0)
	res.Removed = s.retireRedundantLocked()
	res.TotalCells = s.deps.Pool.Len()
	return res, nil
}

// scheduleSynthesis starts a background auto-synthesis pass unless disabled
// or closed. Close waits for it.
func (s *Service) scheduleSynthesis() {
	if !s.cfg.AutoSynthesis {
		return
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.autoSynthesize()
	}()
}

// autoSynthesize creates at most one cell per cooldown window. The window
// restarts only when a cell was actually created.
func (s *Service) autoSynthesize() {
	s.topology.Lock()
	defer s.topology.Unlock()

	now := s.now()
	if !s.lastSynth.IsZero() && now.Sub(s.lastSynth) < s.cfg.SynthesisCooldown {
		return
	}
	if created := s.createCellsLocked(1); len(created) > 0 {
		s.retireRedundantLocked()
		s.lastSynth = now
	}
}

// createCellsLocked turns discovered signatures into live cells. limit 0
// means no limit.
func (s *Service) createCellsLocked(limit int) []string {
	created := []string{}
	existing := s.deps.Pool.ShortIDs()
	for _, sig := range synthesis.Discover(s.deps.Metrics.Recent(), s.cfg.Discover) {
		if existing[sig.ID] {
			continue
		}
		sig.MemorySize = s.cfg.MemorySize
		c := cell.FromDomain(sig)
		if !s.deps.Pool.Add(c) {
			continue
		}
		existing[sig.ID] = true
		s.deps.Metrics.RegisterTags(c.ID(), c.Tags())
		s.deps.Router.SetCells(append(s.deps.Router.Cells(), c))
		s.cellEvent(c.ID(), CellCreated, sig.Tags)
		created = append(created, c.ID())
		s.log.Info("cell created", zap.String("cell", c.ID()), zap.Strings("tags", sig.Tags))
		if limit > 0 && len(created) >= limit {
			break
		}
	}
	return created
}

// retireRedundantLocked removes near-duplicate cells, keeping the better
// performer of each pair.
func (s *Service) retireRedundantLocked() []string {
	removed := []string{}
	stats := s.deps.Metrics.Detailed().PerCell
	for _, id := range synthesis.FindRedundant(s.deps.Pool.IDs(), stats, s.cfg.Merge) {
		c, ok := s.deps.Pool.Get(id)
		if !ok || !s.deps.Pool.Remove(id) {
			continue
		}
		active := slices.DeleteFunc(s.deps.Router.Cells(), func(x *cell.Cell) bool { return x.ID() == id })
		s.deps.Router.SetCells(active)
		s.deps.Metrics.Forget(id)
		s.cellEvent(id, CellRetired, c.Tags())
		removed = append(removed, id)
		s.log.Info("cell retired", zap.String("cell", id))
	}
	if len(removed) > 0 && len(s.deps.Router.Cells()) == 0 {
		s.deps.Router.SetCells(s.deps.Pool.List())
	}
	return removed
}

// cellEvent signs and appends a cell lifecycle event and mirrors it into the
// provenance log.
func (s *Service) cellEvent(cellID, event string, tags []string) {
	ev, err := s.deps.Trail.Signer().SignCellEvent(cellID, event, tags)
	if err == nil {
		err = s.deps.Trail.AppendCell(ev)
	}
	if err != nil {
		s.log.Error("cell event not audited", zap.String("cell", cellID), zap.Error(err))
	}
	if s.deps.Ledger == nil {
		return
	}
	decision := "create"
	if event == CellRetired {
		decision = "merge"
	}
	err = s.deps.Ledger.RecordDecision(logging.ProvenanceEntry{
		SubjectID:    cellID,
		TriggerType:  "synthesis",
		SignalsJSON:  logging.SignalsJSON(map[string]any{"event": event, "tags": tags}),
		EvidenceRefs: audit.StreamPatterns.FileName(),
		Decision:     decision,
		Reason:       fmt.Sprintf("cell %s", event),
	})
	if err != nil {
		s.log.Warn("synthesis decision not recorded", zap.String("cell", cellID), zap.Error(err))
	}
}

// #endregion synthesis
