package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/policy"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

// Bounds on diagnostic log reads.
const (
	maxLogLimit     = 300
	defaultLogLimit = 100
)

// #region metrics
// Summary returns the global aggregate.
func (s *Service) Summary() metrics.Summary { return s.deps.Metrics.Summary() }

// Detailed returns per-cell stats and the recent window.
func (s *Service) Detailed() metrics.Detailed { return s.deps.Metrics.Detailed() }

// Cells returns the pool ids in creation order.
func (s *Service) Cells() []string { return s.deps.Pool.IDs() }

// DomainMatrix counts recent requests by lowercased domain and cell.
func (s *Service) DomainMatrix() DomainMatrix {
	recent := s.deps.Metrics.Recent()
	m := DomainMatrix{Matrix: make(map[string]map[string]int), Total: len(recent)}
	for _, ev := range recent {
		d := strings.ToLower(ev.Domain)
		if d == "" {
			d = "unknown"
		}
		c := ev.CellID
		if c == "" {
			c = "unknown"
		}
		if m.Matrix[d] == nil {
			m.Matrix[d] = make(map[string]int)
		}
		m.Matrix[d][c]++
	}
	return m
}

// #endregion metrics

// #region router
// RouterDiagnostics returns the default strategy, the bandit table, schedule
// and active cells.
func (s *Service) RouterDiagnostics() RouterDiagnostics {
	strategy := s.strategyFor("")
	eff, sched := s.deps.Router.Epsilon()
	cells := s.deps.Router.Cells()
	ids := make([]string, len(cells))
	for i, c := range cells {
		ids[i] = c.ID()
	}
	return RouterDiagnostics{
		Strategy:  strategy,
		Adaptive:  strategy.Learned(),
		State:     s.deps.Router.State(),
		Params:    s.deps.Router.Params(),
		Epsilon:   eff,
		Scheduled: sched,
		Cells:     ids,
	}
}

// SetRouterParams replaces the bandit schedule.
func (s *Service) SetRouterParams(p router.BanditParams) router.BanditParams {
	s.deps.Router.SetParams(p)
	return s.deps.Router.Params()
}

// PolicyKnowledge returns a copy of the learned policy state.
func (s *Service) PolicyKnowledge() policy.Knowledge { return s.deps.Policy.Snapshot() }

// #endregion router

// #region tools
// Tools lists the registered tools with their learned stats.
func (s *Service) Tools() []tools.Listing {
	if s.deps.Tools == nil {
		return nil
	}
	return s.deps.Tools.ListWithStats()
}

// RecommendTools ranks tools for tc.
func (s *Service) RecommendTools(tc tools.TaskContext, k int) []string {
	if s.deps.Tools == nil {
		return nil
	}
	return s.deps.Tools.Recommend(tc, k)
}

// RunTool executes one tool directly through the governed runner.
func (s *Service) RunTool(ctx context.Context, id string, in tools.Input) (tools.Output, error) {
	if s.deps.Runner == nil {
		return tools.Fail("no tool runner configured"), tools.ErrUnknownTool
	}
	return s.deps.Runner.Run(ctx, id, in, tools.ExecContext{WorkspaceDir: s.cfg.WorkspaceDir})
}

// ToolMetrics aggregates the newest limit tool events.
func (s *Service) ToolMetrics(limit int) ([]tools.Metric, error) {
	events, err := s.deps.Trail.ToolEvents(limit)
	if err != nil {
		return nil, err
	}
	return tools.Metrics(events), nil
}

// #endregion tools

// #region audit
// ActionsSample returns the newest signed actions.
func (s *Service) ActionsSample(limit int) ([]json.RawMessage, error) {
	return s.deps.Trail.Tail(audit.StreamActions, clampLimit(limit))
}

// EvolutionLogs returns the newest pattern-stream events, evolution and cell
// lifecycle alike.
func (s *Service) EvolutionLogs(limit int) ([]json.RawMessage, error) {
	return s.deps.Trail.Tail(audit.StreamPatterns, clampLimit(limit))
}

// VerifyAudit checks every signature in every stream.
func (s *Service) VerifyAudit(ctx context.Context) ([]audit.Report, error) {
	return s.deps.Trail.Verify(ctx)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLogLimit
	}
	return min(limit, maxLogLimit)
}

// #endregion audit
