package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

// #region config
// RunnerConfig bounds tool execution.
type RunnerConfig struct {
	Timeout time.Duration
}

// DefaultRunnerConfig returns a 10 second execution bound.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{Timeout: 10 * time.Second}
}

// #endregion config

// #region runner
// Runner executes registered tools under the policy, signs every execution
// into the audit trail and feeds the outcome back to the registry.
type Runner struct {
	cfg      RunnerConfig
	registry *Registry
	policy   Policy
	trail    *audit.Trail
	logger   *zap.Logger
}

// NewRunner builds a runner. trail may be nil to skip auditing.
func NewRunner(cfg RunnerConfig, registry *Registry, policy Policy, trail *audit.Trail, logger *zap.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRunnerConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, registry: registry, policy: policy, trail: trail, logger: logger}
}

// Policy returns the active tool policy.
func (r *Runner) Policy() Policy { return r.policy }

// Run executes tool id. The returned Output always describes the result;
// the error is non-nil whenever Output.OK is false.
func (r *Runner) Run(ctx context.Context, id string, in Input, ec ExecContext) (Output, error) {
	a, ok := r.registry.Get(id)
	if !ok {
		return Fail("unknown tool: " + id), fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	if err := r.policy.Check(a.Spec()); err != nil {
		return Fail("policy_fail: " + err.Error()), err
	}

	started := time.Now()
	out := r.execute(ctx, a, in, ec)
	out.LatencyMs = time.Since(started).Milliseconds()

	r.record(id, in, out, ec.Task)

	if !out.OK {
		return out, fmt.Errorf("%w: %s: %s", ErrToolExecution, id, out.Error)
	}
	return out, nil
}

func (r *Runner) execute(ctx context.Context, a Adapter, in Input, ec ExecContext) Output {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	done := make(chan Output, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Fail(fmt.Sprintf("tool panic: %v", p))
			}
		}()
		done <- a.Execute(ctx, in, ec)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Fail(fmt.Sprintf("tool timed out after %s", r.cfg.Timeout))
		}
		return Fail("tool cancelled: " + ctx.Err().Error())
	}
}

func (r *Runner) record(id string, in Input, out Output, tc TaskContext) {
	if r.trail != nil {
		ev, err := r.trail.Signer().SignToolEvent(id, in, out.OK, out.Error, out.LatencyMs)
		if err == nil {
			err = r.trail.AppendTool(ev)
		}
		if err != nil {
			r.logger.Warn("tool event not audited", zap.String("tool", id), zap.Error(err))
		}
	}
	if err := r.registry.RecordOutcome(id, out.OK, out.LatencyMs, tc); err != nil {
		r.logger.Warn("tool outcome not persisted", zap.String("tool", id), zap.Error(err))
	}
}

// #endregion runner

// #region metrics
// Metrics aggregates tool events per tool id, ordered by id.
func Metrics(events []audit.ToolEvent) []Metric {
	byID := make(map[string]*Metric)
	latency := make(map[string]int64)
	for _, ev := range events {
		m, ok := byID[ev.ToolID]
		if !ok {
			m = &Metric{ToolID: ev.ToolID}
			byID[ev.ToolID] = m
		}
		m.Count++
		if ev.OK {
			m.OK++
		} else if ev.Error != "" {
			m.LastError = ev.Error
		}
		latency[ev.ToolID] += ev.LatencyMs
	}
	out := make([]Metric, 0, len(byID))
	for id, m := range byID {
		m.SuccessRate = textsim.Round3(float64(m.OK) / float64(m.Count))
		m.AvgLatencyMs = latency[id] / int64(m.Count)
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Metric) int { return strings.Compare(a.ToolID, b.ToolID) })
	return out
}

// #endregion metrics
