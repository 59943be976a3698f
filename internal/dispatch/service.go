// Package dispatch is the request pipeline: policy check, routing, the cell
// call, optional tool step, metrics, feedback, audit and the background
// self-development hooks.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/backend"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/extract"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/feedback"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/policy"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

// Tool metadata copied onto a request when the model gave no domain hint.
const maxToolTags = 6

// #region service
// Service owns one dispatcher instance. It is safe for concurrent use.
type Service struct {
	cfg     Config
	deps    Deps
	log     *zap.Logger
	backend backend.Backend
	evo     *evolution.Engine
	now     func() time.Time

	// topology serialises pool membership changes and the synthesis cooldown.
	topology  sync.Mutex
	lastSynth time.Time

	// patternStrategy is the router label of the applied pattern, if any.
	patternStrategy atomic.Value

	lifecycle sync.Mutex
	closed    bool
	bg        sync.WaitGroup
	closers   []io.Closer
}

// New validates deps, builds the evolution engine, restores the last-known
// good snapshot and aligns the router with the active pattern.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Pool == nil:
		return nil, fmt.Errorf("%w: pool", ErrMissingDependency)
	case deps.Router == nil:
		return nil, fmt.Errorf("%w: router", ErrMissingDependency)
	case deps.Metrics == nil:
		return nil, fmt.Errorf("%w: metrics", ErrMissingDependency)
	case deps.Feedback == nil:
		return nil, fmt.Errorf("%w: feedback", ErrMissingDependency)
	case deps.Policy == nil:
		return nil, fmt.Errorf("%w: policy", ErrMissingDependency)
	case deps.Trail == nil:
		return nil, fmt.Errorf("%w: audit trail", ErrMissingDependency)
	case deps.Registry == nil:
		return nil, fmt.Errorf("%w: pattern registry", ErrMissingDependency)
	case deps.Gate == nil:
		return nil, fmt.Errorf("%w: gate", ErrMissingDependency)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.LatencySLOMs <= 0 {
		cfg.LatencySLOMs = DefaultConfig().LatencySLOMs
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = DefaultConfig().DefaultStrategy
	}

	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultConfig().BackendTimeout
	}

	s := &Service{cfg: cfg, deps: deps, log: deps.Logger, now: time.Now}
	if deps.Backend != nil {
		s.backend = backend.WithTimeout(deps.Backend, cfg.BackendTimeout)
	}

	s.evo = evolution.New(cfg.Evolution, evolution.Deps{
		Registry: deps.Registry,
		Gate:     deps.Gate,
		Metrics:  deps.Metrics,
		Trail:    deps.Trail,
		Ledger:   deps.Ledger,
		Bandit:   deps.Router,
		OnCommit: s.ApplyPattern,
		Logger:   deps.Logger.Named("evolution"),
	})
	if err := s.evo.LoadSnapshot(); err != nil {
		s.log.Warn("evolution snapshot ignored", zap.Error(err))
	}
	for _, c := range deps.Pool.List() {
		deps.Metrics.RegisterTags(c.ID(), c.Tags())
	}
	if deps.Tools != nil {
		deps.Router.SetToolIDs(deps.Tools.IDs())
	}
	s.ApplyActivePattern()
	return s, nil
}

// addCloser registers a resource released by Close.
func (s *Service) addCloser(c io.Closer) { s.closers = append(s.closers, c) }

// Close waits for background synthesis and releases owned resources.
func (s *Service) Close() error {
	s.lifecycle.Lock()
	if s.closed {
		s.lifecycle.Unlock()
		return nil
	}
	s.closed = true
	s.lifecycle.Unlock()

	s.bg.Wait()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) isClosed() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.closed
}

// #endregion service

// #region act
// Act runs one request through the pipeline. Every path records a metrics
// event. A blocked prompt returns ErrPolicyRejected together with a Response
// carrying the verdict.
func (s *Service) Act(ctx context.Context, req Request) (Response, error) {
	started := s.now()
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		return Response{}, ErrEmptyPrompt
	}
	if s.isClosed() {
		return Response{}, ErrClosed
	}
	reqID := req.RequestID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	resp := Response{RequestID: reqID}

	dec := s.deps.Policy.Evaluate(ctx, prompt)
	s.learn(prompt, dec.Passed, dec.Risk)
	resp.Policy = audit.PolicyVerdict{Passed: dec.Passed, Reason: dec.Reason, Risk: dec.Risk}
	resp.Metrics.PolicyRisk = dec.Risk

	if !dec.Passed {
		resp.CellID = NoCell
		s.finish(ctx, &resp, started, metrics.RequestEvent{CellID: NoCell}, audit.ActionInput{
			CellID:           NoCell,
			RouterStrategy:   "n/a",
			AdaptationReason: "policy-fail",
		}, prompt)
		s.recordBlock(reqID, prompt, dec)
		return resp, fmt.Errorf("%w: risk %.3f: %s", ErrPolicyRejected, dec.Risk, dec.Reason)
	}

	strategy := s.strategyFor(req.Strategy)
	resp.Router = string(strategy)
	route, err := s.route(prompt, strategy, len(req.Tools) > 0)
	if err != nil {
		resp.CellID = UnknownCell
		s.finish(ctx, &resp, started, metrics.RequestEvent{CellID: UnknownCell, PolicyPassed: true}, audit.ActionInput{
			CellID:           UnknownCell,
			RouterStrategy:   string(strategy),
			AdaptationReason: "no-cell",
		}, prompt)
		return resp, fmt.Errorf("route: %w", err)
	}
	c := route.Cell
	resp.CellID = c.ID()

	text, err := c.Act(ctx, s.backend, prompt)
	success := err == nil
	if err != nil {
		s.log.Warn("backend failed, answering with stub",
			zap.String("request_id", reqID),
			zap.String("cell", c.ID()),
			zap.Error(err),
		)
		text = backend.StubText(c.ID(), prompt)
		resp.Degraded = true
	}

	if len(req.Tools) > 0 {
		text, resp.Tool = s.toolStep(ctx, reqID, prompt, c.ID(), text, req.Tools)
	}

	if hint, cleaned, ok := extract.DomainHintFrom(text); ok {
		text = cleaned
		resp.Domain, resp.Tags = hint.Domain, hint.Tags
	}
	if resp.Domain == "" && resp.Tool != nil && s.deps.Tools != nil {
		if a, ok := s.deps.Tools.Get(resp.Tool.ID); ok {
			spec := a.Spec()
			resp.Domain = "general"
			if len(spec.Tags) > 0 {
				resp.Domain = spec.Tags[0]
			}
			resp.Tags = slices.Clone(spec.Tags[:min(maxToolTags, len(spec.Tags))])
		}
	}
	resp.Response = text

	s.learn(prompt, true, dec.Risk)
	s.finish(ctx, &resp, started, metrics.RequestEvent{
		CellID:       c.ID(),
		Success:      success,
		PolicyPassed: true,
		Domain:       resp.Domain,
		Tags:         resp.Tags,
	}, audit.ActionInput{
		CellID:           c.ID(),
		Response:         text,
		RouterStrategy:   string(strategy),
		AdaptationReason: route.Reason,
	}, prompt)

	s.deps.Feedback.Update(c, feedback.Outcome{
		Success:      success,
		LatencyMs:    resp.Metrics.LatencyMs,
		PolicyPassed: true,
	}, route.Confidence)

	if strategy == router.Bandit {
		reward, ok := s.deps.Metrics.SAI(c.ID())
		if !ok {
			reward = 1 - feedback.LatencyPenalty(resp.Metrics.LatencyMs, s.cfg.LatencySLOMs)
		}
		s.deps.Router.Update(c.ID(), reward)
	}

	s.scheduleSynthesis()
	return resp, nil
}

// ActBatch runs reqs concurrently, at most BatchLimit at a time. Per-request
// errors are reported in the results; the returned error is the context's.
func (s *Service) ActBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	out := make([]BatchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchLimit)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				out[i] = BatchResult{Err: err, Error: err.Error()}
				return nil
			}
			resp, err := s.Act(gctx, req)
			out[i] = BatchResult{Response: resp, Err: err}
			if err != nil {
				out[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}

// strategyFor resolves a request label, then the applied pattern's router,
// then the configured default.
func (s *Service) strategyFor(label string) router.Strategy {
	if label != "" {
		return router.ParseStrategy(label)
	}
	if st, _ := s.patternStrategy.Load().(router.Strategy); st != "" {
		return st
	}
	return s.cfg.DefaultStrategy
}

// route forces the base cell when the caller supplied a tool allow-list.
func (s *Service) route(prompt string, strategy router.Strategy, toolsRequested bool) (router.Result, error) {
	if toolsRequested {
		if base, ok := s.deps.Pool.Get(cell.BaseID); ok {
			return router.Result{Cell: base, Confidence: 1.0, Reason: "tool-allowlist"}, nil
		}
	}
	res, err := s.deps.Router.Route(prompt, strategy)
	if errors.Is(err, router.ErrNoCells) {
		if base := s.deps.Pool.Base(); base != nil {
			return router.Result{Cell: base, Confidence: 0.5, Reason: "empty-pattern"}, nil
		}
	}
	return res, err
}

// toolStep runs the tool the model asked for when the request allows it and
// appends the rendered result to text.
func (s *Service) toolStep(ctx context.Context, reqID, prompt, cellID, text string, allowed []string) (string, *ToolUse) {
	if s.deps.Runner == nil {
		return text, nil
	}
	step, ok := extract.ToolStepFrom(text)
	if !ok || !slices.Contains(allowed, step.ID) {
		return text, nil
	}
	out, err := s.deps.Runner.Run(ctx, step.ID, tools.Input(step.Input), tools.ExecContext{
		JobID:        reqID,
		WorkspaceDir: s.cfg.WorkspaceDir,
		Task:         tools.TaskContext{Prompt: prompt, CellID: cellID},
	})
	use := &ToolUse{ID: step.ID, OK: out.OK, Error: out.Error, LatencyMs: out.LatencyMs}
	rendered := "error: " + out.Error
	if err == nil {
		b, jerr := json.Marshal(out.Data)
		if jerr == nil {
			rendered = string(b)
		}
	}
	return text + "\n\n[tool:" + step.ID + "] => " + rendered, use
}

// finish stamps latency, records the metrics event and signs the action.
func (s *Service) finish(ctx context.Context, resp *Response, started time.Time, ev metrics.RequestEvent, act audit.ActionInput, prompt string) {
	ts := s.now()
	resp.Metrics.LatencyMs = ts.Sub(started).Milliseconds()
	resp.Metrics.Timestamp = ts.UTC()
	resp.Metrics.Success = ev.Success

	ev.RequestID = resp.RequestID
	ev.LatencyMs = resp.Metrics.LatencyMs
	ev.Timestamp = resp.Metrics.Timestamp
	if ev.CellID != NoCell && ev.CellID != UnknownCell {
		ev.Prompt = prompt
		ev.Response = resp.Response
	}
	s.deps.Metrics.Record(ctx, ev)

	act.RequestID = resp.RequestID
	act.Prompt = prompt
	act.Policy = resp.Policy
	signed, err := s.deps.Trail.Signer().SignAction(act)
	if err == nil {
		err = s.deps.Trail.AppendAction(signed)
	}
	if err != nil {
		s.log.Error("action not audited", zap.String("request_id", resp.RequestID), zap.Error(err))
		return
	}
	resp.Signature, resp.SignatureAlgo = signed.Signature, signed.SignatureAlgo
}

func (s *Service) learn(prompt string, passed bool, risk float64) {
	if err := s.deps.Policy.Learn(prompt, passed, risk); err != nil {
		s.log.Warn("policy knowledge not persisted", zap.Error(err))
	}
}

// recordBlock writes a provenance row for a blocked prompt without its text.
func (s *Service) recordBlock(reqID, prompt string, dec policy.Decision) {
	if s.deps.Ledger == nil {
		return
	}
	hash := audit.HashText(prompt)
	err := s.deps.Ledger.RecordDecision(logging.ProvenanceEntry{
		SubjectID:   reqID,
		ContextHash: hash,
		TriggerType: "policy",
		SignalsJSON: logging.SignalsJSON(logging.PolicyRecord{
			PromptHash: hash,
			Risk:       dec.Risk,
			Threshold:  s.deps.Policy.Threshold(),
			Reason:     dec.Reason,
		}),
		EvidenceRefs: audit.StreamActions.FileName(),
		Decision:     "block",
		Reason:       dec.Reason,
	})
	if err != nil {
		s.log.Warn("policy block not recorded", zap.String("request_id", reqID), zap.Error(err))
	}
}

// #endregion act
