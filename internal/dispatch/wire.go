package dispatch

import (
	"fmt"
	"io"
	"math/rand"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/backend"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/config"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/feedback"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/pattern"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/policy"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/store"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools/adapters"
)

// #region wire
// FromConfig assembles a Service and every collaborator from cfg. The
// returned Service owns the SQLite ledger and the backend connection.
func FromConfig(cfg config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		ledger  *store.Store
		sink    metrics.Sink
		closers []io.Closer
	)
	if cfg.DBPath != "" {
		st, err := store.NewStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		ledger, sink = st, st
		closers = append(closers, st)
	}
	fail := func(err error) (*Service, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}

	trail, err := audit.NewTrail(cfg.AuditDir, audit.NewSigner(cfg.Secret), logger.Named("audit"))
	if err != nil {
		return fail(fmt.Errorf("open audit trail: %w", err))
	}
	if !trail.Signer().EvolutionAllowed() {
		logger.Warn("audit secret is the development default, structural evolution disabled")
	}

	mcfg := metrics.DefaultStoreConfig()
	mcfg.RecentWindow = max(cfg.Dispatch.RecentWindow, mcfg.RecentWindow, 2*cfg.Router.Bandit.DriftWindow)
	ms := metrics.NewStore(mcfg, sink, logger.Named("metrics"))

	var rng *rand.Rand
	if cfg.Router.Seed != 0 {
		rng = rand.New(rand.NewSource(cfg.Router.Seed))
	}
	rt := router.New(cfg.Router.Bandit, ms, rng, logger.Named("router"))

	fcfg := feedback.DefaultControllerConfig()
	fcfg.LatencySLOMs = cfg.LatencySLOMs
	fb := feedback.NewController(fcfg, ms)

	var model policy.SafetyModel = policy.NopSafetyModel{}
	if cfg.Policy.SafetyURL != "" {
		model = policy.NewHTTPSafetyModel(policy.HTTPSafetyConfig{
			Endpoint:   cfg.Policy.SafetyURL,
			APIKey:     cfg.Policy.SafetyAPIKey,
			Model:      cfg.Policy.SafetyModel,
			Timeout:    cfg.Policy.SafetyTimeout,
			MaxRetries: cfg.Policy.SafetyRetries,
		}, logger.Named("safety"))
	}
	pcfg := policy.DefaultEngineConfig()
	pcfg.Path = cfg.PolicyPath()
	if cfg.Policy.MaxNgrams > 0 {
		pcfg.MaxNgrams = cfg.Policy.MaxNgrams
	}
	pe := policy.NewEngine(pcfg, model, logger.Named("policy"))

	knowledge := tools.NewKnowledge(cfg.ToolKnowledgePath(), cfg.LatencySLOMs, logger.Named("tools"))
	treg := tools.NewRegistry(knowledge)
	if err := adapters.RegisterAll(treg); err != nil {
		return fail(fmt.Errorf("register tools: %w", err))
	}
	runner := tools.NewRunner(tools.RunnerConfig{Timeout: cfg.Tools.Timeout}, treg, cfg.Tools.Policy, trail, logger.Named("tools"))

	var be backend.Backend
	if cfg.Backend.Addr != "" {
		client, err := backend.NewGRPCClient(cfg.Backend.Addr)
		if err != nil {
			return fail(fmt.Errorf("dial backend: %w", err))
		}
		be = client
		closers = append(closers, client)
	}

	base := cell.BaseSignature()
	base.MemorySize = cfg.Dispatch.MemorySize

	deps := Deps{
		Pool:     cell.NewPool(cell.FromDomain(base)),
		Router:   rt,
		Metrics:  ms,
		Feedback: fb,
		Policy:   pe,
		Trail:    trail,
		Registry: pattern.NewRegistry(cfg.RegistryPath(), logger.Named("pattern")),
		Gate:     gate.NewGate(gate.GateConfig{Alpha: cfg.Evolution.Alpha, Beta: cfg.Evolution.Beta}),
		Tools:    treg,
		Runner:   runner,
		Backend:  be,
		Logger:   logger,
	}
	if ledger != nil {
		deps.Ledger = ledger
	}

	dcfg := DefaultConfig()
	dcfg.DefaultStrategy = router.ParseStrategy(cfg.Router.Strategy)
	dcfg.BackendTimeout = cfg.Backend.Timeout
	dcfg.LatencySLOMs = cfg.LatencySLOMs
	dcfg.WorkspaceDir = cfg.WorkspaceDir
	dcfg.AutoSynthesis = cfg.Synthesis.Auto
	dcfg.SynthesisCooldown = cfg.Synthesis.Cooldown
	dcfg.Merge = cfg.Synthesis.Merge
	dcfg.BatchLimit = cfg.Dispatch.BatchLimit
	dcfg.MemorySize = cfg.Dispatch.MemorySize
	dcfg.Evolution = evolution.Config{
		MinImprovementCycles: cfg.Evolution.MinImprovementCycles,
		Epsilon:              cfg.Evolution.Epsilon,
		SnapshotPath:         cfg.SnapshotPath(),
	}

	s, err := New(dcfg, deps)
	if err != nil {
		return fail(err)
	}
	for _, c := range closers {
		s.addCloser(c)
	}
	return s, nil
}

// #endregion wire
