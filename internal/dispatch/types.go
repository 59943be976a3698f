package dispatch

import (
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/audit"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/backend"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/feedback"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/pattern"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/policy"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/synthesis"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

// Placeholder cell ids recorded when no cell handled a request.
const (
	NoCell      = "(none)"
	UnknownCell = "(unknown)"
)

// #region config
// Config holds the pipeline settings.
type Config struct {
	DefaultStrategy   router.Strategy
	BackendTimeout    time.Duration
	LatencySLOMs      int64
	WorkspaceDir      string
	AutoSynthesis     bool
	SynthesisCooldown time.Duration
	Discover          synthesis.DiscoverOptions
	Merge             synthesis.MergeOptions
	Evolution         evolution.Config
	BatchLimit        int
	MemorySize        int // conversation window of synthesized cells; 0 keeps the cell default
}

// DefaultConfig returns success_rate routing, a 30s backend bound, a 2s SLO
// and a 15s auto-synthesis cooldown.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:   router.SuccessRate,
		BackendTimeout:    30 * time.Second,
		LatencySLOMs:      2000,
		WorkspaceDir:      ".",
		AutoSynthesis:     true,
		SynthesisCooldown: 15 * time.Second,
		Discover:          synthesis.DefaultDiscoverOptions(),
		Merge:             synthesis.DefaultMergeOptions(),
		Evolution:         evolution.DefaultConfig(),
		BatchLimit:        4,
	}
}

// #endregion config

// #region deps
// Deps are the collaborators of a Service. Backend nil answers with stub
// text; Ledger, Tools and Runner are optional.
type Deps struct {
	Pool     *cell.Pool
	Router   *router.Router
	Metrics  *metrics.Store
	Feedback *feedback.Controller
	Policy   *policy.Engine
	Trail    *audit.Trail
	Registry *pattern.Registry
	Gate     *gate.Gate
	Ledger   evolution.Ledger
	Tools    *tools.Registry
	Runner   *tools.Runner
	Backend  backend.Backend
	Logger   *zap.Logger
}

// #endregion deps

// #region request
// Request is one inbound prompt.
type Request struct {
	RequestID string   `json:"requestId,omitempty"`
	Prompt    string   `json:"prompt"`
	Strategy  string   `json:"router,omitempty"`
	Tools     []string `json:"tools,omitempty"` // allow-list for a single tool step
}

// ToolUse describes the tool step executed for a request.
type ToolUse struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// ResponseMetrics is the per-request measurement returned to the caller.
type ResponseMetrics struct {
	LatencyMs  int64     `json:"latencyMs"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	PolicyRisk float64   `json:"policyRisk"`
}

// Response is the structured result of Act. It is populated on every path,
// including policy rejection and backend failure.
type Response struct {
	RequestID     string              `json:"requestId"`
	Router        string              `json:"router,omitempty"`
	CellID        string              `json:"cellId"`
	Response      string              `json:"response,omitempty"`
	Domain        string              `json:"domain,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
	Tool          *ToolUse            `json:"tool,omitempty"`
	Degraded      bool                `json:"degraded,omitempty"`
	Policy        audit.PolicyVerdict `json:"policy"`
	Signature     string              `json:"signature,omitempty"`
	SignatureAlgo string              `json:"signatureAlgo,omitempty"`
	Metrics       ResponseMetrics     `json:"metrics"`
}

// BatchResult pairs a Response with its error.
type BatchResult struct {
	Response Response `json:"response"`
	Err      error    `json:"-"`
	Error    string   `json:"error,omitempty"`
}

// #endregion request

// #region reports
// SynthesisResult lists the cells a synthesis pass created and retired.
type SynthesisResult struct {
	Created    []string `json:"created"`
	Removed    []string `json:"removed"`
	TotalCells int      `json:"totalCells"`
}

// RouterDiagnostics exposes the bandit table and schedule.
type RouterDiagnostics struct {
	Strategy  router.Strategy     `json:"strategy"`
	Adaptive  bool                `json:"adaptive"` // default strategy reads learned statistics
	State     router.BanditState  `json:"state"`
	Params    router.BanditParams `json:"params"`
	Epsilon   float64             `json:"effectiveEpsilon"`
	Scheduled float64             `json:"scheduledEpsilon"`
	Cells     []string            `json:"activeCells"`
}

// DomainMatrix counts recent requests per domain and cell.
type DomainMatrix struct {
	Matrix map[string]map[string]int `json:"matrix"`
	Total  int                       `json:"total"`
}

// #endregion reports
