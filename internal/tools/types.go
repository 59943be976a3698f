// Package tools is the governed tool layer: adapter contract, registry,
// learned tool knowledge, allow-list policy and the runner that signs every
// execution into the audit trail.
package tools

import "context"

// #region spec
// SideEffects classifies what an adapter touches.
type SideEffects string

const (
	SideEffectsNone    SideEffects = "none"
	SideEffectsRead    SideEffects = "read"
	SideEffectsWrite   SideEffects = "write"
	SideEffectsNetwork SideEffects = "network"
)

// Risk is the declared risk level of an adapter.
type Risk string

const (
	RiskLow  Risk = "low"
	RiskMed  Risk = "med"
	RiskHigh Risk = "high"
)

// Spec describes one tool.
type Spec struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Tags        []string    `json:"tags"`
	Domains     []string    `json:"domains,omitempty"`
	SideEffects SideEffects `json:"sideEffects"`
	Risk        Risk        `json:"risk"`
}

// Validate checks the fields the registry depends on.
func (s Spec) Validate() error {
	if s.ID == "" {
		return ErrToolIDEmpty
	}
	switch s.SideEffects {
	case SideEffectsNone, SideEffectsRead, SideEffectsWrite, SideEffectsNetwork:
	default:
		return ErrInvalidSpec
	}
	switch s.Risk {
	case RiskLow, RiskMed, RiskHigh:
	default:
		return ErrInvalidSpec
	}
	return nil
}

// #endregion spec

// #region adapter
// Input is the free-form argument object of a tool call.
type Input map[string]any

// Output is the result of one execution. Data must be JSON-encodable.
type Output struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Fail builds a failed Output.
func Fail(msg string) Output { return Output{OK: false, Error: msg} }

// Succeed builds a successful Output.
func Succeed(data any) Output { return Output{OK: true, Data: data} }

// TaskContext is what the caller knows about the surrounding request.
type TaskContext struct {
	Prompt string   `json:"prompt,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	CellID string   `json:"cellId,omitempty"`
}

// ExecContext is passed to every adapter.
type ExecContext struct {
	JobID        string
	WorkspaceDir string
	Task         TaskContext
}

// Adapter is one executable tool.
type Adapter interface {
	Spec() Spec
	Execute(ctx context.Context, in Input, ec ExecContext) Output
}

// #endregion adapter

// #region stats
// Listing is a Spec with its learned statistics.
type Listing struct {
	Spec
	SuccessRate float64 `json:"successRate"`
	AvgLatency  int64   `json:"avgLatency"`
}

// Recommendation is one scored tool.
type Recommendation struct {
	ID          string  `json:"id"`
	Score       float64 `json:"score"`
	SuccessRate float64 `json:"successRate"`
	AvgLatency  int64   `json:"avgLatency"`
}

// Metric aggregates the tool event log for one tool.
type Metric struct {
	ToolID       string  `json:"toolId"`
	Count        int     `json:"count"`
	OK           int     `json:"ok"`
	SuccessRate  float64 `json:"successRate"`
	AvgLatencyMs int64   `json:"avgLatencyMs"`
	LastError    string  `json:"lastError,omitempty"`
}

// #endregion stats
