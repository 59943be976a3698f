package metrics

import (
	"context"
	"time"
)

// #region request-event
// RequestEvent is one handled request. Immutable once recorded.
type RequestEvent struct {
	RequestID    string    `json:"requestId"`
	CellID       string    `json:"cellId"`
	LatencyMs    int64     `json:"latencyMs"`
	Success      bool      `json:"success"`
	PolicyPassed bool      `json:"policyPassed"`
	Timestamp    time.Time `json:"timestamp"`
	Prompt       string    `json:"prompt,omitempty"`
	Response     string    `json:"response,omitempty"`
	Domain       string    `json:"domain,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// #endregion request-event

// #region cell-stat
// CellStat is the derived per-cell view. Never written directly.
type CellStat struct {
	Count            int      `json:"count"`
	SuccessCount     int      `json:"success"`
	AvgLatency       int64    `json:"avgLatency"`
	SuccessRate      float64  `json:"successRate"`
	SuccessEMA       float64  `json:"emaSuccess"`
	ComplianceEMA    float64  `json:"complianceEma"`
	AdaptationSteps  int      `json:"adaptationSteps"`
	RouterConfidence float64  `json:"routerConfidence"`
	SAI              float64  `json:"SAI"`
	Tags             []string `json:"tags,omitempty"`
}

// CellSummary is the compact per-cell aggregate used in Summary.
type CellSummary struct {
	Count      int   `json:"count"`
	Success    int   `json:"success"`
	AvgLatency int64 `json:"avgLatency"`
}

// Detailed combines per-cell stats with the recent window.
type Detailed struct {
	PerCell map[string]CellStat `json:"perCell"`
	Recent  []RequestEvent      `json:"recent"`
}

// Summary is the global aggregate over every recorded event.
type Summary struct {
	Total           int                    `json:"total"`
	SuccessCount    int                    `json:"successCount"`
	PolicyPassCount int                    `json:"policyPassCount"`
	SuccessRate     float64                `json:"successRate"`
	PolicyPassRate  float64                `json:"policyPassRate"`
	AvgLatency      int64                  `json:"avgLatency"`
	GlobalEMA       float64                `json:"globalSuccessEma"`
	PerCell         map[string]CellSummary `json:"perCell"`
	Recent          []RequestEvent         `json:"recent"`
}

// #endregion cell-stat

// #region sink
// Sink receives a copy of every recorded event, e.g. a persistent ledger.
type Sink interface {
	RecordEvent(ctx context.Context, ev RequestEvent) error
}

// #endregion sink

// #region config
// StoreConfig holds the tunables of the metrics store.
type StoreConfig struct {
	GlobalAlpha  float64 // EMA weight for the global success average
	RecentWindow int     // size of the recent-event ring
	SummaryTail  int     // events returned in Summary.Recent
}

// DefaultStoreConfig returns the stock metrics settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		GlobalAlpha:  0.2,
		RecentWindow: 50,
		SummaryTail:  25,
	}
}

// #endregion config
