// Package metrics keeps per-cell and global outcome statistics.
package metrics

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

type cellAgg struct {
	count      int
	success    int
	latencySum int64
}

// #region store-struct
// Store is the process-wide metrics registry. All methods are safe for
// concurrent use.
type Store struct {
	mu     sync.Mutex
	cfg    StoreConfig
	sink   Sink
	logger *zap.Logger

	total      int
	successes  int
	passes     int
	latencySum int64
	perCell    map[string]*cellAgg
	order      []string

	recent []RequestEvent
	head   int
	filled bool

	successEMA    map[string]float64
	complianceEMA map[string]float64
	steps         map[string]int
	routerConf    map[string]float64
	sai           map[string]float64
	tags          map[string][]string

	globalEMA float64
}

// #endregion store-struct

// #region constructor
// NewStore creates an empty store. sink and logger may be nil.
func NewStore(cfg StoreConfig, sink Sink, logger *zap.Logger) *Store {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultStoreConfig().RecentWindow
	}
	if cfg.SummaryTail <= 0 || cfg.SummaryTail > cfg.RecentWindow {
		cfg.SummaryTail = cfg.RecentWindow
	}
	if cfg.GlobalAlpha <= 0 || cfg.GlobalAlpha > 1 {
		cfg.GlobalAlpha = DefaultStoreConfig().GlobalAlpha
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:           cfg,
		sink:          sink,
		logger:        logger,
		perCell:       make(map[string]*cellAgg),
		recent:        make([]RequestEvent, cfg.RecentWindow),
		successEMA:    make(map[string]float64),
		complianceEMA: make(map[string]float64),
		steps:         make(map[string]int),
		routerConf:    make(map[string]float64),
		sai:           make(map[string]float64),
		tags:          make(map[string][]string),
		globalEMA:     0.5,
	}
}

// #endregion constructor

// #region record
// Record appends ev to the aggregate and the recent ring, updates the global
// success EMA and the cell's compliance EMA, then forwards ev to the sink.
func (s *Store) Record(ctx context.Context, ev RequestEvent) {
	s.mu.Lock()
	s.total++
	if ev.Success {
		s.successes++
	}
	if ev.PolicyPassed {
		s.passes++
	}
	s.latencySum += ev.LatencyMs

	agg, ok := s.perCell[ev.CellID]
	if !ok {
		agg = &cellAgg{}
		s.perCell[ev.CellID] = agg
		s.order = append(s.order, ev.CellID)
	}
	agg.count++
	if ev.Success {
		agg.success++
	}
	agg.latencySum += ev.LatencyMs

	s.recent[s.head] = ev
	s.head = (s.head + 1) % len(s.recent)
	if s.head == 0 {
		s.filled = true
	}

	y := 0.0
	if ev.Success {
		y = 1
	}
	s.globalEMA = s.cfg.GlobalAlpha*y + (1-s.cfg.GlobalAlpha)*s.globalEMA

	prev, ok := s.complianceEMA[ev.CellID]
	if !ok {
		prev = 1.0
	}
	c := 0.0
	if ev.PolicyPassed {
		c = 1
	}
	s.complianceEMA[ev.CellID] = textsim.Round3(0.2*c + 0.8*prev)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		if err := sink.RecordEvent(ctx, ev); err != nil {
			s.logger.Warn("metrics sink failed",
				zap.String("request_id", ev.RequestID),
				zap.Error(err),
			)
		}
	}
}

// #endregion record

// #region per-cell
// CellSuccessRate returns the success EMA of a cell, 0.5 when unseen.
func (s *Store) CellSuccessRate(cellID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.successEMA[cellID]; ok {
		return v
	}
	return 0.5
}

// SetCellSuccessRate stores a clamped, rounded success EMA.
func (s *Store) SetCellSuccessRate(cellID string, v float64) {
	s.mu.Lock()
	s.successEMA[cellID] = bounded(v)
	s.mu.Unlock()
}

// UpdateSuccessEMA folds outcome y into the success EMA of a cell with weight
// alpha and returns the stored value.
func (s *Store) UpdateSuccessEMA(cellID string, y, alpha float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.successEMA[cellID]
	if !ok {
		prev = 0.5
	}
	v := bounded(alpha*y + (1-alpha)*prev)
	s.successEMA[cellID] = v
	return v
}

// CellComplianceRate returns the compliance EMA of a cell, 1.0 when unseen.
func (s *Store) CellComplianceRate(cellID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.complianceEMA[cellID]; ok {
		return v
	}
	return 1.0
}

// IncrementAdaptationSteps bumps the adaptation counter of a cell.
func (s *Store) IncrementAdaptationSteps(cellID string) {
	s.mu.Lock()
	s.steps[cellID]++
	s.mu.Unlock()
}

// SetRouterConfidence records the confidence the router reported for a cell.
func (s *Store) SetRouterConfidence(cellID string, v float64) {
	s.mu.Lock()
	s.routerConf[cellID] = bounded(v)
	s.mu.Unlock()
}

// SetSAI stores the stability/adaptation index of a cell.
func (s *Store) SetSAI(cellID string, v float64) {
	s.mu.Lock()
	s.sai[cellID] = bounded(v)
	s.mu.Unlock()
}

// SAI returns the stored index and whether one exists.
func (s *Store) SAI(cellID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sai[cellID]
	return v, ok
}

// RegisterTags attaches capability tags to a cell for Detailed output.
func (s *Store) RegisterTags(cellID string, tags []string) {
	s.mu.Lock()
	s.tags[cellID] = append([]string(nil), tags...)
	s.mu.Unlock()
}

// Forget drops the learned per-cell state of a removed cell. Historical
// aggregates stay so global totals remain consistent.
func (s *Store) Forget(cellID string) {
	s.mu.Lock()
	delete(s.successEMA, cellID)
	delete(s.complianceEMA, cellID)
	delete(s.steps, cellID)
	delete(s.routerConf, cellID)
	delete(s.sai, cellID)
	delete(s.tags, cellID)
	s.mu.Unlock()
}

// GlobalSuccessEMA returns the global success average rounded to 3 decimals.
func (s *Store) GlobalSuccessEMA() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return textsim.Round3(s.globalEMA)
}

// #endregion per-cell

// #region views
// Recent returns the recent window, oldest first.
func (s *Store) Recent() []RequestEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked(len(s.recent))
}

func (s *Store) recentLocked(limit int) []RequestEvent {
	var out []RequestEvent
	if s.filled {
		out = append(out, s.recent[s.head:]...)
	}
	out = append(out, s.recent[:s.head]...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Detailed returns per-cell statistics plus the recent window.
func (s *Store) Detailed() Detailed {
	s.mu.Lock()
	defer s.mu.Unlock()

	per := make(map[string]CellStat, len(s.perCell))
	for id, agg := range s.perCell {
		st := CellStat{
			Count:        agg.count,
			SuccessCount: agg.success,
		}
		if agg.count > 0 {
			st.AvgLatency = int64(math.Round(float64(agg.latencySum) / float64(agg.count)))
			st.SuccessRate = textsim.Round3(float64(agg.success) / float64(agg.count))
		}
		st.SuccessEMA = 0.5
		if v, ok := s.successEMA[id]; ok {
			st.SuccessEMA = v
		}
		st.ComplianceEMA = 1.0
		if v, ok := s.complianceEMA[id]; ok {
			st.ComplianceEMA = v
		}
		st.AdaptationSteps = s.steps[id]
		st.RouterConfidence = s.routerConf[id]
		st.SAI = s.sai[id]
		st.Tags = append([]string(nil), s.tags[id]...)
		per[id] = st
	}
	return Detailed{PerCell: per, Recent: s.recentLocked(len(s.recent))}
}

// Summary returns global totals and per-cell counts.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Total:           s.total,
		SuccessCount:    s.successes,
		PolicyPassCount: s.passes,
		GlobalEMA:       textsim.Round3(s.globalEMA),
		PerCell:         make(map[string]CellSummary, len(s.perCell)),
		Recent:          s.recentLocked(s.cfg.SummaryTail),
	}
	if s.total > 0 {
		sum.SuccessRate = textsim.Round3(float64(s.successes) / float64(s.total))
		sum.PolicyPassRate = textsim.Round3(float64(s.passes) / float64(s.total))
		sum.AvgLatency = int64(math.Round(float64(s.latencySum) / float64(s.total)))
	}
	for _, id := range s.order {
		agg := s.perCell[id]
		cs := CellSummary{Count: agg.count, Success: agg.success}
		if agg.count > 0 {
			cs.AvgLatency = int64(math.Round(float64(agg.latencySum) / float64(agg.count)))
		}
		sum.PerCell[id] = cs
	}
	return sum
}

// #endregion views

func bounded(v float64) float64 {
	return textsim.Clamp01(textsim.Round3(v))
}
