package tools

import (
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/jsonfile"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

// #region types
// DomainStat counts outcomes of a tool inside one canonical domain.
type DomainStat struct {
	Count int `json:"count"`
	OK    int `json:"ok"`
}

// ToolStat is the persisted learning state of one tool.
type ToolStat struct {
	Count      int                   `json:"count"`
	OK         int                   `json:"ok"`
	LatencySum int64                 `json:"latencySum"`
	ByDomain   map[string]DomainStat `json:"byDomain"`
	Tags       map[string]int        `json:"tags"`
}

func (s ToolStat) clone() ToolStat {
	s.ByDomain = maps.Clone(s.ByDomain)
	s.Tags = maps.Clone(s.Tags)
	return s
}

// Recommendation weights.
const (
	WeightTags    = 0.45
	WeightDomain  = 0.35
	WeightPerf    = 0.20
	LatencyWeight = 0.2
)

// #endregion types

// #region knowledge
// Knowledge learns per-tool success and latency and persists after every
// recorded outcome.
type Knowledge struct {
	path   string
	sloMs  int64
	logger *zap.Logger

	saveMu sync.Mutex // held across update and save; the file always holds the newest stats
	mu     sync.RWMutex
	stats  map[string]ToolStat
}

// NewKnowledge loads path. A missing or corrupt file starts empty. An empty
// path keeps the state in memory only.
func NewKnowledge(path string, sloMs int64, logger *zap.Logger) *Knowledge {
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &Knowledge{path: path, sloMs: max(1, sloMs), logger: logger, stats: make(map[string]ToolStat)}
	if path == "" {
		return k
	}
	var loaded map[string]ToolStat
	if err := jsonfile.Load(path, &loaded); err != nil {
		if !jsonfile.Missing(err) {
			logger.Warn("tool knowledge unreadable, starting empty", zap.String("path", path), zap.Error(err))
		}
		return k
	}
	if loaded != nil {
		k.stats = loaded
	}
	return k
}

// RecordOutcome folds one execution into the stats and saves.
func (k *Knowledge) RecordOutcome(toolID string, ok bool, latencyMs int64, tc TaskContext) error {
	k.saveMu.Lock()
	defer k.saveMu.Unlock()

	k.mu.Lock()
	s := k.stats[toolID]
	s.Count++
	if ok {
		s.OK++
	}
	s.LatencySum += max(0, latencyMs)
	if d := textsim.Canonicalize(tc.Domain); d != "" {
		if s.ByDomain == nil {
			s.ByDomain = make(map[string]DomainStat)
		}
		bd := s.ByDomain[d]
		bd.Count++
		if ok {
			bd.OK++
		}
		s.ByDomain[d] = bd
	}
	for _, t := range tc.Tags {
		t = textsim.Canonicalize(t)
		if t == "" {
			continue
		}
		if s.Tags == nil {
			s.Tags = make(map[string]int)
		}
		s.Tags[t]++
	}
	k.stats[toolID] = s
	snapshot := k.dumpLocked()
	k.mu.Unlock()

	if k.path == "" {
		return nil
	}
	if err := jsonfile.Save(k.path, snapshot); err != nil {
		return fmt.Errorf("save tool knowledge: %w", err)
	}
	return nil
}

// SuccessRate is ok/count rounded to three decimals, 0 for an unseen tool.
func (k *Knowledge) SuccessRate(toolID string) float64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return successRate(k.stats[toolID])
}

// AvgLatency is the rounded mean latency, 0 for an unseen tool.
func (k *Knowledge) AvgLatency(toolID string) int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return avgLatency(k.stats[toolID])
}

func successRate(s ToolStat) float64 {
	if s.Count == 0 {
		return 0
	}
	return textsim.Round3(float64(s.OK) / float64(s.Count))
}

func avgLatency(s ToolStat) int64 {
	if s.Count == 0 {
		return 0
	}
	return int64(math.Round(float64(s.LatencySum) / float64(s.Count)))
}

// Dump returns a deep copy of every tool's stats.
func (k *Knowledge) Dump() map[string]ToolStat {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.dumpLocked()
}

func (k *Knowledge) dumpLocked() map[string]ToolStat {
	out := make(map[string]ToolStat, len(k.stats))
	for id, s := range k.stats {
		out[id] = s.clone()
	}
	return out
}

// #endregion knowledge

// #region recommend
// Recommend scores specs against tc and returns the best max(1, k).
//
//	score = 0.45·tagJaccard + 0.35·domainFuzzy + 0.20·(success − 0.2·min(1, latency/SLO))
//
// Context tags are matched when present, prompt tokens otherwise.
func (k *Knowledge) Recommend(specs []Spec, tc TaskContext, n int) []Recommendation {
	ctxTags := make(map[string]struct{})
	for _, t := range tc.Tags {
		if c := textsim.Canonicalize(t); c != "" {
			ctxTags[c] = struct{}{}
		}
	}
	if len(ctxTags) == 0 {
		ctxTags = textsim.TokenSet(tc.Prompt)
	}
	domain := textsim.Canonicalize(tc.Domain)

	k.mu.RLock()
	out := make([]Recommendation, 0, len(specs))
	for _, sp := range specs {
		toolTags := make(map[string]struct{}, len(sp.Tags))
		for _, t := range sp.Tags {
			toolTags[textsim.Canonicalize(t)] = struct{}{}
		}
		tagMatch := textsim.Jaccard(ctxTags, toolTags)

		domMatch := 0.0
		if domain != "" {
			for _, d := range sp.Domains {
				domMatch = max(domMatch, textsim.Fuzzy(domain, textsim.Canonicalize(d)))
			}
		}

		st := k.stats[sp.ID]
		s, lat := successRate(st), avgLatency(st)
		perf := s - math.Min(1, float64(lat)/float64(k.sloMs))*LatencyWeight
		out = append(out, Recommendation{
			ID:          sp.ID,
			Score:       WeightTags*tagMatch + WeightDomain*domMatch + WeightPerf*perf,
			SuccessRate: s,
			AvgLatency:  lat,
		})
	}
	k.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if n < 1 {
		n = 1
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// #endregion recommend
