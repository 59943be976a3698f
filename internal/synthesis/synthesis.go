// Package synthesis proposes new domain cells from recent traffic and finds
// near-duplicate cells to merge.
package synthesis

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/cell"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

var weakSuffix = regexp.MustCompile(`-(basics|beginner|beginners|intro|introduction|guide|guides|tutorial|tutorials|fundamentals|overview)$`)

// #region options
// DiscoverOptions bounds Discover.
type DiscoverOptions struct {
	MaxNew       int     // signatures returned at most
	MinCount     int     // weighted frequency a term needs
	MinSuggested int     // model suggestions a domain needs
	MaxTags      int     // tags per suggested-domain signature
	Temperature  float64 // temperature of proposed cells
}

// DefaultDiscoverOptions returns 3 new, count 3, 2 suggestions, 12 tags, 0.4.
func DefaultDiscoverOptions() DiscoverOptions {
	return DiscoverOptions{MaxNew: 3, MinCount: 3, MinSuggested: 2, MaxTags: 12, Temperature: 0.4}
}

// MergeOptions are the redundancy thresholds.
type MergeOptions struct {
	MinNameSim    float64 `yaml:"min_name_sim"`
	MinTagJaccard float64 `yaml:"min_tag_jaccard"`
	MinObs        int     `yaml:"min_obs"`
}

// DefaultMergeOptions returns name 0.88, tags 0.5, 5 observations.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{MinNameSim: 0.88, MinTagJaccard: 0.5, MinObs: 5}
}

// #endregion options

// NormalizeDomain canonicalizes raw and strips one weak trailing qualifier
// such as "-basics" or "-tutorial".
func NormalizeDomain(raw string) string {
	d := textsim.Canonicalize(raw)
	return strings.Trim(weakSuffix.ReplaceAllString(d, ""), "-")
}

func specialistPrompt(domain string) string {
	return fmt.Sprintf("You specialize in tasks related to %q. Provide focused, expert, and concise responses.", domain)
}

// #region discover
type suggestion struct {
	domain string
	n      int
	tags   []string
	seen   map[string]bool
}

// Discover proposes up to MaxNew cell signatures from recent events. Model
// suggested domains weigh 3 per event and come first once they were suggested
// MinSuggested times; plain token frequency backfills the rest.
func Discover(recent []metrics.RequestEvent, opts DiscoverOptions) []cell.Signature {
	def := DefaultDiscoverOptions()
	if opts.MaxNew <= 0 {
		opts.MaxNew = def.MaxNew
	}
	if opts.MinCount <= 0 {
		opts.MinCount = def.MinCount
	}
	if opts.MinSuggested <= 0 {
		opts.MinSuggested = def.MinSuggested
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = def.MaxTags
	}
	if opts.Temperature <= 0 {
		opts.Temperature = def.Temperature
	}

	counts := make(map[string]int)
	suggested := make(map[string]*suggestion)
	for _, ev := range recent {
		if d := NormalizeDomain(ev.Domain); d != "" {
			counts[d] += 3
			s, ok := suggested[d]
			if !ok {
				s = &suggestion{domain: d, seen: make(map[string]bool)}
				suggested[d] = s
			}
			s.n++
			for _, t := range ev.Tags {
				for _, tok := range textsim.Tokenize(t) {
					if !s.seen[tok] {
						s.seen[tok] = true
						s.tags = append(s.tags, tok)
					}
				}
			}
			continue
		}
		for _, tok := range textsim.ContentTokens(ev.Prompt + " " + ev.Response) {
			counts[tok]++
		}
	}

	var sigs []cell.Signature
	has := func(id string) bool {
		return slices.ContainsFunc(sigs, func(s cell.Signature) bool { return s.ID == id })
	}

	ranked := make([]*suggestion, 0, len(suggested))
	for _, s := range suggested {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].domain < ranked[j].domain
	})
	for _, s := range ranked {
		if len(sigs) >= opts.MaxNew {
			break
		}
		if s.n < opts.MinSuggested {
			continue
		}
		tags := dedupe(append(textsim.Tokenize(s.domain), s.tags...))
		if len(tags) > opts.MaxTags {
			tags = tags[:opts.MaxTags]
		}
		sigs = append(sigs, cell.Signature{
			ID:           s.domain,
			Tags:         tags,
			Temperature:  opts.Temperature,
			SystemPrompt: specialistPrompt(s.domain),
		})
	}

	type term struct {
		tok string
		n   int
	}
	var terms []term
	for tok, n := range counts {
		if n >= opts.MinCount {
			terms = append(terms, term{tok, n})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].n != terms[j].n {
			return terms[i].n > terms[j].n
		}
		return terms[i].tok < terms[j].tok
	})
	if len(terms) > opts.MaxNew {
		terms = terms[:opts.MaxNew]
	}
	for _, t := range terms {
		if has(t.tok) {
			continue
		}
		if len(sigs) >= opts.MaxNew {
			break
		}
		var tags []string
		for _, base := range textsim.Tokenize(t.tok) {
			tags = append(tags, base, base+"s", base+"ing", base+"ed")
		}
		sigs = append(sigs, cell.Signature{
			ID:           t.tok,
			Tags:         dedupe(tags),
			Temperature:  opts.Temperature,
			SystemPrompt: specialistPrompt(t.tok),
		})
	}
	return sigs
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// #endregion discover

// #region redundancy
// FindRedundant returns the cells to retire. Two cells are redundant when
// their names (without "cell-") are similar, their tag sets overlap and both
// have enough observations. The survivor has the higher SAI, then the lower
// average latency, then the higher count. The base cell is never retired.
func FindRedundant(cellIDs []string, stats map[string]metrics.CellStat, opts MergeOptions) []string {
	tagSets := make(map[string]map[string]struct{}, len(cellIDs))
	for _, id := range cellIDs {
		var toks []string
		for _, t := range stats[id].Tags {
			toks = append(toks, textsim.Tokenize(t)...)
		}
		tagSets[id] = textsim.SetOf(toks)
	}

	var redundant []string
	used := make(map[string]bool)
	for i, a := range cellIDs {
		if used[a] {
			continue
		}
		winner := a
		for _, b := range cellIDs[i+1:] {
			if used[b] {
				continue
			}
			if !similar(winner, b, tagSets, stats, opts) {
				continue
			}
			loser := b
			if survives(b, winner, stats) {
				winner, loser = b, winner
			}
			if loser == cell.BaseID {
				winner, loser = loser, winner
			}
			redundant = append(redundant, loser)
			used[loser] = true
		}
		used[winner] = true
	}
	return redundant
}

func similar(a, b string, tags map[string]map[string]struct{}, stats map[string]metrics.CellStat, opts MergeOptions) bool {
	if stats[a].Count < opts.MinObs || stats[b].Count < opts.MinObs {
		return false
	}
	na := textsim.Canonicalize(strings.TrimPrefix(a, "cell-"))
	nb := textsim.Canonicalize(strings.TrimPrefix(b, "cell-"))
	if textsim.Fuzzy(na, nb) < opts.MinNameSim {
		return false
	}
	return textsim.Jaccard(tags[a], tags[b]) >= opts.MinTagJaccard
}

// survives reports whether a beats b.
func survives(a, b string, stats map[string]metrics.CellStat) bool {
	sa, sb := stats[a], stats[b]
	if sa.SAI != sb.SAI {
		return sa.SAI > sb.SAI
	}
	la, lb := latencyOrMax(sa), latencyOrMax(sb)
	if la != lb {
		return la < lb
	}
	return sa.Count > sb.Count
}

func latencyOrMax(s metrics.CellStat) int64 {
	if s.Count == 0 {
		return math.MaxInt64
	}
	return s.AvgLatency
}

// #endregion redundancy
