package policy

import (
	"regexp"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

const (
	maxInputChars  = 4000
	maxScanChars   = 1000
	typoThreshold  = 0.84
	phraseMatchMin = 0.85
	minTypoWordLen = 5
	typoCharsPerTk = 8
)

// explanatoryRe marks questions about a topic rather than requests to act.
var explanatoryRe = regexp.MustCompile(`(?i)\b(explain\w*|why|what\s+(is|are|does|do)|how\s+does|safe|safely|safety|dangerous|danger|risks?|learn|teach|understand\w*|meaning|educational|tutorial|avoid|prevent\w*|protect\w*|history\s+of)\b`)

// diskAccessPhrases are privilege grants matched fuzzily over token windows.
var diskAccessPhrases = []string{
	"grant full disk access",
	"enable full disk access",
	"give full disk access",
	"allow full disk access",
	"grant root access",
	"give admin privileges",
}

var leetReplacer = strings.NewReplacer(
	"@", "a", "$", "s", "0", "o", "1", "i", "3", "e", "4", "a", "5", "s", "7", "t",
)

// #region markers
func hasExplanatoryMarker(input string) bool {
	return explanatoryRe.MatchString(input)
}

// #endregion markers

// #region hard-block
// matchHardBlock returns the first pattern that matches input.
func matchHardBlock(patterns []*regexp.Regexp, input string) (string, bool) {
	for _, re := range patterns {
		if re.MatchString(input) {
			return re.String(), true
		}
	}
	return "", false
}

// #endregion hard-block

// #region disk-access
// matchDiskAccess slides a window the size of each phrase over the tokens.
func matchDiskAccess(tokens []string) (string, bool) {
	for _, phrase := range diskAccessPhrases {
		n := len(strings.Fields(phrase))
		if len(tokens) < n {
			continue
		}
		for i := 0; i+n <= len(tokens); i++ {
			window := strings.Join(tokens[i:i+n], " ")
			if textsim.Fuzzy(window, phrase) >= phraseMatchMin {
				return phrase, true
			}
		}
	}
	return "", false
}

// #endregion disk-access

// #region proximity
// positions returns the token indexes that equal any of words.
func positions(tokens []string, words map[string]struct{}) []int {
	var out []int
	for i, t := range tokens {
		if _, ok := words[t]; ok {
			out = append(out, i)
		}
	}
	return out
}

// nearestPair returns the smallest distance between an intent and a target
// position, or -1 when either side is empty.
func nearestPair(intents, targets []int) int {
	best := -1
	for _, i := range intents {
		for _, j := range targets {
			d := i - j
			if d < 0 {
				d = -d
			}
			if best < 0 || d < best {
				best = d
			}
		}
	}
	return best
}

// proximityScore sums 1-(d-1)/window over intent/target pairs inside the
// window, capped at 1.
func proximityScore(intents, targets []int, window int) float64 {
	if window <= 0 {
		return 0
	}
	sum := 0.0
	for _, i := range intents {
		for _, j := range targets {
			d := i - j
			if d < 0 {
				d = -d
			}
			if d == 0 || d > window {
				continue
			}
			sum += 1 - float64(d-1)/float64(window)
		}
	}
	return min(1, sum)
}

// #endregion proximity

// #region typo-proximity
// compactText lowercases, undoes common digit/symbol substitutions and drops
// everything but letters, bounded to maxScanChars.
func compactText(input string) string {
	s := leetReplacer.Replace(strings.ToLower(input))
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
		if b.Len() >= maxScanChars {
			break
		}
	}
	return b.String()
}

// fuzzyHits scans character windows of len(word)±1 for near matches of any
// word of at least minTypoWordLen letters.
func fuzzyHits(compact string, words []string) []int {
	var hits []int
	for _, w := range words {
		if len(w) < minTypoWordLen {
			continue
		}
		for l := len(w) - 1; l <= len(w)+1; l++ {
			for i := 0; i+l <= len(compact); i++ {
				if textsim.Fuzzy(compact[i:i+l], w) >= typoThreshold {
					hits = append(hits, i)
				}
			}
		}
	}
	return hits
}

// matchTypoProximity reports an obfuscated intent near an obfuscated target.
func matchTypoProximity(input string, intents, targets []string, window int) bool {
	compact := compactText(input)
	if compact == "" {
		return false
	}
	ti := fuzzyHits(compact, intents)
	if len(ti) == 0 {
		return false
	}
	tt := fuzzyHits(compact, targets)
	d := nearestPair(ti, tt)
	return d >= 0 && d <= window*typoCharsPerTk
}

// #endregion typo-proximity

// #region ngrams
// normalizedText is the canonical form with hyphens turned back into spaces.
func normalizedText(s string) string {
	return strings.ReplaceAll(textsim.Canonicalize(s), "-", " ")
}

// charNgrams returns the distinct character 3-5-grams of the normalized text.
func charNgrams(s string) map[string]struct{} {
	text := []rune(normalizedText(s))
	out := make(map[string]struct{})
	for n := 3; n <= 5; n++ {
		for i := 0; i+n <= len(text); i++ {
			out[string(text[i:i+n])] = struct{}{}
		}
	}
	return out
}

// #endregion ngrams
