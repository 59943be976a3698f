// Package textsim holds the normalization and string-similarity helpers shared
// by routing, policy scoring, tool recommendation and domain synthesis.
package textsim

import (
	"regexp"
	"strings"
)

// #region canonical
var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Canonicalize lowercases s, collapses every run of non-alphanumerics into a
// single hyphen and trims leading/trailing hyphens.
func Canonicalize(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(nonAlnum.ReplaceAllString(lower, "-"), "-")
}

// Tokenize splits the canonical form of s into its hyphen-separated parts.
func Tokenize(s string) []string {
	c := Canonicalize(s)
	if c == "" {
		return nil
	}
	return strings.FieldsFunc(c, func(r rune) bool { return r == '-' })
}

// TokenSet returns the distinct tokens of s.
func TokenSet(s string) map[string]struct{} {
	return SetOf(Tokenize(s))
}

// SetOf builds a set from a slice.
func SetOf(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// #endregion canonical

// #region jaccard
// Jaccard returns |A∩B| / |A∪B|, or 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// #endregion jaccard

// #region fuzzy
// JaroWinkler returns the Jaro-Winkler similarity of a and b in [0,1], with a
// common-prefix bonus over at most four characters.
func JaroWinkler(a, b string) float64 {
	ar := []rune(strings.ToLower(a))
	br := []rune(strings.ToLower(b))
	if string(ar) == string(br) {
		return 1
	}
	if len(ar) == 0 || len(br) == 0 {
		return 0
	}

	matchDist := max(len(ar), len(br))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}
	aMatched := make([]bool, len(ar))
	bMatched := make([]bool, len(br))
	matches := 0
	for i := range ar {
		lo := max(0, i-matchDist)
		hi := min(i+matchDist+1, len(br))
		for j := lo; j < hi; j++ {
			if bMatched[j] || ar[i] != br[j] {
				continue
			}
			aMatched[i] = true
			bMatched[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range ar {
		if !aMatched[i] {
			continue
		}
		for !bMatched[k] {
			k++
		}
		if ar[i] != br[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(ar)) + m/float64(len(br)) + (m-float64(transpositions)/2)/m) / 3

	prefix := 0
	for prefix < 4 && prefix < len(ar) && prefix < len(br) && ar[prefix] == br[prefix] {
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1-jaro)
}

// LevenshteinSim returns 1 - editDistance/maxLen, floored at 0.
func LevenshteinSim(a, b string) float64 {
	if a == b {
		return 1
	}
	ar, br := []rune(a), []rune(b)
	n, m := len(ar), len(br)
	if n == 0 || m == 0 {
		return 0
	}
	row := make([]int, m+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= n; i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= m; j++ {
			tmp := row[j]
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			row[j] = min(row[j]+1, row[j-1]+1, prev+cost)
			prev = tmp
		}
	}
	sim := 1 - float64(row[m])/float64(max(n, m))
	if sim < 0 {
		return 0
	}
	return sim
}

// Fuzzy blends Jaro-Winkler (0.6) and normalized Levenshtein (0.4).
func Fuzzy(a, b string) float64 {
	return 0.6*JaroWinkler(a, b) + 0.4*LevenshteinSim(a, b)
}

// #endregion fuzzy

// #region helpers
// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Round3 rounds v to three decimals, matching the precision kept in
// persisted knowledge files.
func Round3(v float64) float64 {
	if v < 0 {
		return -float64(int64(-v*1000+0.5)) / 1000
	}
	return float64(int64(v*1000+0.5)) / 1000
}

// #endregion helpers
