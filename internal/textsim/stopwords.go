package textsim

import (
	"strings"
	"unicode"
)

// #region stopwords
// stopwords contains common English words excluded from domain mining.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "of": true, "in": true, "on": true, "for": true,
	"to": true, "with": true, "by": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "as": true, "at": true,
	"it": true, "this": true, "that": true, "these": true, "those": true,
	"from": true, "into": true, "over": true, "about": true, "how": true,
	"what": true, "why": true, "which": true, "when": true, "who": true,
	"whom": true, "because": true, "than": true, "then": true, "there": true,
	"here": true, "you": true, "your": true, "we": true, "our": true,
	"they": true, "their": true, "i": true, "me": true, "my": true,
	"he": true, "she": true, "him": true, "her": true, "his": true,
	"hers": true, "them": true, "us": true, "do": true, "does": true,
	"did": true, "can": true, "could": true, "should": true, "would": true,
	"will": true, "just": true, "not": true, "no": true, "yes": true,
	"if": true, "else": true, "let": true, "make": true, "using": true,
	"use": true, "used": true, "based": true, "like": true, "also": true,
	"more": true, "most": true, "very": true, "much": true, "many": true,
}

// IsStopword reports whether w is in the stopword list.
func IsStopword(w string) bool {
	return stopwords[w]
}

// ContentTokens splits text into lowercase alphanumeric words of at least
// three characters, dropping stopwords. Duplicates are kept so callers can
// count frequency.
func ContentTokens(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	})
	tokens := words[:0]
	for _, w := range words {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// #endregion stopwords
