// Package extract pulls structured JSON fragments out of free-form model text.
//
// Lookup precedence is fixed: fenced ```json blocks first, then the whole
// body parsed as one object, then a balanced-brace scan over the text.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// #region types
// ToolStep is a single tool invocation proposed by a model response.
type ToolStep struct {
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

// DomainHint is the optional domain/tags suggestion a model appends to its answer.
type DomainHint struct {
	Domain string
	Tags   []string
}

// MaxHintTags bounds the number of tags kept from a domain hint.
const MaxHintTags = 8

// #endregion types

var fenceRe = regexp.MustCompile("(?is)```json\\s*(.*?)```")

// #region tool-step
// ToolStepFrom returns the first object shaped like {"tool":{"id":"..."}}.
func ToolStepFrom(text string) (ToolStep, bool) {
	if strings.TrimSpace(text) == "" {
		return ToolStep{}, false
	}

	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if step, ok := parseToolStep(m[1]); ok {
			return step, true
		}
	}

	if step, ok := parseToolStep(strings.TrimSpace(text)); ok {
		return step, true
	}

	for _, obj := range BalancedObjects(text) {
		if step, ok := parseToolStep(obj); ok {
			return step, true
		}
	}
	return ToolStep{}, false
}

func parseToolStep(raw string) (ToolStep, bool) {
	var env struct {
		Tool *struct {
			ID    any            `json:"id"`
			Input map[string]any `json:"input"`
		} `json:"tool"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Tool == nil {
		return ToolStep{}, false
	}
	id, ok := env.Tool.ID.(string)
	if !ok {
		return ToolStep{}, false
	}
	input := env.Tool.Input
	if input == nil {
		input = map[string]any{}
	}
	return ToolStep{ID: id, Input: input}, true
}

// #endregion tool-step

// #region domain-hint
// DomainHintFrom looks for a {"domain":..., "tags":[...]} object in text.
// When found, it returns the hint and the text with that fragment removed.
// A fenced block takes precedence; otherwise the last balanced object is used.
func DomainHintFrom(text string) (DomainHint, string, bool) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		hint, ok := parseHint(m[1])
		if !ok {
			return DomainHint{}, text, false
		}
		return hint, strings.TrimSpace(strings.Replace(text, m[0], "", 1)), true
	}

	objs := BalancedObjects(text)
	if len(objs) == 0 {
		return DomainHint{}, text, false
	}
	last := objs[len(objs)-1]
	hint, ok := parseHint(last)
	if !ok {
		return DomainHint{}, text, false
	}
	idx := strings.LastIndex(text, last)
	cleaned := text[:idx] + text[idx+len(last):]
	return hint, strings.TrimSpace(cleaned), true
}

func parseHint(raw string) (DomainHint, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return DomainHint{}, false
	}
	domain, hasDomain := obj["domain"].(string)
	rawTags, hasTags := obj["tags"].([]any)
	if !hasDomain && !hasTags {
		return DomainHint{}, false
	}

	hint := DomainHint{Domain: strings.ToLower(domain)}
	for _, t := range rawTags {
		if len(hint.Tags) == MaxHintTags {
			break
		}
		s, ok := t.(string)
		if !ok {
			b, _ := json.Marshal(t)
			s = string(b)
		}
		hint.Tags = append(hint.Tags, strings.ToLower(s))
	}
	return hint, true
}

// #endregion domain-hint

// #region brace-scan
// BalancedObjects returns every top-level {...} span in text, honoring
// string literals and escapes so braces inside strings do not count.
func BalancedObjects(text string) []string {
	var (
		out   []string
		start = -1
		depth int
		inStr bool
		esc   bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inStr = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// #endregion brace-scan
