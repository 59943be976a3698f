package adapters

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

const searchMaxResults = 200

var searchIgnoreDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	".next":        true,
	".nuxt":        true,
	".cache":       true,
}

// Match is one matching line.
type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchRegex greps the workspace case-insensitively. Symlinks are never
// followed.
type SearchRegex struct{}

func (SearchRegex) Spec() tools.Spec {
	return tools.Spec{
		ID:          "search.regex",
		Title:       "Regex Search (Workspace)",
		Description: "Search files in a workspace directory with a regex pattern (read-only).",
		Tags:        []string{"search", "regex", "code"},
		Domains:     []string{"code", "codebase"},
		SideEffects: tools.SideEffectsRead,
		Risk:        tools.RiskLow,
	}
}

func (SearchRegex) Execute(ctx context.Context, in tools.Input, ec tools.ExecContext) tools.Output {
	pattern := stringArg(in, "pattern", "")
	if pattern == "" {
		return tools.Fail("pattern required")
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return tools.Fail("invalid pattern: " + err.Error())
	}
	glob := stringArg(in, "glob", "")
	root, err := workspaceRoot(ec)
	if err != nil {
		return tools.Fail(err.Error())
	}

	var results []Match
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return nil
		case d.IsDir():
			if path != root && searchIgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		case !d.Type().IsRegular():
			return nil
		}
		if glob != "" && !strings.Contains(path, glob) {
			return nil
		}
		results = append(results, grepFile(root, path, re)...)
		return nil
	})
	if err != nil {
		return tools.Fail(err.Error())
	}
	total := len(results)
	if total > searchMaxResults {
		results = results[:searchMaxResults]
	}
	if results == nil {
		results = []Match{}
	}
	return tools.Succeed(map[string]any{"count": total, "results": results})
}

func grepFile(root, path string, re *regexp.Regexp) []Match {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Match
	rel := relSlash(root, path)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		if line := sc.Text(); re.MatchString(line) {
			out = append(out, Match{File: rel, Line: n, Text: line})
		}
	}
	return out
}
