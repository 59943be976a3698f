// Package adapters holds the built-in workspace tools. Every path argument is
// relative to ExecContext.WorkspaceDir and may not escape it.
package adapters

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

var errUnsafePath = errors.New("invalid or unsafe path")

// RegisterAll registers every built-in adapter with registry.
func RegisterAll(registry *tools.Registry) error {
	for _, a := range []tools.Adapter{
		ListDir{},
		ReadRange{},
		WriteFile{},
		SearchRegex{},
		LogAppend{},
	} {
		if err := registry.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// #region paths
func workspaceRoot(ec tools.ExecContext) (string, error) {
	root := ec.WorkspaceDir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		root = wd
	}
	return filepath.Abs(root)
}

// resolve joins rel onto root after rejecting absolute paths, parent
// segments and hidden segments. Symlinks may not lead outside root. "."
// resolves to root itself.
func resolve(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", errUnsafePath
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean != "." {
		for _, seg := range strings.Split(filepath.ToSlash(clean), "/") {
			if strings.HasPrefix(seg, ".") {
				return "", errUnsafePath
			}
		}
	}
	full := filepath.Join(root, clean)
	if !within(root, full) || !confined(root, full) {
		return "", errUnsafePath
	}
	return full, nil
}

// confined reports whether full stays inside root once symlinks in the
// existing part of both paths are followed.
func confined(root, full string) bool {
	realRoot, err := realPath(root)
	if err != nil {
		return false
	}
	real, err := realPath(full)
	if err != nil {
		return false
	}
	return within(realRoot, real)
}

// realPath evaluates symlinks on the longest existing prefix of path and
// appends the components that do not exist yet.
func realPath(path string) (string, error) {
	var missing []string
	for p := path; ; {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{real}, missing...)...), nil
		}
		parent := filepath.Dir(p)
		if !errors.Is(err, fs.ErrNotExist) || parent == p {
			return "", err
		}
		missing = append([]string{filepath.Base(p)}, missing...)
		p = parent
	}
}

func within(root, full string) bool {
	r, err := filepath.Rel(root, full)
	return err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

func relSlash(root, full string) string {
	r, err := filepath.Rel(root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(r)
}

// #endregion paths

// #region args
func stringArg(in tools.Input, key, def string) string {
	switch v := in[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return def
}

// intArg reads a numeric argument. Zero and missing both yield def.
func intArg(in tools.Input, key string, def int) int {
	var n int
	switch v := in[key].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case int64:
		n = int(v)
	}
	if n == 0 {
		return def
	}
	return n
}

func boolArg(in tools.Input, key string, def bool) bool {
	if v, ok := in[key].(bool); ok {
		return v
	}
	return def
}

// #endregion args
