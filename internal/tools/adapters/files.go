package adapters

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

// #region list-dir
const (
	listDefaultMax = 500
	listCap        = 2000
	listDefaultDir = "data"
	listDefaultExt = ".md,.txt,.json,.csv"
)

// FileEntry is one listed file.
type FileEntry struct {
	File string `json:"file"`
	Size int64  `json:"size"`
}

// ListDir lists files under a workspace directory filtered by extension.
type ListDir struct{}

func (ListDir) Spec() tools.Spec {
	return tools.Spec{
		ID:          "file.list.dir",
		Title:       "List Directory (Safe)",
		Description: "List files under a directory with simple include filters.",
		Tags:        []string{"file", "list", "read"},
		SideEffects: tools.SideEffectsRead,
		Risk:        tools.RiskLow,
	}
}

func (ListDir) Execute(ctx context.Context, in tools.Input, ec tools.ExecContext) tools.Output {
	root, err := workspaceRoot(ec)
	if err != nil {
		return tools.Fail(err.Error())
	}
	dir, err := resolve(root, stringArg(in, "dir", listDefaultDir))
	if err != nil {
		return tools.Fail("path outside workspace")
	}
	var exts []string
	for _, e := range strings.Split(stringArg(in, "exts", listDefaultExt), ",") {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			exts = append(exts, e)
		}
	}
	limit := min(listCap, max(1, intArg(in, "max", listDefaultMax)))

	files := []FileEntry{}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return tools.Succeed(map[string]any{"files": files})
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !hasExt(path, exts) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileEntry{File: relSlash(root, path), Size: info.Size()})
		if len(files) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.Succeed(map[string]any{"files": files})
}

func hasExt(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	lower := strings.ToLower(path)
	for _, e := range exts {
		if strings.HasSuffix(lower, e) {
			return true
		}
	}
	return false
}

// #endregion list-dir

// #region read-range
const (
	readDefaultBytes = 4096
	readMaxBytes     = 64 * 1024
)

// ReadRange reads a bounded byte range of a workspace file.
type ReadRange struct{}

func (ReadRange) Spec() tools.Spec {
	return tools.Spec{
		ID:          "file.read.range",
		Title:       "Read File Range",
		Description: "Read a small byte range of a file from workspace (safe).",
		Tags:        []string{"file", "read", "range"},
		SideEffects: tools.SideEffectsRead,
		Risk:        tools.RiskLow,
	}
}

func (ReadRange) Execute(_ context.Context, in tools.Input, ec tools.ExecContext) tools.Output {
	root, err := workspaceRoot(ec)
	if err != nil {
		return tools.Fail(err.Error())
	}
	full, err := resolve(root, stringArg(in, "file", ""))
	if err != nil || full == root {
		return tools.Fail("invalid path")
	}
	start := max(0, intArg(in, "start", 0))
	n := min(readMaxBytes, max(1, intArg(in, "bytes", readDefaultBytes)))

	f, err := os.Open(full)
	if err != nil {
		return tools.Fail(err.Error())
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, int64(start))
	if err != nil && !errors.Is(err, io.EOF) {
		return tools.Fail(err.Error())
	}
	return tools.Succeed(map[string]any{
		"content": string(buf[:read]),
		"start":   start,
		"bytes":   read,
	})
}

// #endregion read-range

// #region write
const writeMaxBytes = 1_000_000

// WriteFile writes or appends content to a workspace file.
type WriteFile struct{}

func (WriteFile) Spec() tools.Spec {
	return tools.Spec{
		ID:          "file.write",
		Title:       "Write File",
		Description: "Write content to a file",
		Tags:        []string{"file", "write", "io"},
		SideEffects: tools.SideEffectsWrite,
		Risk:        tools.RiskLow,
	}
}

func (WriteFile) Execute(_ context.Context, in tools.Input, ec tools.ExecContext) tools.Output {
	rel, _ := in["file"].(string)
	if rel == "" {
		return tools.Fail("file path required")
	}
	content, _ := in["content"].(string)
	if content == "" {
		return tools.Fail("content required")
	}
	if len(content) > writeMaxBytes {
		return tools.Fail("content too large")
	}
	root, err := workspaceRoot(ec)
	if err != nil {
		return tools.Fail(err.Error())
	}
	full, err := resolve(root, rel)
	if err != nil || full == root {
		return tools.Fail("invalid or unsafe file path")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return tools.Fail(err.Error())
	}

	appendMode := boolArg(in, "append", false)
	flags, op := os.O_CREATE|os.O_WRONLY|os.O_TRUNC, "write"
	if appendMode {
		flags, op = os.O_CREATE|os.O_WRONLY|os.O_APPEND, "append"
	}
	size, err := writeTo(full, flags, content)
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.Succeed(map[string]any{"file": relSlash(root, full), "size": size, "operation": op})
}

func writeTo(path string, flags int, content string) (int64, error) {
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// #endregion write
