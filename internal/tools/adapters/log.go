package adapters

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

const (
	logDir        = "logs"
	logMaxContent = 10_000
)

// LogAppend appends one line to a file under the workspace logs directory.
type LogAppend struct{}

func (LogAppend) Spec() tools.Spec {
	return tools.Spec{
		ID:          "log.append",
		Title:       "Append Log (Workspace ./logs)",
		Description: "Append a line of text to a file under the workspace ./logs directory.",
		Tags:        []string{"log", "write", "file"},
		SideEffects: tools.SideEffectsWrite,
		Risk:        tools.RiskMed,
	}
}

func (LogAppend) Execute(_ context.Context, in tools.Input, ec tools.ExecContext) tools.Output {
	rel := stringArg(in, "file", "")
	content := stringArg(in, "content", "")
	if content == "" {
		return tools.Fail("content required")
	}
	if len(content) > logMaxContent {
		return tools.Fail("content too large")
	}
	root, err := workspaceRoot(ec)
	if err != nil {
		return tools.Fail(err.Error())
	}
	logsRoot := filepath.Join(root, logDir)
	full, err := resolve(logsRoot, strings.TrimPrefix(rel, logDir+"/"))
	if err != nil || full == logsRoot || !confined(root, full) {
		return tools.Fail("invalid file path")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return tools.Fail(err.Error())
	}

	line := content + "\n"
	if boolArg(in, "timestamp", true) {
		line = time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00") + " " + line
	}
	size, err := writeTo(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, line)
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.Succeed(map[string]any{"file": relSlash(root, full), "size": size})
}
