// Command controller runs the self-developing cell dispatcher: an
// interactive prompt loop plus one-shot commands for evolution, synthesis,
// tools and audit.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/config"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/dispatch"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
)

var (
	configPath string
	jsonOut    bool
)

// #region root
var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Self-developing cell dispatcher",
	Long: `controller routes prompts to specialist cells, learns from every
outcome and evolves its dispatch pattern under a stability gate.

Every action, tool execution and structural change is signed into the
NDJSON audit streams under the configured audit directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("CELLS_CONFIG", "cells.yaml"), "path to the YAML config")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")
}

// #endregion root

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region helpers
// loadConfig reads the config file. A malformed file is reported and the
// defaults are used.
func loadConfig() config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v (using defaults)\n", err)
	}
	return cfg
}

// openService builds the dispatcher and its logger from the config file.
func openService() (*dispatch.Service, *zap.Logger, error) {
	cfg := loadConfig()
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	svc, err := dispatch.FromConfig(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("start dispatcher: %w", err)
	}
	return svc, logger, nil
}

// closeService releases the dispatcher and flushes the logger.
func closeService(svc *dispatch.Service, logger *zap.Logger) error {
	err := svc.Close()
	_ = logger.Sync()
	return err
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// exitCode maps pipeline errors onto process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, dispatch.ErrPolicyRejected):
		return 3
	default:
		return 1
	}
}

// #endregion helpers
