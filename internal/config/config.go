// Package config loads the dispatcher configuration from YAML with
// environment overrides. Every field has a working default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/router"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/synthesis"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

// ErrConfigLoad is returned when a config file exists but cannot be read or
// parsed. The accompanying Config is still usable.
var ErrConfigLoad = errors.New("config load failed")

// #region types
// Config holds every tunable of the dispatcher.
type Config struct {
	// Secret keys the audit HMAC. The built-in default disables evolution.
	Secret string `yaml:"secret"`

	DataDir      string `yaml:"data_dir"`      // JSON state files
	AuditDir     string `yaml:"audit_dir"`     // NDJSON audit streams
	DBPath       string `yaml:"db_path"`       // SQLite ledger; empty disables it
	WorkspaceDir string `yaml:"workspace_dir"` // tool sandbox root

	LatencySLOMs int64 `yaml:"latency_slo_ms"`

	Logging   logging.Config  `yaml:"logging"`
	Backend   BackendConfig   `yaml:"backend"`
	Router    RouterConfig    `yaml:"router"`
	Policy    PolicyConfig    `yaml:"policy"`
	Tools     ToolsConfig     `yaml:"tools"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

// BackendConfig locates the language-model gateway.
type BackendConfig struct {
	Addr    string        `yaml:"addr"` // gRPC address; empty uses the stub backend
	Timeout time.Duration `yaml:"timeout"`
}

// RouterConfig selects the default strategy and the bandit schedule.
type RouterConfig struct {
	Strategy string              `yaml:"strategy"`
	Bandit   router.BanditParams `yaml:"bandit"`
	Seed     int64               `yaml:"seed"` // 0 seeds from the clock
}

// PolicyConfig configures the policy engine and its optional safety model.
type PolicyConfig struct {
	MaxNgrams     int           `yaml:"max_ngrams"`
	SafetyURL     string        `yaml:"safety_url"`
	SafetyAPIKey  string        `yaml:"safety_api_key"`
	SafetyModel   string        `yaml:"safety_model"`
	SafetyTimeout time.Duration `yaml:"safety_timeout"`
	SafetyRetries int           `yaml:"safety_retries"`
}

// ToolsConfig gates the governed tool runner.
type ToolsConfig struct {
	tools.Policy `yaml:",inline"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SynthesisConfig tunes automatic cell creation and merging.
type SynthesisConfig struct {
	Auto     bool                   `yaml:"auto"`
	Cooldown time.Duration          `yaml:"cooldown"`
	Merge    synthesis.MergeOptions `yaml:"merge"`
}

// EvolutionConfig tunes the self-development cycle and the gate.
type EvolutionConfig struct {
	MinImprovementCycles int     `yaml:"min_improvement_cycles"`
	Epsilon              float64 `yaml:"epsilon"`
	Alpha                float64 `yaml:"alpha"`
	Beta                 float64 `yaml:"beta"`
}

// DispatchConfig bounds the request pipeline.
type DispatchConfig struct {
	BatchLimit   int `yaml:"batch_limit"`
	RecentWindow int `yaml:"recent_window"`
	MemorySize   int `yaml:"memory_size"`
}

// #endregion types

// #region defaults
// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Secret:       "",
		DataDir:      "knowledge",
		AuditDir:     "logs",
		DBPath:       "cells.db",
		WorkspaceDir: ".",
		LatencySLOMs: 2000,
		Logging:      logging.DefaultConfig(),
		Backend:      BackendConfig{Timeout: 30 * time.Second},
		Router: RouterConfig{
			Strategy: string(router.Bandit),
			Bandit:   router.DefaultBanditParams(),
		},
		Policy: PolicyConfig{
			MaxNgrams:     5000,
			SafetyTimeout: 1200 * time.Millisecond,
			SafetyRetries: 2,
		},
		Tools: ToolsConfig{Timeout: 10 * time.Second},
		Synthesis: SynthesisConfig{
			Auto:     true,
			Cooldown: 15 * time.Second,
			Merge:    synthesis.DefaultMergeOptions(),
		},
		Evolution: EvolutionConfig{
			MinImprovementCycles: 3,
			Epsilon:              0.001,
			Alpha:                1.0,
			Beta:                 0.5,
		},
		Dispatch: DispatchConfig{
			BatchLimit:   4,
			RecentWindow: 100,
			MemorySize:   6,
		},
	}
}

// #endregion defaults

// #region load
// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error. A malformed file returns the defaults
// (with overrides) together with an ErrConfigLoad-wrapped error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	var loadErr error
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			loadErr = fmt.Errorf("%w: read %s: %v", ErrConfigLoad, path, err)
		default:
			parsed := DefaultConfig()
			if err := yaml.Unmarshal(data, &parsed); err != nil {
				loadErr = fmt.Errorf("%w: parse %s: %v", ErrConfigLoad, path, err)
			} else {
				cfg = parsed
			}
		}
	}
	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, loadErr
}

// Save writes c as YAML.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.Secret = envOr("CELLS_SECRET", c.Secret)
	c.DataDir = envOr("CELLS_DATA_DIR", c.DataDir)
	c.AuditDir = envOr("CELLS_AUDIT_DIR", c.AuditDir)
	c.DBPath = envOr("CELLS_DB", c.DBPath)
	c.WorkspaceDir = envOr("CELLS_WORKSPACE", c.WorkspaceDir)
	c.Logging.Level = envOr("CELLS_LOG_LEVEL", c.Logging.Level)
	c.Backend.Addr = envOr("CELLS_BACKEND_ADDR", c.Backend.Addr)
	c.Router.Strategy = envOr("CELLS_ROUTER_STRATEGY", c.Router.Strategy)
	c.Policy.SafetyURL = envOr("CELLS_SAFETY_URL", c.Policy.SafetyURL)
	c.Policy.SafetyAPIKey = envOr("CELLS_SAFETY_API_KEY", c.Policy.SafetyAPIKey)

	if v, ok := envInt("CELLS_LATENCY_SLO_MS"); ok {
		c.LatencySLOMs = int64(v)
	}
	if v, ok := envFloat("CELLS_BANDIT_EPS0"); ok {
		c.Router.Bandit.Eps0 = v
	}
	if v, ok := envFloat("CELLS_BANDIT_ALPHA"); ok {
		c.Router.Bandit.Alpha = v
	}
	if v, ok := envFloat("CELLS_MERGE_MIN_NAME_SIM"); ok {
		c.Synthesis.Merge.MinNameSim = v
	}
	if v, ok := envFloat("CELLS_MERGE_MIN_TAG_JACCARD"); ok {
		c.Synthesis.Merge.MinTagJaccard = v
	}
	if v, ok := envInt("CELLS_MERGE_MIN_OBS"); ok {
		c.Synthesis.Merge.MinObs = v
	}
	if v := os.Getenv("CELLS_TOOLS_ALLOW"); v != "" {
		c.Tools.Allow = splitList(v)
	}
	if v := os.Getenv("CELLS_TOOLS_ALLOW_NETWORK"); v != "" {
		c.Tools.AllowNetwork = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CELLS_AUTOSYNTH"); v != "" {
		c.Synthesis.Auto = v == "1" || strings.EqualFold(v, "true")
	}
}

// normalize keeps the SLO consistent across the components that read it and
// restores the hard timeouts when they are unset or disabled.
func (c *Config) normalize() {
	if c.LatencySLOMs <= 0 {
		c.LatencySLOMs = 2000
	}
	c.Router.Bandit.LatencySLOMs = c.LatencySLOMs
	if c.Dispatch.BatchLimit <= 0 {
		c.Dispatch.BatchLimit = 1
	}
	def := DefaultConfig()
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = def.Backend.Timeout
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = def.Tools.Timeout
	}
}

// #endregion load

// #region paths
// PolicyPath is the policy knowledge file.
func (c Config) PolicyPath() string { return c.dataFile("policy.json") }

// ToolKnowledgePath is the tool statistics file.
func (c Config) ToolKnowledgePath() string { return c.dataFile("tools.json") }

// RegistryPath is the pattern registry file.
func (c Config) RegistryPath() string { return c.dataFile("patterns.json") }

// SnapshotPath is the last-known-good evolution snapshot.
func (c Config) SnapshotPath() string { return c.dataFile("last_good.json") }

func (c Config) dataFile(name string) string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, name)
}

// #endregion paths

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, bool) {
	v, err := strconv.Atoi(os.Getenv(key))
	return v, err == nil
}

func envFloat(key string) (float64, bool) {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	return v, err == nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// #endregion helpers
