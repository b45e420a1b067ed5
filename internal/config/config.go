// Package config loads foundry's yaml configuration and resolves the
// defaults. Model rates and tier parameters can be edited at runtime; the
// watcher notices the write and the daemon swaps the live tables.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vlad-mantoiu/foundry/internal/budget"
	"github.com/vlad-mantoiu/foundry/internal/tier"
)

// TierEntry overrides one tier's scheduling parameters.
type TierEntry struct {
	DailyJobLimit  int64 `yaml:"daily_job_limit"`
	IterationDepth int64 `yaml:"iteration_depth"`
}

// SandboxConfig configures the docker runner.
type SandboxConfig struct {
	Image         string `yaml:"image"`
	MemoryMB      int64  `yaml:"memory_mb"`
	Network       string `yaml:"network"`
	WorkspaceRoot string `yaml:"workspace_root"`
}

// TelemetryConfig configures logging and metrics export.
type TelemetryConfig struct {
	LogLevel        string `yaml:"log_level"`
	MetricsExporter string `yaml:"metrics_exporter"` // "stdout", "otlp", or "none"
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	IntervalSeconds int    `yaml:"metrics_interval_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr      string `yaml:"bind_addr"`
	DataDir       string `yaml:"data_dir"` // pebble store
	DBPath        string `yaml:"db_path"`  // sqlite store
	QueueCapacity int64  `yaml:"queue_capacity"`

	Tiers        map[string]TierEntry        `yaml:"tiers"`
	ModelRates   map[string]budget.ModelRate `yaml:"model_rates"`
	FallbackRate budget.ModelRate            `yaml:"fallback_rate"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HomeDir resolves the foundry home directory, honoring FOUNDRY_HOME.
func HomeDir() string {
	if override := os.Getenv("FOUNDRY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foundry")
}

// ConfigPath returns the yaml path under a home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the default home directory.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, creating the directory when
// needed. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create foundry home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		BindAddr:      "127.0.0.1:8090",
		QueueCapacity: 100,
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			MetricsExporter: "stdout",
			IntervalSeconds: 60,
		},
		Sandbox: SandboxConfig{
			Image:    "node:20-alpine",
			MemoryMB: 2048,
			Network:  "bridge",
		},
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "foundry.db")
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}
	if cfg.Telemetry.MetricsExporter == "" {
		cfg.Telemetry.MetricsExporter = "stdout"
	}
	if cfg.Telemetry.IntervalSeconds <= 0 {
		cfg.Telemetry.IntervalSeconds = 60
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "node:20-alpine"
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = 2048
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "bridge"
	}
	if cfg.Sandbox.WorkspaceRoot == "" {
		cfg.Sandbox.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspaces")
	}
}

// TierLimits builds the tier parameter resolver: configured overrides on
// top of the built-in defaults. It satisfies quota.TierLimits.
func (c Config) TierLimits() TierLimits {
	params := make(map[tier.Tier]tier.Params)
	for _, t := range tier.All() {
		params[t] = t.DefaultParams()
	}
	for name, entry := range c.Tiers {
		t := tier.Parse(name)
		p := params[t]
		if entry.DailyJobLimit > 0 {
			p.DailyJobLimit = entry.DailyJobLimit
		}
		if entry.IterationDepth > 0 {
			p.IterationDepth = entry.IterationDepth
		}
		params[t] = p
	}
	return TierLimits{params: params}
}

// TierLimits resolves tier parameters from loaded config.
type TierLimits struct {
	params map[tier.Tier]tier.Params
}

func (l TierLimits) Params(t tier.Tier) tier.Params {
	if p, ok := l.params[t]; ok {
		return p
	}
	return t.DefaultParams()
}

// RateTable builds the initial pricing table from config. Empty sections
// fall back to the built-in rates.
func (c Config) RateTable() *budget.RateTable {
	var rates map[string]budget.ModelRate
	if len(c.ModelRates) > 0 {
		rates = c.ModelRates
	}
	return budget.NewRateTable(rates, c.FallbackRate)
}

// Fingerprint returns a stable hash of the scheduling-relevant settings,
// logged on load and reload so config drift shows up in the journal.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "cap=%d|tiers=%d|rates=%d|log=%s|exp=%s",
		c.QueueCapacity, len(c.Tiers), len(c.ModelRates),
		c.Telemetry.LogLevel, c.Telemetry.MetricsExporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
