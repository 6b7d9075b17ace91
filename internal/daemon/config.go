// Package daemon manages the Vitalis daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vitalis-health/vitalis/internal/app/pipeline"
)

// Config holds all daemon configuration.
type Config struct {
	Site     SiteConfig     `toml:"site"`
	API      APIConfig      `toml:"api"`
	Governor GovernorConfig `toml:"governor"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Debate   DebateConfig   `toml:"debate"`
	Workers  WorkersConfig  `toml:"workers"`
	Relay    RelayConfig    `toml:"relay"`
	Logging  LoggingConfig  `toml:"logging"`
}

// SiteConfig identifies this deployment site.
type SiteConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// GovernorConfig controls the accelerator memory governor.
type GovernorConfig struct {
	BudgetMB       int64  `toml:"budget_mb"`
	Blocking       bool   `toml:"blocking"`
	AcquireTimeout string `toml:"acquire_timeout"`
	WarnMB         int64  `toml:"warn_mb"`
}

// PipelineConfig controls stage scheduling and telemetry sampling. An empty
// stage table falls back to the built-in one.
type PipelineConfig struct {
	SampleEvery string               `toml:"sample_every"`
	Stages      []pipeline.StageSpec `toml:"stages"`
}

// BridgeConfig controls the triage-to-oncology escalation decision.
type BridgeConfig struct {
	Threshold float64 `toml:"threshold"`
}

// DebateConfig controls the deliberation passes.
type DebateConfig struct {
	Temperature float64 `toml:"temperature"`
	TopP        float64 `toml:"top_p"`
	GeneratorMB int64   `toml:"generator_mb"`
	ReducedMB   int64   `toml:"reduced_mb"`
}

// WorkersConfig selects the inference backend. Mode "sim" runs the built-in
// simulated workers; "http" proxies every stage and the generator to the
// configured endpoint.
type WorkersConfig struct {
	Mode     string `toml:"mode"`
	Endpoint string `toml:"endpoint"`
	Timeout  string `toml:"timeout"`
}

// RelayConfig controls registry uploads. An empty endpoint disables the relay.
type RelayConfig struct {
	Endpoint  string `toml:"endpoint"`
	Interval  string `toml:"interval"`
	BatchSize int    `toml:"batch_size"`
	BaseDelay string `toml:"base_delay"`
	MaxDelay  string `toml:"max_delay"`
	Timeout   string `toml:"timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	File string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := vitalisHome()
	return Config{
		Site: SiteConfig{
			Name: "district-site",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7740,
		},
		Governor: GovernorConfig{
			BudgetMB:       8192,
			Blocking:       true,
			AcquireTimeout: "30s",
			WarnMB:         7000,
		},
		Pipeline: PipelineConfig{
			SampleEvery: "500ms",
		},
		Bridge: BridgeConfig{
			Threshold: 0.50,
		},
		Debate: DebateConfig{
			Temperature: 0.4,
			TopP:        0.9,
			GeneratorMB: 2800,
			ReducedMB:   1400,
		},
		Workers: WorkersConfig{
			Mode:    "sim",
			Timeout: "120s",
		},
		Relay: RelayConfig{
			Interval:  "30s",
			BatchSize: 50,
			BaseDelay: "1s",
			MaxDelay:  "60s",
			Timeout:   "10s",
		},
		Logging: LoggingConfig{
			File: filepath.Join(homeDir, "vitalis.log"),
		},
	}
}

// LoadConfig reads config from ~/.vitalis/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(vitalisHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.vitalis/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(vitalisHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// vitalisHome returns the Vitalis data directory.
func vitalisHome() string {
	if env := os.Getenv("VITALIS_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vitalis")
}

// VitalisHome is exported for use by other packages.
func VitalisHome() string {
	return vitalisHome()
}
