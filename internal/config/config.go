package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/basket/opspipe/internal/otel"
)

// StepReplacePolicy controls what happens to already-completed workflow steps
// when a re-dispatch submits a fresh step list.
type StepReplacePolicy string

const (
	// ReplaceAll discards the whole previous step set, completion history
	// included. This mirrors how the field teams used the system historically.
	ReplaceAll StepReplacePolicy = "replace_all"
	// PreserveCompleted keeps completed steps and replaces only the pending
	// tail. Default: completion history is evidence of physical work done.
	PreserveCompleted StepReplacePolicy = "preserve_completed"
)

// MaintenanceConfig holds cron expressions for background sweeps.
type MaintenanceConfig struct {
	// RetentionCron fires the done-task retention sweep (soft delete only).
	RetentionCron string `yaml:"retention_cron"`
	// RetentionDays is how long done tasks stay visible before soft delete.
	// Analytics may still read soft-deleted rows; nothing is hard-deleted.
	RetentionDays int `yaml:"retention_days"`
	// StreakCron fires the daily activity-streak rollover.
	StreakCron string `yaml:"streak_cron"`
}

type DispatchConfig struct {
	StepReplacePolicy StepReplacePolicy `yaml:"step_replace_policy"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	DBPath    string `yaml:"db_path"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections to the change feed. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
}

func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".opspipe")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		BindAddr: "127.0.0.1:8790",
		LogLevel: "info",
		DBPath:   filepath.Join(homeDir, "opspipe.db"),
		Dispatch: DispatchConfig{
			StepReplacePolicy: PreserveCompleted,
		},
		Maintenance: MaintenanceConfig{
			RetentionCron: "30 2 * * *",
			RetentionDays: 90,
			StreakCron:    "5 0 * * *",
		},
	}
}

// Load reads <homeDir>/config.yaml, applying defaults for anything unset.
// A missing file is not an error; you get the defaults.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(homeDir, "opspipe.db")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Dispatch.StepReplacePolicy {
	case "", ReplaceAll, PreserveCompleted:
	default:
		return fmt.Errorf("unknown step_replace_policy %q", c.Dispatch.StepReplacePolicy)
	}
	if c.Dispatch.StepReplacePolicy == "" {
		c.Dispatch.StepReplacePolicy = PreserveCompleted
	}
	if c.Maintenance.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0, got %d", c.Maintenance.RetentionDays)
	}
	return nil
}

// Fingerprint returns a stable hash of the effective config, exposed on
// /healthz so operators can tell which config a running daemon loaded.
func (c *Config) Fingerprint() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return strconv.FormatUint(h.Sum64(), 16)
}
