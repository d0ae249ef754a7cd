// Package config loads and validates the externally supplied configuration
// surface. Values come from environment variables (LICENSECTL_* prefix)
// layered over an optional YAML file; every tunable has a struct-tag default
// so the zero configuration is a working one.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for the license control core.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Keys      KeyConfig       `yaml:"keys" envconfig:"KEYS"`
	Licenses  LicenseConfig   `yaml:"licenses" envconfig:"LICENSES"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" envconfig:"HEARTBEAT"`
	Risk      RiskConfig      `yaml:"risk" envconfig:"RISK"`
	Alerts    AlertConfig     `yaml:"alerts" envconfig:"ALERTS"`
	Sweep     SweepConfig     `yaml:"sweep" envconfig:"SWEEP"`
	Metrics   MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout" validate:"oneof=stdout file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/controld.log"`
}

// KeyConfig controls license key generation.
type KeyConfig struct {
	Length     int    `yaml:"length" envconfig:"LENGTH" default:"20" validate:"min=10,max=64"`
	GroupSize  int    `yaml:"group_size" envconfig:"GROUP_SIZE" default:"5" validate:"min=0"`
	Charset    string `yaml:"charset" envconfig:"CHARSET" default:"ABCDEFGHJKLMNPQRSTUVWXYZ23456789" validate:"min=8"`
	MaxRetries int    `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"5" validate:"min=1"`
}

// LicenseConfig controls license lifecycle defaults.
type LicenseConfig struct {
	// Default validity applied when issuing demo and trial licenses without
	// an explicit duration.
	DemoValidity  time.Duration `yaml:"demo_validity" envconfig:"DEMO_VALIDITY" default:"360h" validate:"gt=0"`
	TrialValidity time.Duration `yaml:"trial_validity" envconfig:"TRIAL_VALIDITY" default:"720h" validate:"gt=0"`
	// ExpiryWarning is the look-ahead window for the expiring-license sweep.
	ExpiryWarning time.Duration `yaml:"expiry_warning" envconfig:"EXPIRY_WARNING" default:"168h" validate:"gt=0"`
}

// HeartbeatConfig controls liveness classification.
type HeartbeatConfig struct {
	// Interval is the cadence clients are told to report on.
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"5m" validate:"gt=0"`
	// OfflineThreshold marks a machine offline once its last heartbeat is
	// older than this. Zero means derive 3× the heartbeat interval.
	OfflineThreshold time.Duration `yaml:"offline_threshold" envconfig:"OFFLINE_THRESHOLD"`
	// AllowImplicitRegistration lets a heartbeat carrying a client id
	// register an unknown fingerprint with metrics-only metadata.
	AllowImplicitRegistration bool `yaml:"allow_implicit_registration" envconfig:"ALLOW_IMPLICIT_REGISTRATION" default:"true"`
}

// RiskConfig tunes the deterministic risk scorer. The four cut points map a
// cumulative factor score to a churn level; suspicious-activity rules carry
// their literal thresholds so each rule is testable in isolation.
type RiskConfig struct {
	MediumThreshold   float64 `yaml:"medium_threshold" envconfig:"MEDIUM_THRESHOLD" default:"0.25" validate:"gt=0,lt=1"`
	HighThreshold     float64 `yaml:"high_threshold" envconfig:"HIGH_THRESHOLD" default:"0.5" validate:"gt=0,lt=1"`
	CriticalThreshold float64 `yaml:"critical_threshold" envconfig:"CRITICAL_THRESHOLD" default:"0.75" validate:"gt=0,lte=1"`

	// Window bounds the usage history consulted per evaluation.
	Window time.Duration `yaml:"window" envconfig:"WINDOW" default:"720h" validate:"gt=0"`
	// Retention bounds the append-only usage log.
	Retention time.Duration `yaml:"retention" envconfig:"RETENTION" default:"2160h" validate:"gt=0"`

	// Suspicious-activity rule thresholds.
	OfflineClusterSize   int           `yaml:"offline_cluster_size" envconfig:"OFFLINE_CLUSTER_SIZE" default:"3" validate:"min=1"`
	OfflineClusterWindow time.Duration `yaml:"offline_cluster_window" envconfig:"OFFLINE_CLUSTER_WINDOW" default:"2m" validate:"gt=0"`
	AbuseBoundPercent    float64       `yaml:"abuse_bound_percent" envconfig:"ABUSE_BOUND_PERCENT" default:"95" validate:"gt=0,lte=100"`
	AbuseDuration        time.Duration `yaml:"abuse_duration" envconfig:"ABUSE_DURATION" default:"10m" validate:"gt=0"`
	FailedAttemptLimit   int           `yaml:"failed_attempt_limit" envconfig:"FAILED_ATTEMPT_LIMIT" default:"5" validate:"min=1"`
	FailedAttemptWindow  time.Duration `yaml:"failed_attempt_window" envconfig:"FAILED_ATTEMPT_WINDOW" default:"10m" validate:"gt=0"`
	ConfigChangeLimit    int           `yaml:"config_change_limit" envconfig:"CONFIG_CHANGE_LIMIT" default:"10" validate:"min=1"`
	ConfigChangeWindow   time.Duration `yaml:"config_change_window" envconfig:"CONFIG_CHANGE_WINDOW" default:"1h" validate:"gt=0"`
	InactivityGrace      time.Duration `yaml:"inactivity_grace" envconfig:"INACTIVITY_GRACE" default:"168h" validate:"gt=0"`
	EvaluationParallel   int           `yaml:"evaluation_parallel" envconfig:"EVALUATION_PARALLEL" default:"4" validate:"min=1,max=64"`
}

// AlertConfig tunes the asynchronous alert dispatcher.
type AlertConfig struct {
	QueueSize int     `yaml:"queue_size" envconfig:"QUEUE_SIZE" default:"256" validate:"min=1"`
	RatePerS  float64 `yaml:"rate_per_s" envconfig:"RATE_PER_S" default:"10" validate:"gt=0"`
	Burst     int     `yaml:"burst" envconfig:"BURST" default:"20" validate:"min=1"`
}

// SweepConfig sets the cadences the external scheduler drives the core on.
type SweepConfig struct {
	Offline time.Duration `yaml:"offline" envconfig:"OFFLINE" default:"1m" validate:"gt=0"`
	Expiry  time.Duration `yaml:"expiry" envconfig:"EXPIRY" default:"1h" validate:"gt=0"`
	Risk    time.Duration `yaml:"risk" envconfig:"RISK" default:"15m" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	Addr    string `yaml:"addr" envconfig:"ADDR" default:":9464"`
}

// Load builds the configuration from environment variables layered over an
// optional YAML file (path may be empty).
func Load(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Env takes precedence over file values; envconfig also applies the
	// struct-tag defaults for anything still unset.
	if err := envconfig.Process("LICENSECTL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDerived fills values derived from other settings.
func (c *Config) applyDerived() {
	if c.Heartbeat.OfflineThreshold <= 0 {
		c.Heartbeat.OfflineThreshold = 3 * c.Heartbeat.Interval
	}
}

// Validate checks structural constraints plus the cross-field invariants the
// tag language cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if !(c.Risk.MediumThreshold < c.Risk.HighThreshold && c.Risk.HighThreshold < c.Risk.CriticalThreshold) {
		return fmt.Errorf("risk thresholds must be strictly increasing: %v < %v < %v",
			c.Risk.MediumThreshold, c.Risk.HighThreshold, c.Risk.CriticalThreshold)
	}
	if c.Heartbeat.OfflineThreshold < c.Heartbeat.Interval {
		return fmt.Errorf("offline threshold %v must not undercut heartbeat interval %v",
			c.Heartbeat.OfflineThreshold, c.Heartbeat.Interval)
	}
	if c.Risk.Window > c.Risk.Retention {
		return fmt.Errorf("risk window %v exceeds usage retention %v", c.Risk.Window, c.Risk.Retention)
	}
	if c.Keys.GroupSize > c.Keys.Length {
		return fmt.Errorf("key group size %d exceeds key length %d", c.Keys.GroupSize, c.Keys.Length)
	}
	return nil
}

// Default returns the built-in configuration, equivalent to loading with no
// file and no environment overrides.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Output: "stdout", FilePath: "logs/controld.log"},
		Keys: KeyConfig{
			Length:     20,
			GroupSize:  5,
			Charset:    "ABCDEFGHJKLMNPQRSTUVWXYZ23456789",
			MaxRetries: 5,
		},
		Licenses: LicenseConfig{
			DemoValidity:  15 * 24 * time.Hour,
			TrialValidity: 30 * 24 * time.Hour,
			ExpiryWarning: 7 * 24 * time.Hour,
		},
		Heartbeat: HeartbeatConfig{
			Interval:                  5 * time.Minute,
			AllowImplicitRegistration: true,
		},
		Risk: RiskConfig{
			MediumThreshold:      0.25,
			HighThreshold:        0.5,
			CriticalThreshold:    0.75,
			Window:               30 * 24 * time.Hour,
			Retention:            90 * 24 * time.Hour,
			OfflineClusterSize:   3,
			OfflineClusterWindow: 2 * time.Minute,
			AbuseBoundPercent:    95,
			AbuseDuration:        10 * time.Minute,
			FailedAttemptLimit:   5,
			FailedAttemptWindow:  10 * time.Minute,
			ConfigChangeLimit:    10,
			ConfigChangeWindow:   time.Hour,
			InactivityGrace:      7 * 24 * time.Hour,
			EvaluationParallel:   4,
		},
		Alerts: AlertConfig{QueueSize: 256, RatePerS: 10, Burst: 20},
		Sweep:  SweepConfig{Offline: time.Minute, Expiry: time.Hour, Risk: 15 * time.Minute},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
	}
	cfg.applyDerived()
	return cfg
}
