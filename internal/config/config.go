package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// QueueConfig tunes the delivery sweep.
type QueueConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	BatchSize            int `yaml:"batch_size"`
	MaxAttempts          int `yaml:"max_attempts"`
}

// ProcessorsConfig tunes the three trigger processors.
type ProcessorsConfig struct {
	TimeIntervalSeconds    int `yaml:"time_interval_seconds"`
	PatternIntervalMinutes int `yaml:"pattern_interval_minutes"`
	InsightIntervalMinutes int `yaml:"insight_interval_minutes"`
}

// IdleConfig tunes the idle-debounce summarization scheduler.
type IdleConfig struct {
	DelaySeconds   int `yaml:"delay_seconds"`
	TokenThreshold int `yaml:"token_threshold"`
	KeepRecent     int `yaml:"keep_recent"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type PushConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// RateLimitConfig configures per-key token-bucket limiting on the API.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin browser access to the API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Queue      QueueConfig      `yaml:"queue"`
	Processors ProcessorsConfig `yaml:"processors"`
	Idle       IdleConfig       `yaml:"idle"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Push       PushConfig       `yaml:"push"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	CORS       CORSConfig       `yaml:"cors"`

	// Retention policy (days). 0 = keep forever. Delivery history is exempt.
	RetentionTriggerDays  int `yaml:"retention_trigger_days"`
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`
	RetentionMessagesDays int `yaml:"retention_messages_days"`

	// Bounded shutdown drain (seconds). 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|sweep=%d|batch=%d|attempts=%d|time=%d|pattern=%d|insight=%d|idle=%d|threshold=%d",
		c.BindAddr, c.LogLevel,
		c.Queue.SweepIntervalSeconds, c.Queue.BatchSize, c.Queue.MaxAttempts,
		c.Processors.TimeIntervalSeconds, c.Processors.PatternIntervalMinutes, c.Processors.InsightIntervalMinutes,
		c.Idle.DelaySeconds, c.Idle.TokenThreshold)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Queue: QueueConfig{
			SweepIntervalSeconds: 5,
			BatchSize:            10,
			MaxAttempts:          3,
		},
		Processors: ProcessorsConfig{
			TimeIntervalSeconds:    60,
			PatternIntervalMinutes: 60,
			InsightIntervalMinutes: 360,
		},
		Idle: IdleConfig{
			DelaySeconds:   300,
			TokenThreshold: 100_000,
			KeepRecent:     10,
		},
		Push:                  PushConfig{Enabled: true},
		RetentionTriggerDays:  90,
		RetentionAuditLogDays: 365,
		RetentionMessagesDays: 90,
		DrainTimeoutSeconds:   5,
	}
}

func HomeDir() string {
	if override := os.Getenv("PULSE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pulse")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pulse home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.SweepIntervalSeconds <= 0 {
		cfg.Queue.SweepIntervalSeconds = 5
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Processors.TimeIntervalSeconds <= 0 {
		cfg.Processors.TimeIntervalSeconds = 60
	}
	if cfg.Processors.PatternIntervalMinutes <= 0 {
		cfg.Processors.PatternIntervalMinutes = 60
	}
	if cfg.Processors.InsightIntervalMinutes <= 0 {
		cfg.Processors.InsightIntervalMinutes = 360
	}
	if cfg.Idle.DelaySeconds <= 0 {
		cfg.Idle.DelaySeconds = 300
	}
	if cfg.Idle.TokenThreshold <= 0 {
		cfg.Idle.TokenThreshold = 100_000
	}
	if cfg.Idle.KeepRecent <= 0 {
		cfg.Idle.KeepRecent = 10
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "pulse"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PULSE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PULSE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PULSE_SWEEP_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.SweepIntervalSeconds = v
		}
	}
	if raw := os.Getenv("PULSE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("PULSE_TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
