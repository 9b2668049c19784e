// Package config loads the middleware's configuration surface: package
// defaults, overlaid by an optional YAML file, overridden by LLMGUARD_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MonitoringConfig is the monitoring.* configuration section.
type MonitoringConfig struct {
	QualityAlertThreshold      float64 `yaml:"quality_alert_threshold"`
	AbsoluteLatencyThresholdMS int64   `yaml:"performance_alert_threshold_ms"`
	BudgetAlertThresholdUSD    float64 `yaml:"budget_alert_threshold_usd"`
	EnableAnomalyDetection     bool    `yaml:"enable_anomaly_detection"`
	MetricsRetentionDays       int     `yaml:"metrics_retention_days"`
}

// SafetyConfig is the safety.* configuration section. The breaker
// thresholds live here rather than under a separate top-level
// circuit_breaker section.
type SafetyConfig struct {
	MaxPromptLength         int     `yaml:"max_prompt_length"`
	MinQualityScore         float64 `yaml:"min_quality_score"`
	EnableContentFiltering  bool    `yaml:"enable_content_filtering"`
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold"`
	CircuitRecoverySeconds  int     `yaml:"circuit_recovery_seconds"`
}

// RateLimitingConfig is the rate_limiting.* configuration section.
type RateLimitingConfig struct {
	GlobalMaxRequestsPerMinute int     `yaml:"global_max_requests_per_minute"`
	UserMaxRequestsPerMinute   int     `yaml:"user_max_requests_per_minute"`
	UserDailyQuotaUSD          float64 `yaml:"user_daily_quota_usd"`
	SessionBudgetUSD           float64 `yaml:"session_budget_usd"`
}

// RetryStrategyConfig is the retry_strategy.* configuration section.
type RetryStrategyConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	EnableJitter    bool          `yaml:"enable_jitter"`
}

// CircuitBreakerConfig is the breaker.Config-shaped view derived from
// SafetyConfig's circuit_breaker_threshold/circuit_recovery_seconds (see
// Config.BreakerConfig). SuccessThreshold, the half-open probe count, is
// not file-configurable and is carried at its package default.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// Config is the top-level configuration surface.
type Config struct {
	StateStoragePath string `yaml:"state_storage_path"`
	AuditLogPath     string `yaml:"audit_log_path"`
	DefaultProvider  string `yaml:"default_provider"`
	FallbackProvider string `yaml:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model"`

	EnableMonitoring bool `yaml:"enable_monitoring"`
	EnableSafety     bool `yaml:"enable_safety"`
	EnableRecovery   bool `yaml:"enable_recovery"`

	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Safety        SafetyConfig        `yaml:"safety"`
	RateLimiting  RateLimitingConfig  `yaml:"rate_limiting"`
	RetryStrategy RetryStrategyConfig `yaml:"retry_strategy"`

	// breakerSuccessThreshold is not part of the YAML surface; BreakerConfig
	// fills it in from the package default.
	breakerSuccessThreshold int
}

// BreakerConfig derives a breaker.Config-shaped CircuitBreakerConfig from
// the safety.* thresholds.
func (c Config) BreakerConfig() CircuitBreakerConfig {
	successThreshold := c.breakerSuccessThreshold
	if successThreshold == 0 {
		successThreshold = 2
	}
	return CircuitBreakerConfig{
		FailureThreshold: c.Safety.CircuitBreakerThreshold,
		RecoveryTimeout:  time.Duration(c.Safety.CircuitRecoverySeconds) * time.Second,
		SuccessThreshold: successThreshold,
	}
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		StateStoragePath: "./state",
		AuditLogPath:     "./audit",
		DefaultProvider:  "mock",
		FallbackProvider: "",
		FallbackModel:    "",
		EnableMonitoring: true,
		EnableSafety:     true,
		EnableRecovery:   true,
		Monitoring: MonitoringConfig{
			QualityAlertThreshold:      0.6,
			AbsoluteLatencyThresholdMS: 5_000,
			BudgetAlertThresholdUSD:    100.0,
			EnableAnomalyDetection:     true,
			MetricsRetentionDays:       30,
		},
		Safety: SafetyConfig{
			MaxPromptLength:         100_000,
			MinQualityScore:         0.5,
			EnableContentFiltering:  true,
			CircuitBreakerThreshold: 5,
			CircuitRecoverySeconds:  60,
		},
		RateLimiting: RateLimitingConfig{
			GlobalMaxRequestsPerMinute: 1000,
			UserMaxRequestsPerMinute:   60,
			UserDailyQuotaUSD:          100.0,
			SessionBudgetUSD:           10.0,
		},
		RetryStrategy: RetryStrategyConfig{
			MaxAttempts:     3,
			InitialDelay:    time.Second,
			MaxDelay:        60 * time.Second,
			ExponentialBase: 2.0,
			EnableJitter:    true,
		},
		breakerSuccessThreshold: 2,
	}
}

// Load builds a Config starting from Default(), overlaying a YAML file at
// path (if it exists — a missing file is not an error), then applying any
// LLMGUARD_* environment variable overrides, which always take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets LLMGUARD_* environment variables override any
// value loaded from file or default.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMGUARD_STATE_STORAGE_PATH"); v != "" {
		cfg.StateStoragePath = v
	}
	if v := os.Getenv("LLMGUARD_AUDIT_LOG_PATH"); v != "" {
		cfg.AuditLogPath = v
	}
	if v := os.Getenv("LLMGUARD_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv("LLMGUARD_USER_DAILY_QUOTA_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimiting.UserDailyQuotaUSD = f
		}
	}
	if v := os.Getenv("LLMGUARD_SESSION_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimiting.SessionBudgetUSD = f
		}
	}
	if v := os.Getenv("LLMGUARD_GLOBAL_MAX_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimiting.GlobalMaxRequestsPerMinute = n
		}
	}
	if v := os.Getenv("LLMGUARD_MIN_QUALITY_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Safety.MinQualityScore = f
		}
	}
	if v := os.Getenv("LLMGUARD_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryStrategy.MaxAttempts = n
		}
	}
	if v := os.Getenv("LLMGUARD_FALLBACK_PROVIDER"); v != "" {
		cfg.FallbackProvider = v
	}
	if v := os.Getenv("LLMGUARD_FALLBACK_MODEL"); v != "" {
		cfg.FallbackModel = v
	}
	if v := os.Getenv("LLMGUARD_ENABLE_MONITORING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableMonitoring = b
		}
	}
	if v := os.Getenv("LLMGUARD_ENABLE_SAFETY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableSafety = b
		}
	}
	if v := os.Getenv("LLMGUARD_ENABLE_RECOVERY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableRecovery = b
		}
	}
	if v := os.Getenv("LLMGUARD_CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Safety.CircuitBreakerThreshold = n
		}
	}
	if v := os.Getenv("LLMGUARD_CIRCUIT_RECOVERY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Safety.CircuitRecoverySeconds = n
		}
	}
}
