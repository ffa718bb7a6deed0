// Package config loads application configuration from file and environment
// and bootstraps the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Scout      ScoutConfig      `yaml:"scout" mapstructure:"scout"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Ollama     OllamaConfig     `yaml:"ollama" mapstructure:"ollama"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres", "sqlite" or "memory"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"` // sqlite file path
}

// ScoutConfig tunes the deterministic pre-filter.
type ScoutConfig struct {
	MinContentChars   int     `yaml:"min_content_chars" mapstructure:"min_content_chars"`
	MaxContentChars   int     `yaml:"max_content_chars" mapstructure:"max_content_chars"`
	BoilerplateCutoff float64 `yaml:"boilerplate_cutoff" mapstructure:"boilerplate_cutoff"`
	CharsPerToken     float64 `yaml:"chars_per_token" mapstructure:"chars_per_token"`
}

// BudgetConfig configures the token budget governor.
type BudgetConfig struct {
	GlobalDailyTokens   int64   `yaml:"global_daily_tokens" mapstructure:"global_daily_tokens"`
	SourceDailyTokens   int64   `yaml:"source_daily_tokens" mapstructure:"source_daily_tokens"`
	MaxEvidenceTokens   int64   `yaml:"max_evidence_tokens" mapstructure:"max_evidence_tokens"`
	CloudSlots          int64   `yaml:"cloud_slots" mapstructure:"cloud_slots"`
	LocalSlots          int64   `yaml:"local_slots" mapstructure:"local_slots"`
	CloudCallsPerMinute float64 `yaml:"cloud_calls_per_minute" mapstructure:"cloud_calls_per_minute"`
	EmptyStreakLimit    int     `yaml:"empty_streak_limit" mapstructure:"empty_streak_limit"`
	CooldownHours       int     `yaml:"cooldown_hours" mapstructure:"cooldown_hours"`
	ResetTimezone       string  `yaml:"reset_timezone" mapstructure:"reset_timezone"`
}

// Cooldown returns the configured cooldown window.
func (c BudgetConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

// HealthConfig configures the source health tracker.
type HealthConfig struct {
	WindowDays           int     `yaml:"window_days" mapstructure:"window_days"`
	PauseScoreFloor      float64 `yaml:"pause_score_floor" mapstructure:"pause_score_floor"`
	AutoPauseHours       int     `yaml:"auto_pause_hours" mapstructure:"auto_pause_hours"`
	CriticalDwellHours   int     `yaml:"critical_dwell_hours" mapstructure:"critical_dwell_hours"`
	PoorDwellHours       int     `yaml:"poor_dwell_hours" mapstructure:"poor_dwell_hours"`
	StarvationPerWindow  int     `yaml:"starvation_per_window" mapstructure:"starvation_per_window"`
	StarvationSpacingHrs int     `yaml:"starvation_spacing_hours" mapstructure:"starvation_spacing_hours"`
}

// PipelineConfig configures stage consumers.
type PipelineConfig struct {
	StageWorkers     map[string]int `yaml:"stage_workers" mapstructure:"stage_workers"`
	QueueDepth       int            `yaml:"queue_depth" mapstructure:"queue_depth"`
	MaxAttempts      int            `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int            `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int            `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// OllamaConfig holds LLM provider endpoints.
type OllamaConfig struct {
	LocalBaseURL string `yaml:"local_base_url" mapstructure:"local_base_url"`
	CloudBaseURL string `yaml:"cloud_base_url" mapstructure:"cloud_base_url"`
	CloudAPIKey  string `yaml:"cloud_api_key" mapstructure:"cloud_api_key"`
	Model        string `yaml:"model" mapstructure:"model"`
	CloudModel   string `yaml:"cloud_model" mapstructure:"cloud_model"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	BudgetAlertThreshold float64 `yaml:"budget_alert_threshold" mapstructure:"budget_alert_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REGTRUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "regtruth.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("scout.min_content_chars", 280)
	v.SetDefault("scout.max_content_chars", 2_000_000)
	v.SetDefault("scout.boilerplate_cutoff", 0.65)
	v.SetDefault("scout.chars_per_token", 3.2)

	v.SetDefault("budget.global_daily_tokens", 5_000_000)
	v.SetDefault("budget.source_daily_tokens", 500_000)
	v.SetDefault("budget.max_evidence_tokens", 120_000)
	v.SetDefault("budget.cloud_slots", 2)
	v.SetDefault("budget.local_slots", 4)
	v.SetDefault("budget.cloud_calls_per_minute", 30)
	v.SetDefault("budget.empty_streak_limit", 3)
	v.SetDefault("budget.cooldown_hours", 6)
	v.SetDefault("budget.reset_timezone", "UTC")

	v.SetDefault("health.window_days", 7)
	v.SetDefault("health.pause_score_floor", 0.1)
	v.SetDefault("health.auto_pause_hours", 24)
	v.SetDefault("health.critical_dwell_hours", 24)
	v.SetDefault("health.poor_dwell_hours", 12)
	v.SetDefault("health.starvation_per_window", 3)
	v.SetDefault("health.starvation_spacing_hours", 48)

	v.SetDefault("pipeline.queue_depth", 256)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.initial_backoff_ms", 500)
	v.SetDefault("pipeline.max_backoff_ms", 30_000)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.budget_alert_threshold", 0.85)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)

	v.SetDefault("ollama.local_base_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "qwen2.5:14b")
	v.SetDefault("ollama.cloud_model", "qwen2.5:72b")
	v.SetDefault("ollama.timeout_secs", 120)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
