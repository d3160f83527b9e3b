package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Google   GoogleConfig   `yaml:"google" mapstructure:"google"`
	Budget   BudgetConfig   `yaml:"budget" mapstructure:"budget"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Enrich   EnrichConfig   `yaml:"enrich" mapstructure:"enrich"`
	Matcher  MatcherConfig  `yaml:"matcher" mapstructure:"matcher"`
	Pricing  PricingConfig  `yaml:"pricing" mapstructure:"pricing"`
	Taxonomy TaxonomyConfig `yaml:"taxonomy" mapstructure:"taxonomy"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=1"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0,ltefield=MaxConns"`
	PostGIS     bool   `yaml:"postgis" mapstructure:"postgis"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gte=1,lte=60"`
}

// BudgetConfig configures the shared provider call budget (token bucket).
type BudgetConfig struct {
	Capacity        int     `yaml:"capacity" mapstructure:"capacity" validate:"gte=1"`
	RefillPerSec    float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec" validate:"gt=0"`
	MaxWaitMs       int     `yaml:"max_wait_ms" mapstructure:"max_wait_ms" validate:"gte=1"`
	ShrinkFactor    float64 `yaml:"shrink_factor" mapstructure:"shrink_factor" validate:"gt=0,lt=1"`
	MinRefillPerSec float64 `yaml:"min_refill_per_sec" mapstructure:"min_refill_per_sec" validate:"gt=0"`
}

// RetryConfig configures the retry policy for provider calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gte=0"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=1"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// EnrichConfig configures the convergence driver.
type EnrichConfig struct {
	BatchSize          int      `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1"`
	MaxCycles          int      `yaml:"max_cycles" mapstructure:"max_cycles" validate:"gte=1"`
	Workers            int      `yaml:"workers" mapstructure:"workers" validate:"gte=1,lte=64"`
	TimeBudgetSecs     int      `yaml:"time_budget_secs" mapstructure:"time_budget_secs" validate:"gte=0"`
	EntityTimeoutSecs  int      `yaml:"entity_timeout_secs" mapstructure:"entity_timeout_secs" validate:"gte=1"`
	RetryCooldownHours int      `yaml:"retry_cooldown_hours" mapstructure:"retry_cooldown_hours" validate:"gte=1"`
	Groups             []string `yaml:"groups" mapstructure:"groups" validate:"dive,oneof=pricing schedule category transport"`
	FetchWebsite       bool     `yaml:"fetch_website" mapstructure:"fetch_website"`
	NearbyRadiusM      float64  `yaml:"nearby_radius_m" mapstructure:"nearby_radius_m" validate:"gt=0,lte=50000"`
}

// MatcherConfig tunes candidate deduplication.
type MatcherConfig struct {
	GeoThresholdM float64 `yaml:"geo_threshold_m" mapstructure:"geo_threshold_m" validate:"gt=0"`
	TokenOverlap  float64 `yaml:"token_overlap" mapstructure:"token_overlap" validate:"gt=0,lte=1"`
}

// PricingConfig bounds plausible single-session prices.
type PricingConfig struct {
	MinPrice float64 `yaml:"min_price" mapstructure:"min_price" validate:"gte=0"`
	MaxPrice float64 `yaml:"max_price" mapstructure:"max_price" validate:"gtfield=MinPrice"`
}

// TaxonomyConfig points at an optional taxonomy override file.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DIRECTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "directory.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.postgis", false)
	v.SetDefault("google.key", "")
	v.SetDefault("google.base_url", "")
	v.SetDefault("google.timeout_secs", 5)
	v.SetDefault("budget.capacity", 10)
	v.SetDefault("budget.refill_per_sec", 5.0)
	v.SetDefault("budget.max_wait_ms", 2000)
	v.SetDefault("budget.shrink_factor", 0.5)
	v.SetDefault("budget.min_refill_per_sec", 0.2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("enrich.batch_size", 50)
	v.SetDefault("enrich.max_cycles", 20)
	v.SetDefault("enrich.workers", 4)
	v.SetDefault("enrich.time_budget_secs", 0)
	v.SetDefault("enrich.entity_timeout_secs", 60)
	v.SetDefault("enrich.retry_cooldown_hours", 24)
	v.SetDefault("enrich.groups", []string{})
	v.SetDefault("enrich.fetch_website", true)
	v.SetDefault("enrich.nearby_radius_m", 500.0)
	v.SetDefault("matcher.geo_threshold_m", 50.0)
	v.SetDefault("matcher.token_overlap", 0.8)
	v.SetDefault("pricing.min_price", 1.5)
	v.SetDefault("pricing.max_price", 100.0)
	v.SetDefault("taxonomy.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

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

// Modes accepted by Validate.
const (
	ModeEnrich   = "enrich"
	ModeDiscover = "discover"
	ModeServe    = "serve"
	ModeStatus   = "status"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the settings the given command mode needs.
func (c *Config) Validate(mode string) error {
	if err := validate.Struct(c); err != nil {
		return eris.Wrap(err, "config: invalid")
	}
	switch mode {
	case ModeEnrich, ModeDiscover, ModeServe:
		if c.Google.Key == "" {
			return eris.Errorf("config: google.key is required for %s (set DIRECTORY_GOOGLE_KEY)", mode)
		}
	case ModeStatus, "":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	return nil
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
