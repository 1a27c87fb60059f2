package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// Pricing overrides the built-in per-minute price (cents) for a tier,
	// keyed by tier name. Tiers not listed keep their defaults.
	Pricing map[string]int64 `mapstructure:"pricing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ProvidersConfig holds configuration for GPU providers
type ProvidersConfig struct {
	RunPod RunPodConfig `mapstructure:"runpod"`
	VastAI VastAIConfig `mapstructure:"vastai"`
}

// RunPodConfig holds RunPod specific configuration
type RunPodConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Enabled bool   `mapstructure:"enabled"`
}

// VastAIConfig holds Vast.ai specific configuration
type VastAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Enabled bool   `mapstructure:"enabled"`
}

// BillingConfig holds billing meter configuration
type BillingConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	BillInterval    time.Duration `mapstructure:"bill_interval"`
	GraceFloorCents int64         `mapstructure:"grace_floor_cents"`
}

// ReaperConfig holds zombie reaper configuration
type ReaperConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/gpuburst.db")

	// Provider defaults
	v.SetDefault("providers.runpod.enabled", true)
	v.SetDefault("providers.vastai.enabled", true)

	// Billing defaults
	v.SetDefault("billing.scan_interval", 15*time.Second)
	v.SetDefault("billing.bill_interval", time.Minute)
	v.SetDefault("billing.grace_floor_cents", -500)

	// Reaper defaults
	v.SetDefault("reaper.check_interval", 5*time.Minute)
	v.SetDefault("reaper.stale_threshold", 30*time.Minute)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Provider credentials from environment
	bindEnv("providers.runpod.api_key", "RUNPOD_API_KEY")
	bindEnv("providers.vastai.api_key", "VASTAI_API_KEY")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Check that at least one provider is configured
	if !c.Providers.RunPod.Enabled && !c.Providers.VastAI.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}

	if c.Providers.RunPod.Enabled && c.Providers.RunPod.APIKey == "" {
		return fmt.Errorf("RUNPOD_API_KEY is required when RunPod is enabled")
	}

	if c.Providers.VastAI.Enabled && c.Providers.VastAI.APIKey == "" {
		return fmt.Errorf("VASTAI_API_KEY is required when Vast.ai is enabled")
	}

	if c.Billing.BillInterval <= 0 {
		return fmt.Errorf("billing.bill_interval must be positive")
	}

	if c.Reaper.StaleThreshold <= 0 {
		return fmt.Errorf("reaper.stale_threshold must be positive")
	}

	for tier, price := range c.Pricing {
		if price <= 0 {
			return fmt.Errorf("pricing.%s must be positive, got %d", tier, price)
		}
	}

	return nil
}
