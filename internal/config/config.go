// Package config provides configuration management for the fan-out tool.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/logging"
	"angel-fanout/pkg/utils"
)

// Config holds all application configuration.
type Config struct {
	Broker   BrokerConfig      `mapstructure:"broker"`
	Accounts AccountsConfig    `mapstructure:"accounts"`
	Dispatch DispatchConfig    `mapstructure:"dispatch"`
	Catalog  CatalogConfig     `mapstructure:"catalog"`
	Storage  StorageConfig     `mapstructure:"storage"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	Logging  logging.LogConfig `mapstructure:"logging"`
	Security SecurityConfig    `mapstructure:"security"`

	// MasterPassword unlocks enc: values in the accounts file. It is only
	// ever read from the environment.
	MasterPassword string `mapstructure:"-"`
	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
}

// BrokerConfig holds SmartAPI connection settings.
type BrokerConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	RootURL        string        `mapstructure:"root_url"`
	ScripMasterURL string        `mapstructure:"scrip_master_url"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	Paper          bool          `mapstructure:"paper"`
}

// AccountsConfig locates the accounts file.
type AccountsConfig struct {
	File           string  `mapstructure:"file"`
	DefaultCapital float64 `mapstructure:"default_capital"`
	Concurrency    int     `mapstructure:"concurrency"` // concurrent logins
}

// DispatchConfig holds order fan-out tuning.
type DispatchConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// CatalogConfig holds instrument catalog settings.
type CatalogConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	CacheSize int           `mapstructure:"cache_size"`
	Persist   bool          `mapstructure:"persist"` // mirror snapshots into the store
}

// StorageConfig holds the SQLite location.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditDir     string `mapstructure:"audit_dir"`
}

// Retry returns the per-account retry policy.
func (d DispatchConfig) Retry() utils.RetryConfig {
	return utils.RetryConfig{MaxAttempts: d.MaxAttempts, Delay: d.RetryDelay}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/angel-fanout"
	}
	return filepath.Join(home, ".config", "angel-fanout")
}

// Override adjusts a loaded configuration before validation.
type Override func(*Config)

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is reported as ErrConfigMissing; run "fanout config init" to
// create one. Overrides run after environment variables.
func Load(configDir string, overrides ...Override) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	LoadEnv(configDir)

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, apperrors.Wrapf(apperrors.ErrConfigMissing, "no config.toml in %s", configDir)
		}
		return nil, fmt.Errorf("reading config.toml: %w", err)
	}

	cfg := &Config{Dir: configDir}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Broker); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)
	for _, o := range overrides {
		o(cfg)
	}

	cfg.Accounts.File = resolvePath(configDir, cfg.Accounts.File)
	cfg.Storage.Path = resolvePath(configDir, cfg.Storage.Path)
	cfg.Security.AuditDir = resolvePath(configDir, cfg.Security.AuditDir)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnv loads the optional .env files into the process environment.
// Variables already set are kept, and the config dir file wins over the
// working directory one.
func LoadEnv(configDir string) {
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("broker.root_url", "https://apiconnect.angelbroking.com")
	v.SetDefault("broker.scrip_master_url", "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json")
	v.SetDefault("broker.http_timeout", "10s")
	v.SetDefault("broker.paper", false)

	v.SetDefault("accounts.file", "accounts.csv")
	v.SetDefault("accounts.default_capital", 0.0)
	v.SetDefault("accounts.concurrency", 8)

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_delay", "1s")
	v.SetDefault("dispatch.call_timeout", "10s")
	v.SetDefault("dispatch.dispatch_timeout", "30s")
	v.SetDefault("dispatch.concurrency", 0)

	v.SetDefault("catalog.ttl", "24h")
	v.SetDefault("catalog.cache_size", 100)
	v.SetDefault("catalog.persist", true)

	v.SetDefault("storage.path", "fanout.db")
	v.SetDefault("metrics.addr", ":9108")

	logs := logging.DefaultLogConfig()
	v.SetDefault("logging.level", logs.Level)
	v.SetDefault("logging.console", logs.Console)
	v.SetDefault("logging.file", logs.File)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "fanout.log"))
	v.SetDefault("logging.max_size", logs.MaxSize)
	v.SetDefault("logging.max_backups", logs.MaxBackups)
	v.SetDefault("logging.max_age", logs.MaxAge)

	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.audit_dir", "audit")
}

// loadCredentials reads the optional credentials.toml, which only carries
// the API key so that config.toml can be shared.
func loadCredentials(configDir string, broker *BrokerConfig) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	if key := v.GetString("smartapi.api_key"); key != "" {
		broker.APIKey = key
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// SmartAPI credentials
	if v := os.Getenv("ANGEL_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("FANOUT_MASTER_PASSWORD"); v != "" {
		cfg.MasterPassword = v
	}

	if v := os.Getenv("FANOUT_ACCOUNTS_FILE"); v != "" {
		cfg.Accounts.File = v
	}
	if v := os.Getenv("FANOUT_PAPER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Broker.Paper = b
		}
	}
	if v := os.Getenv("FANOUT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Broker.Paper && c.Broker.APIKey == "" {
		return apperrors.Wrap(apperrors.ErrKeyMaterialMissing, "broker api_key not set (config, credentials.toml or ANGEL_API_KEY)")
	}
	if c.Accounts.File == "" {
		return invalid("accounts.file", c.Accounts.File, "must be set")
	}
	if c.Accounts.DefaultCapital < 0 {
		return invalid("accounts.default_capital", c.Accounts.DefaultCapital, "must be non-negative")
	}

	if c.Dispatch.MaxAttempts < 1 {
		return invalid("dispatch.max_attempts", c.Dispatch.MaxAttempts, "must be at least 1")
	}
	if c.Dispatch.RetryDelay < 0 {
		return invalid("dispatch.retry_delay", c.Dispatch.RetryDelay, "must be non-negative")
	}
	if c.Dispatch.CallTimeout < 0 || c.Dispatch.DispatchTimeout < 0 {
		return invalid("dispatch.timeout", c.Dispatch.DispatchTimeout, "timeouts must be non-negative")
	}
	if c.Dispatch.Concurrency < 0 {
		return invalid("dispatch.concurrency", c.Dispatch.Concurrency, "must be non-negative")
	}

	if c.Catalog.TTL <= 0 {
		return invalid("catalog.ttl", c.Catalog.TTL, "must be positive")
	}
	if c.Catalog.CacheSize < 1 {
		return invalid("catalog.cache_size", c.Catalog.CacheSize, "must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	return nil
}

func invalid(field string, value interface{}, msg string) error {
	return apperrors.NewValidationError(apperrors.ErrConfigInvalid, field, value, msg)
}

// IsPaperMode returns true if orders go to the in-memory paper broker.
func (c *Config) IsPaperMode() bool {
	return c.Broker.Paper
}
