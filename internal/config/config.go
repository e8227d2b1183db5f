package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/macjediwizard/offlinecal/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Logging      LoggingConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Calendar     CalendarConfig
	Sync         SyncConfig
	RateLimiting RateLimitConfig
	Webhook      WebhookConfig
	AccountsFile string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int
	Environment    Environment
	AllowedOrigins []string
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey []byte
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CalendarConfig controls occurrence materialization.
type CalendarConfig struct {
	DisplayTimezone *time.Location
	HorizonDays     int
	MaxOccurrences  int
}

// SyncConfig holds the sync engine limits.
type SyncConfig struct {
	Interval           time.Duration
	MaxAttempts        int
	FailedCooldown     time.Duration
	OperationLifetime  time.Duration
	ConflictRetries    int
	ConflictResolution string
	BatchSize          int
	Concurrency        int
}

// RateLimitConfig holds rate limiting configuration for the API and for
// each account's transport.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// WebhookConfig holds the optional alert webhook.
type WebhookConfig struct {
	URL      string
	Cooldown time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("environment", string(EnvProduction))
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "./data/offlinecal.db")
	v.SetDefault("display_timezone", "Local")
	v.SetDefault("generation_horizon_days", 365)
	v.SetDefault("max_occurrences_per_event", 5000)
	v.SetDefault("sync_interval", 300)
	v.SetDefault("push_max_attempts", 5)
	v.SetDefault("failed_retry_cooldown", "24h")
	v.SetDefault("operation_lifetime", "720h")
	v.SetDefault("conflict_max_retries", 3)
	v.SetDefault("conflict_resolution", "remote_wins")
	v.SetDefault("pull_batch_size", 50)
	v.SetDefault("sync_concurrency", 4)
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("webhook_cooldown", "15m")
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{}
	cfg.Server.Port = v.GetInt("port")
	cfg.Server.Environment = Environment(strings.ToLower(v.GetString("environment")))
	for _, o := range strings.Split(v.GetString("allowed_origins"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
		}
	}
	cfg.Logging.Level = strings.ToLower(v.GetString("log_level"))
	cfg.Database.Path = v.GetString("database_path")
	cfg.AccountsFile = v.GetString("accounts_file")

	encKeyHex := v.GetString("encryption_key")
	if encKeyHex == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY", ErrMissingConfig)
	}
	encKey, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
	}
	if len(encKey) != 32 {
		return nil, ErrEncryptionKeySize
	}
	cfg.Security.EncryptionKey = encKey

	loc, err := time.LoadLocation(v.GetString("display_timezone"))
	if err != nil {
		return nil, fmt.Errorf("%w: DISPLAY_TIMEZONE: %w", ErrInvalidConfig, err)
	}
	cfg.Calendar.DisplayTimezone = loc
	cfg.Calendar.HorizonDays = v.GetInt("generation_horizon_days")
	cfg.Calendar.MaxOccurrences = v.GetInt("max_occurrences_per_event")

	cfg.Sync.Interval = time.Duration(v.GetInt("sync_interval")) * time.Second
	cfg.Sync.MaxAttempts = v.GetInt("push_max_attempts")
	cfg.Sync.FailedCooldown = v.GetDuration("failed_retry_cooldown")
	cfg.Sync.OperationLifetime = v.GetDuration("operation_lifetime")
	cfg.Sync.ConflictRetries = v.GetInt("conflict_max_retries")
	cfg.Sync.ConflictResolution = strings.ToLower(v.GetString("conflict_resolution"))
	cfg.Sync.BatchSize = v.GetInt("pull_batch_size")
	cfg.Sync.Concurrency = v.GetInt("sync_concurrency")

	cfg.RateLimiting.RPS = v.GetFloat64("rate_limit_rps")
	cfg.RateLimiting.Burst = v.GetInt("rate_limit_burst")

	cfg.Webhook.URL = v.GetString("webhook_url")
	cfg.Webhook.Cooldown = v.GetDuration("webhook_cooldown")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks ranges and enumerations after loading.
func (c *Config) validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: PORT: %d", ErrInvalidConfig, c.Server.Port)
	case c.Server.Environment != EnvDevelopment && c.Server.Environment != EnvProduction:
		return fmt.Errorf("%w: ENVIRONMENT: %q", ErrInvalidConfig, c.Server.Environment)
	case c.Calendar.HorizonDays <= 0:
		return fmt.Errorf("%w: GENERATION_HORIZON_DAYS must be positive", ErrInvalidConfig)
	case c.Calendar.MaxOccurrences <= 0:
		return fmt.Errorf("%w: MAX_OCCURRENCES_PER_EVENT must be positive", ErrInvalidConfig)
	case c.Sync.Interval < 30*time.Second:
		return fmt.Errorf("%w: SYNC_INTERVAL must be at least 30 seconds", ErrInvalidConfig)
	case c.Sync.MaxAttempts <= 0:
		return fmt.Errorf("%w: PUSH_MAX_ATTEMPTS must be positive", ErrInvalidConfig)
	case c.Sync.FailedCooldown <= 0 || c.Sync.OperationLifetime <= 0:
		return fmt.Errorf("%w: FAILED_RETRY_COOLDOWN and OPERATION_LIFETIME must be positive", ErrInvalidConfig)
	case c.Sync.ConflictRetries < 0:
		return fmt.Errorf("%w: CONFLICT_MAX_RETRIES must not be negative", ErrInvalidConfig)
	case c.Sync.BatchSize <= 0 || c.Sync.Concurrency <= 0:
		return fmt.Errorf("%w: PULL_BATCH_SIZE and SYNC_CONCURRENCY must be positive", ErrInvalidConfig)
	case c.RateLimiting.RPS <= 0 || c.RateLimiting.Burst <= 0:
		return fmt.Errorf("%w: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive", ErrInvalidConfig)
	}
	switch c.Sync.ConflictResolution {
	case "remote_wins", "local_wins", "manual":
	default:
		return fmt.Errorf("%w: CONFLICT_RESOLUTION: %q", ErrInvalidConfig, c.Sync.ConflictResolution)
	}
	if c.Webhook.URL != "" {
		if err := validator.New().ValidateURL(c.Webhook.URL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: WEBHOOK_URL: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Horizon returns how far ahead occurrences are materialized.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.Calendar.HorizonDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// AccountSeed is one account entry of the accounts file.
type AccountSeed struct {
	Name        string `yaml:"name"`
	ServerURL   string `yaml:"server_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	BearerToken string `yaml:"bearer_token"`
	LocalOnly   bool   `yaml:"local_only"`
	Interval    int    `yaml:"interval"` // seconds
}

type accountsFile struct {
	Accounts []AccountSeed `yaml:"accounts"`
}

// LoadAccounts reads the YAML accounts file at path. Server URLs must be
// valid; HTTPS is required when requireHTTPS is set.
func LoadAccounts(path string, requireHTTPS bool) ([]AccountSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: accounts file: %w", ErrInvalidConfig, err)
	}

	v := validator.New()
	seen := make(map[string]bool, len(f.Accounts))
	for i := range f.Accounts {
		a := &f.Accounts[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("%w: account %d has no name", ErrInvalidConfig, i+1)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("%w: duplicate account %q", ErrInvalidConfig, a.Name)
		}
		seen[a.Name] = true
		if a.LocalOnly {
			continue
		}
		if err := v.ValidateURL(a.ServerURL, requireHTTPS); err != nil {
			return nil, fmt.Errorf("%w: account %q: %w", ErrInvalidConfig, a.Name, err)
		}
		if a.Interval != 0 && a.Interval < 30 {
			return nil, fmt.Errorf("%w: account %q: interval must be at least 30 seconds", ErrInvalidConfig, a.Name)
		}
	}
	return f.Accounts, nil
}
