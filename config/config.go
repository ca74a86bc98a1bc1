// Package config loads service configuration from a YAML file, .env files
// and TRAINER_LEDGER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. TRAINER_LEDGER_SERVER_PORT.
const EnvPrefix = "TRAINER_LEDGER"

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the store.
//
// Driver is one of "sqlite", "postgres" or "memory". Path is the SQLite file
// (":memory:" allowed), DSN the PostgreSQL connection string.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// LedgerConfig holds the accounting rules that are allowed to vary.
type LedgerConfig struct {
	Timezone           string `mapstructure:"timezone"`
	PunchWindowMonths  int    `mapstructure:"punch_window_months"`
	MinRate            int64  `mapstructure:"min_rate"`    // paise
	MaxRate            int64  `mapstructure:"max_rate"`    // paise
	MaxPayment         int64  `mapstructure:"max_payment"` // paise
	MaxPaymentClasses  int64  `mapstructure:"max_payment_classes"`
	RefundPolicy       string `mapstructure:"refund_policy"`
	MaxConflictRetries int    `mapstructure:"max_conflict_retries"`
}

// Location resolves Timezone.
func (l LedgerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(l.Timezone)
}

// ReconcileConfig controls the background audit replay.
type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Config is the full server configuration.
type Config struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig    `mapstructure:"server"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Ledger     LedgerConfig    `mapstructure:"ledger"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
	CORS       CORSConfig      `mapstructure:"cors"`
}

// LoadConfig loads configuration. An empty configFile searches for
// config.yaml in . and config/; a missing file falls back to defaults and
// the environment. envPath is the directory holding .env files (default config/).
func LoadConfig(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)

	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "trainer-ledger.db")
	v.SetDefault("ledger.timezone", "Asia/Kolkata")
	v.SetDefault("ledger.punch_window_months", 3)
	v.SetDefault("ledger.min_rate", 100)              // ₹1
	v.SetDefault("ledger.max_rate", 10_000_000)       // ₹1,00,000
	v.SetDefault("ledger.max_payment", 1_000_000_000) // ₹1,00,00,000
	v.SetDefault("ledger.max_payment_classes", 1000)
	v.SetDefault("ledger.refund_policy", "current_rate")
	v.SetDefault("ledger.max_conflict_retries", 3)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "1h")
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("cors.allowed_origins", []string{"*"})

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file: defaults and environment only.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if _, err := c.Ledger.Location(); err != nil {
		return fmt.Errorf("ledger.timezone: %w", err)
	}
	if c.Ledger.PunchWindowMonths < 0 {
		return errors.New("ledger.punch_window_months cannot be negative")
	}
	if c.Ledger.MinRate <= 0 || c.Ledger.MaxRate < c.Ledger.MinRate {
		return fmt.Errorf("ledger rate range [%d, %d] is invalid", c.Ledger.MinRate, c.Ledger.MaxRate)
	}
	if c.Ledger.MaxPayment <= 0 || c.Ledger.MaxPaymentClasses <= 0 {
		return errors.New("ledger.max_payment and ledger.max_payment_classes must be positive")
	}
	switch c.Ledger.RefundPolicy {
	case "current_rate", "charged_rate":
	default:
		return fmt.Errorf("unknown ledger.refund_policy %q", c.Ledger.RefundPolicy)
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return errors.New("reconcile.interval must be positive")
	}
	return nil
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about; Unmarshal
	// needs every key bound for env-only configuration.
	for _, key := range []string{
		"debug",
		"sentry_dsn",
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"database.driver",
		"database.path",
		"database.dsn",
		"ledger.timezone",
		"ledger.punch_window_months",
		"ledger.min_rate",
		"ledger.max_rate",
		"ledger.max_payment",
		"ledger.max_payment_classes",
		"ledger.refund_policy",
		"ledger.max_conflict_retries",
		"reconcile.enabled",
		"reconcile.interval",
		"reconcile.workers",
		"cors.allowed_origins",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// loadEnv loads .env then .env.local from envPath; later files win.
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, name := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, name))
	}
}
