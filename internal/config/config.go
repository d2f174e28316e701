// Package config loads and validates the circulation orchestrator's
// deployment configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	// Deployment profile selects the entity-store backend.
	Profile DeploymentProfile `mapstructure:"profile"`

	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	App         AppConfig         `mapstructure:"app"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Circulation CirculationConfig `mapstructure:"circulation"`
}

// DeploymentProfile represents the deployment profile type.
type DeploymentProfile string

const (
	// ProfileLite is single-node deployment with embedded SQLite storage.
	// No external dependencies. Use case: development, small libraries.
	ProfileLite DeploymentProfile = "lite"

	// ProfileStandard is deployment backed by external PostgreSQL storage.
	// Use case: production, multi-branch library systems.
	ProfileStandard DeploymentProfile = "standard"
)

// StorageBackend represents the entity-store implementation.
type StorageBackend string

const (
	// StorageBackendSQLite uses the embedded, pure-Go SQLite driver. Used by the Lite profile.
	StorageBackendSQLite StorageBackend = "sqlite"
	// StorageBackendPostgres uses PostgreSQL via pgx. Used by the Standard profile.
	StorageBackendPostgres StorageBackend = "postgres"
)

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	// Backend determines the entity-store implementation: "sqlite" (Lite) or "postgres" (Standard).
	Backend StorageBackend `mapstructure:"backend"`

	// FilesystemPath is the SQLite file path, used only by the Lite profile.
	FilesystemPath string `mapstructure:"filesystem_path"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used only by the Standard profile.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	URL             string        `mapstructure:"url"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig holds application-identity configuration.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
	Port      int    `mapstructure:"port"`
}

// CirculationConfig holds tunables for the circulation engine itself (§5, §4.6 of the spec).
type CirculationConfig struct {
	// AdapterCallTimeout bounds every individual vendor adapter call (checkout, checkin,
	// place_hold, release_hold, fulfill, update_availability).
	AdapterCallTimeout time.Duration `mapstructure:"adapter_call_timeout"`

	// SyncFanoutTimeout bounds the whole concurrent bookshelf-sync fan-out across all
	// activity-capable adapters; a slower adapter is treated as failed for this sync.
	SyncFanoutTimeout time.Duration `mapstructure:"sync_fanout_timeout"`

	// LazyFulfillmentTimeout is loaded from config but not read by any
	// component; a LazyFulfillment fetch runs under its caller's context.
	LazyFulfillmentTimeout time.Duration `mapstructure:"lazy_fulfillment_timeout"`

	// LoanActivitySyncMaxAge is the default patron-level freshness TTL consulted by
	// callers before invoking sync_bookshelf with force=false (§4.6).
	LoanActivitySyncMaxAge time.Duration `mapstructure:"loan_activity_sync_max_age"`

	// RecentLoanProtectionWindow is loaded from config but not read: the
	// bookshelf syncer's recent-loan protection uses a fixed one-minute window.
	RecentLoanProtectionWindow time.Duration `mapstructure:"recent_loan_protection_window"`

	// PlaceholderLoanDuration is loaded from config but not read: the engine
	// synthesizes the AlreadyCheckedOut placeholder loan with a fixed one-hour end.
	PlaceholderLoanDuration time.Duration `mapstructure:"placeholder_loan_duration"`

	// CredentialCacheSize bounds the per-process LRU used to cache vendor bearer tokens.
	CredentialCacheSize int `mapstructure:"credential_cache_size"`

	// AdapterRateLimitPerSecond bounds how many calls per second the engine will make
	// into a single collection's adapter.
	AdapterRateLimitPerSecond float64 `mapstructure:"adapter_rate_limit_per_second"`

	// AdapterRateLimitBurst is the token-bucket burst size paired with the rate above.
	AdapterRateLimitBurst int `mapstructure:"adapter_rate_limit_burst"`
}

// LoadConfig loads configuration from an optional YAML file, layered under
// environment variables and built-in defaults.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables and defaults only.
func LoadConfigFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("profile", "standard")
	viper.SetDefault("storage.backend", "postgres")
	viper.SetDefault("storage.filesystem_path", "/data/circulation.db")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "circulation")
	viper.SetDefault("database.username", "dev")
	viper.SetDefault("database.password", "dev")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("app.name", "circulation-orchestrator")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.namespace", "circulation")
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("circulation.adapter_call_timeout", "15s")
	viper.SetDefault("circulation.sync_fanout_timeout", "20s")
	viper.SetDefault("circulation.lazy_fulfillment_timeout", "10s")
	viper.SetDefault("circulation.loan_activity_sync_max_age", "15m")
	viper.SetDefault("circulation.recent_loan_protection_window", "60s")
	viper.SetDefault("circulation.placeholder_loan_duration", "1h")
	viper.SetDefault("circulation.credential_cache_size", 256)
	viper.SetDefault("circulation.adapter_rate_limit_per_second", 5.0)
	viper.SetDefault("circulation.adapter_rate_limit_burst", 10)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateProfile(); err != nil {
		return fmt.Errorf("profile validation failed: %w", err)
	}

	if c.Profile == ProfileStandard {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty (required for standard profile)")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name cannot be empty (required for standard profile)")
		}
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	if c.Circulation.AdapterCallTimeout <= 0 {
		return fmt.Errorf("circulation.adapter_call_timeout must be positive")
	}
	if c.Circulation.SyncFanoutTimeout <= 0 {
		return fmt.Errorf("circulation.sync_fanout_timeout must be positive")
	}

	return nil
}

func (c *Config) validateProfile() error {
	if c.Profile != ProfileLite && c.Profile != ProfileStandard {
		return fmt.Errorf("invalid deployment profile: %s (must be 'lite' or 'standard')", c.Profile)
	}

	if c.Storage.Backend != StorageBackendSQLite && c.Storage.Backend != StorageBackendPostgres {
		return fmt.Errorf("invalid storage backend: %s (must be 'sqlite' or 'postgres')", c.Storage.Backend)
	}

	switch c.Profile {
	case ProfileLite:
		if c.Storage.Backend != StorageBackendSQLite {
			return fmt.Errorf("lite profile requires storage.backend='sqlite' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.FilesystemPath == "" {
			return fmt.Errorf("lite profile requires storage.filesystem_path")
		}
	case ProfileStandard:
		if c.Storage.Backend != StorageBackendPostgres {
			return fmt.Errorf("standard profile requires storage.backend='postgres' (got '%s')", c.Storage.Backend)
		}
	}

	return nil
}

// GetDatabaseURL constructs the database URL from configuration.
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		sslMode,
	)
}

// IsLiteProfile returns true if running in the Lite deployment profile.
func (c *Config) IsLiteProfile() bool { return c.Profile == ProfileLite }

// IsStandardProfile returns true if running in the Standard deployment profile.
func (c *Config) IsStandardProfile() bool { return c.Profile == ProfileStandard }

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool { return c.App.Environment == "development" }
