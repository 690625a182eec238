package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Grant lifecycle configuration
	Grants GrantConfig `mapstructure:"grants"`

	// Prescription credential configuration
	Credentials CredentialConfig `mapstructure:"credentials"`

	// Audit sink configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// GrantConfig holds authorization grant configuration
type GrantConfig struct {
	MaxTimeWindowHours int `mapstructure:"max_time_window_hours"`
	SweepIntervalMin   int `mapstructure:"sweep_interval_min"`
}

// CredentialConfig holds prescription credential configuration
type CredentialConfig struct {
	// TTLMinutes bounds a credential's validity; it represents a single
	// pharmacy visit, not an access grant.
	TTLMinutes int    `mapstructure:"ttl_minutes"`
	Issuer     string `mapstructure:"issuer"`
	// SigningKeySeed is the hex-encoded Ed25519 seed for the active
	// signing key. Older verification keys are supplied as
	// verify_keys.<version> entries.
	SigningKeySeed    string            `mapstructure:"signing_key_seed"`
	SigningKeyVersion string            `mapstructure:"signing_key_version"`
	VerifyKeys        map[string]string `mapstructure:"verify_keys"`
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/consent-core")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "consentcore")
	viper.SetDefault("database.user", "consentcore")
	viper.SetDefault("database.ssl_mode", "require")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	// Grant defaults
	viper.SetDefault("grants.max_time_window_hours", 720)
	viper.SetDefault("grants.sweep_interval_min", 15)

	// Credential defaults
	viper.SetDefault("credentials.ttl_minutes", 10)
	viper.SetDefault("credentials.issuer", "consent-core")
	viper.SetDefault("credentials.signing_key_version", "v1")

	// Audit defaults
	viper.SetDefault("audit.buffer_size", 1000)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.health_path", "/health")

	// Logging defaults
	viper.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if seed := os.Getenv("CREDENTIAL_SIGNING_KEY_SEED"); seed != "" {
		config.Credentials.SigningKeySeed = seed
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Credentials.TTLMinutes <= 0 {
		return fmt.Errorf("credential TTL must be positive: %d", config.Credentials.TTLMinutes)
	}

	if config.Grants.MaxTimeWindowHours <= 0 {
		return fmt.Errorf("max grant time window must be positive: %d", config.Grants.MaxTimeWindowHours)
	}

	return nil
}
