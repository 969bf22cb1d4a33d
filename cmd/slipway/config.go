package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Hosts    HostsConfig    `mapstructure:"hosts"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HostsConfig holds the host inventory location.
type HostsConfig struct {
	InventoryFile string `mapstructure:"inventory_file"`
}

// SSHConfig holds remote execution configuration.
type SSHConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	MaxPerHost     int           `mapstructure:"max_per_host"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
}

// RoutingConfig holds edge proxy admin API configuration.
type RoutingConfig struct {
	AdminURL string        `mapstructure:"admin_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DeployConfig holds pipeline and promotion configuration.
type DeployConfig struct {
	HealthAttempts int           `mapstructure:"health_attempts"`
	HealthBackoff  time.Duration `mapstructure:"health_backoff"`
	HealthPath     string        `mapstructure:"health_path"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	ContainerPort  int           `mapstructure:"container_port"`
	GraceWindow    time.Duration `mapstructure:"grace_window"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	PortRangeStart int           `mapstructure:"port_range_start"`
	PortRangeEnd   int           `mapstructure:"port_range_end"`
	DefaultTeam    string        `mapstructure:"default_team"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit_per_minute", 60)
	v.SetDefault("database.dsn", "./data/slipway.db")
	v.SetDefault("hosts.inventory_file", "./hosts.yaml")
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "30s")
	v.SetDefault("ssh.max_per_host", 5)
	v.SetDefault("ssh.acquire_timeout", "30s")
	v.SetDefault("ssh.idle_timeout", "60s")
	v.SetDefault("ssh.reap_interval", "30s")
	v.SetDefault("routing.admin_url", "http://localhost:8082")
	v.SetDefault("routing.api_key", "")
	v.SetDefault("routing.timeout", "10s")
	v.SetDefault("deploy.health_attempts", 5)
	v.SetDefault("deploy.health_backoff", "1s")
	v.SetDefault("deploy.health_path", "/health")
	v.SetDefault("deploy.health_timeout", "5s")
	v.SetDefault("deploy.container_port", 8080)
	v.SetDefault("deploy.grace_window", "48h")
	v.SetDefault("deploy.reap_interval", "10m")
	v.SetDefault("deploy.port_range_start", 20000)
	v.SetDefault("deploy.port_range_end", 29999)
	v.SetDefault("deploy.default_team", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SLIPWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
