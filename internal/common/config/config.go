// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Blueprint BlueprintConfig `mapstructure:"blueprint"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the session store configuration.
// Driver is "sqlite" (default, single-file store under DataDir) or
// "postgres" (connects via pgx).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DataDir  string `mapstructure:"dataDir"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds run-queue timing configuration.
type QueueConfig struct {
	NoMatchTTL string `mapstructure:"noMatchTTL"` // pending-run expiry
	StopGrace  string `mapstructure:"stopGrace"`  // safety net after stop signal
}

// DispatchConfig holds long-poll dispatcher configuration.
type DispatchConfig struct {
	MaxWait string `mapstructure:"maxWait"` // long-poll ceiling
}

// RunnerConfig holds runner-registry lifecycle configuration.
type RunnerConfig struct {
	StaleAfter  string `mapstructure:"staleAfter"`  // online -> stale
	RemoveAfter string `mapstructure:"removeAfter"` // record deletion
}

// BlueprintConfig holds blueprint loader configuration.
type BlueprintConfig struct {
	Root string `mapstructure:"root"`
}

// StreamingConfig holds SSE streaming configuration.
type StreamingConfig struct {
	ReplayBuffer int `mapstructure:"replayBuffer"` // Last-Event-ID replay ring size
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the HTTP bind address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NoMatchTTLDuration returns the pending-run expiry as a time.Duration.
func (q *QueueConfig) NoMatchTTLDuration() time.Duration {
	return mustDuration(q.NoMatchTTL, 5*time.Minute)
}

// StopGraceDuration returns the stop-grace window as a time.Duration.
func (q *QueueConfig) StopGraceDuration() time.Duration {
	return mustDuration(q.StopGrace, 5*time.Second)
}

// MaxWaitDuration returns the long-poll ceiling as a time.Duration.
func (d *DispatchConfig) MaxWaitDuration() time.Duration {
	return mustDuration(d.MaxWait, 30*time.Second)
}

// StaleAfterDuration returns the heartbeat stale threshold as a time.Duration.
func (r *RunnerConfig) StaleAfterDuration() time.Duration {
	return mustDuration(r.StaleAfter, 2*time.Minute)
}

// RemoveAfterDuration returns the heartbeat removal threshold as a time.Duration.
func (r *RunnerConfig) RemoveAfterDuration() time.Duration {
	return mustDuration(r.RemoveAfter, 10*time.Minute)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COORD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)

	// Database defaults - single-file SQLite store under the data directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dataDir", "./data")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coordinator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "coordinator")
	v.SetDefault("database.sslMode", "disable")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentcoord")
	v.SetDefault("nats.maxReconnects", 10)

	// Run queue defaults
	v.SetDefault("queue.noMatchTTL", "5m")
	v.SetDefault("queue.stopGrace", "5s")

	// Dispatcher defaults
	v.SetDefault("dispatch.maxWait", "30s")

	// Runner lifecycle defaults
	v.SetDefault("runner.staleAfter", "2m")
	v.SetDefault("runner.removeAfter", "10m")

	// Blueprint defaults
	v.SetDefault("blueprint.root", "./blueprints")

	// Streaming defaults
	v.SetDefault("streaming.replayBuffer", 1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COORD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentcoord/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.dataDir", "COORD_DATABASE_DATA_DIR", "COORD_DATA_DIR")
	_ = v.BindEnv("queue.noMatchTTL", "COORD_QUEUE_NO_MATCH_TTL")
	_ = v.BindEnv("queue.stopGrace", "COORD_QUEUE_STOP_GRACE")
	_ = v.BindEnv("dispatch.maxWait", "COORD_DISPATCH_MAX_WAIT")
	_ = v.BindEnv("runner.staleAfter", "COORD_RUNNER_STALE_AFTER")
	_ = v.BindEnv("runner.removeAfter", "COORD_RUNNER_REMOVE_AFTER")
	_ = v.BindEnv("blueprint.root", "COORD_BLUEPRINT_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcoord/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.DataDir == "" {
			errs = append(errs, "database.dataDir is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	for key, value := range map[string]string{
		"queue.noMatchTTL":   cfg.Queue.NoMatchTTL,
		"queue.stopGrace":    cfg.Queue.StopGrace,
		"dispatch.maxWait":   cfg.Dispatch.MaxWait,
		"runner.staleAfter":  cfg.Runner.StaleAfter,
		"runner.removeAfter": cfg.Runner.RemoveAfter,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			errs = append(errs, key+" must be a positive duration")
		}
	}

	if cfg.Blueprint.Root == "" {
		errs = append(errs, "blueprint.root is required")
	}

	if cfg.Streaming.ReplayBuffer <= 0 {
		errs = append(errs, "streaming.replayBuffer must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
