// Package config provides configuration management for the engine.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the engine.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Session  SessionConfig  `mapstructure:"session"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. Driver is "sqlite" or
// "postgres"; sqlite uses Path, postgres uses the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client and container creation configuration.
type DockerConfig struct {
	Host            string `mapstructure:"host"`
	APIVersion      string `mapstructure:"apiVersion"`
	Image           string `mapstructure:"image"`           // container image used for user containers
	Network         string `mapstructure:"network"`         // runtime network ensured and attached
	DataRoot        string `mapstructure:"dataRoot"`        // host directory under which per-user workspaces live
	SeccompProfile  string `mapstructure:"seccompProfile"`  // file path passed as a security option
	ApparmorProfile string `mapstructure:"apparmorProfile"` // profile name passed as a security option
	MaxConcurrency  int    `mapstructure:"maxConcurrency"`  // cap on concurrent daemon operations
}

// PoolConfig holds container pool configuration.
type PoolConfig struct {
	IdleThreshold    int `mapstructure:"idleThreshold"`    // seconds without activity before reaping
	ReadinessTimeout int `mapstructure:"readinessTimeout"` // seconds to wait for the exec probe after start
	SweepInterval    int `mapstructure:"sweepInterval"`    // seconds between janitor container sweeps
}

// SessionConfig holds session registry configuration.
type SessionConfig struct {
	CompletionGrace int `mapstructure:"completionGrace"` // seconds terminal sessions linger for status queries
	SweepInterval   int `mapstructure:"sweepInterval"`   // seconds between janitor session sweeps
}

// GatewayConfig holds realtime gateway configuration.
type GatewayConfig struct {
	HeartbeatInterval int      `mapstructure:"heartbeatInterval"` // seconds between pings
	IdleTimeout       int      `mapstructure:"idleTimeout"`       // seconds of silence before the channel closes
	OutboundQueueSize int      `mapstructure:"outboundQueueSize"` // bound on the per-channel outbound queue
	DrainTimeout      int      `mapstructure:"drainTimeout"`      // seconds a full queue may stall before the channel closes
	AllowedOrigins    []string `mapstructure:"allowedOrigins"`    // browser origins admitted at upgrade; empty trusts the ingress
}

// ExecutorConfig holds agent executor configuration.
type ExecutorConfig struct {
	ExecutionTimeout  int    `mapstructure:"executionTimeout"`  // seconds per run; 0 disables
	AbortGrace        int    `mapstructure:"abortGrace"`        // seconds between SIGINT and SIGKILL
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // seconds of agent silence before a status tick
	APIBaseURL        string `mapstructure:"apiBaseUrl"`        // agent API base URL injected into containers
	APIToken          string `mapstructure:"apiToken"`          // agent API token injected into containers
	Model             string `mapstructure:"model"`             // default model when the command names none
	ContextWindow     int    `mapstructure:"contextWindow"`     // context-window size injected into containers
}

// MetricsConfig holds container metrics collection configuration.
type MetricsConfig struct {
	SampleInterval int `mapstructure:"sampleInterval"` // seconds between stats snapshots
	Retention      int `mapstructure:"retention"`      // seconds metrics rows are kept
	PruneInterval  int `mapstructure:"pruneInterval"`  // seconds between janitor pruning passes
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

// IdleThresholdDuration returns the pool idle threshold as a time.Duration.
func (p *PoolConfig) IdleThresholdDuration() time.Duration {
	return time.Duration(p.IdleThreshold) * time.Second
}

// ReadinessTimeoutDuration returns the readiness timeout as a time.Duration.
func (p *PoolConfig) ReadinessTimeoutDuration() time.Duration {
	return time.Duration(p.ReadinessTimeout) * time.Second
}

// SweepIntervalDuration returns the container sweep interval as a time.Duration.
func (p *PoolConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(p.SweepInterval) * time.Second
}

// CompletionGraceDuration returns the session completion grace as a time.Duration.
func (s *SessionConfig) CompletionGraceDuration() time.Duration {
	return time.Duration(s.CompletionGrace) * time.Second
}

// SweepIntervalDuration returns the session sweep interval as a time.Duration.
func (s *SessionConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// HeartbeatIntervalDuration returns the channel heartbeat interval as a time.Duration.
func (g *GatewayConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(g.HeartbeatInterval) * time.Second
}

// IdleTimeoutDuration returns the channel idle timeout as a time.Duration.
func (g *GatewayConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(g.IdleTimeout) * time.Second
}

// DrainTimeoutDuration returns the drain timeout as a time.Duration.
func (g *GatewayConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(g.DrainTimeout) * time.Second
}

// ExecutionTimeoutDuration returns the per-run execution cap as a time.Duration.
func (e *ExecutorConfig) ExecutionTimeoutDuration() time.Duration {
	return time.Duration(e.ExecutionTimeout) * time.Second
}

// AbortGraceDuration returns the abort grace period as a time.Duration.
func (e *ExecutorConfig) AbortGraceDuration() time.Duration {
	return time.Duration(e.AbortGrace) * time.Second
}

// HeartbeatIntervalDuration returns the silent-run status tick interval as a time.Duration.
func (e *ExecutorConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(e.HeartbeatInterval) * time.Second
}

// SampleIntervalDuration returns the metrics sample interval as a time.Duration.
func (m *MetricsConfig) SampleIntervalDuration() time.Duration {
	return time.Duration(m.SampleInterval) * time.Second
}

// RetentionDuration returns the metrics retention window as a time.Duration.
func (m *MetricsConfig) RetentionDuration() time.Duration {
	return time.Duration(m.Retention) * time.Second
}

// PruneIntervalDuration returns the metrics prune interval as a time.Duration.
func (m *MetricsConfig) PruneIntervalDuration() time.Duration {
	return time.Duration(m.PruneInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AGENTDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the binary
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "agentdock.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentdock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentdock")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdock-engine")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "agentdock/workspace:latest")
	v.SetDefault("docker.network", "agentdock-network")
	v.SetDefault("docker.dataRoot", "/var/lib/agentdock")
	v.SetDefault("docker.seccompProfile", "")
	v.SetDefault("docker.apparmorProfile", "")
	v.SetDefault("docker.maxConcurrency", 16)

	// Pool defaults
	v.SetDefault("pool.idleThreshold", 7200) // 2h
	v.SetDefault("pool.readinessTimeout", 30)
	v.SetDefault("pool.sweepInterval", 1800) // 30m

	// Session defaults
	v.SetDefault("session.completionGrace", 1800) // 30m
	v.SetDefault("session.sweepInterval", 300)    // 5m

	// Gateway defaults
	v.SetDefault("gateway.heartbeatInterval", 30)
	v.SetDefault("gateway.idleTimeout", 120)
	v.SetDefault("gateway.outboundQueueSize", 1024)
	v.SetDefault("gateway.drainTimeout", 10)
	v.SetDefault("gateway.allowedOrigins", []string{})

	// Executor defaults
	v.SetDefault("executor.executionTimeout", 0) // disabled
	v.SetDefault("executor.abortGrace", 10)
	v.SetDefault("executor.heartbeatInterval", 30)
	v.SetDefault("executor.apiBaseUrl", "")
	v.SetDefault("executor.apiToken", "")
	v.SetDefault("executor.model", "")
	v.SetDefault("executor.contextWindow", 0)

	// Metrics defaults
	v.SetDefault("metrics.sampleInterval", 60)
	v.SetDefault("metrics.retention", 86400) // 24h
	v.SetDefault("metrics.pruneInterval", 3600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentdock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("docker.dataRoot", "AGENTDOCK_DOCKER_DATA_ROOT")
	_ = v.BindEnv("docker.seccompProfile", "AGENTDOCK_DOCKER_SECCOMP_PROFILE")
	_ = v.BindEnv("docker.apparmorProfile", "AGENTDOCK_DOCKER_APPARMOR_PROFILE")
	_ = v.BindEnv("executor.apiBaseUrl", "AGENTDOCK_EXECUTOR_API_BASE_URL")
	_ = v.BindEnv("executor.apiToken", "AGENTDOCK_EXECUTOR_API_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdock/")

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
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
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

	if cfg.Docker.Image == "" {
		errs = append(errs, "docker.image is required")
	}
	if cfg.Docker.Network == "" {
		errs = append(errs, "docker.network is required")
	}
	if cfg.Docker.DataRoot == "" {
		errs = append(errs, "docker.dataRoot is required")
	}
	if cfg.Docker.MaxConcurrency <= 0 {
		errs = append(errs, "docker.maxConcurrency must be positive")
	}

	if cfg.Pool.IdleThreshold <= 0 {
		errs = append(errs, "pool.idleThreshold must be positive")
	}
	if cfg.Pool.ReadinessTimeout <= 0 {
		errs = append(errs, "pool.readinessTimeout must be positive")
	}

	if cfg.Gateway.OutboundQueueSize <= 0 {
		errs = append(errs, "gateway.outboundQueueSize must be positive")
	}
	if cfg.Gateway.HeartbeatInterval <= 0 || cfg.Gateway.IdleTimeout <= cfg.Gateway.HeartbeatInterval {
		errs = append(errs, "gateway.idleTimeout must be greater than gateway.heartbeatInterval")
	}

	if cfg.Executor.ExecutionTimeout < 0 {
		errs = append(errs, "executor.executionTimeout must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
