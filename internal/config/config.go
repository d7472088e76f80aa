package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Backend types for the scaling backend.
const (
	BackendLocal       = "local"
	BackendDistributed = "distributed"
)

// Bus drivers for the distributed backend.
const (
	DriverNATS  = "nats"
	DriverRedis = "redis"
)

// Overflow policies for a session's outbound queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// Config holds all gateway configuration.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Listener
	Addr   string `env:"GW_ADDR" envDefault:":3100"`
	WSPath string `env:"GW_WS_PATH" envDefault:"/ws"`

	// Scaling backend
	BackendType string `env:"GW_BACKEND_TYPE" envDefault:"local"` // local | distributed
	BusDriver   string `env:"GW_BUS_DRIVER" envDefault:"nats"`    // nats | redis
	BusURL      string `env:"GW_BUS_URL" envDefault:"nats://localhost:4222"`

	// Auth
	AuthEnabled   bool          `env:"GW_AUTH_ENABLED" envDefault:"true"`
	RequireToken  bool          `env:"GW_AUTH_REQUIRE_TOKEN" envDefault:"false"`
	JWTSecret     string        `env:"GW_AUTH_JWT_SECRET" envDefault:""`
	ClockSkew     time.Duration `env:"GW_AUTH_CLOCK_SKEW" envDefault:"30s"`
	RequiredScope string        `env:"GW_AUTH_REQUIRED_SCOPE" envDefault:""`
	AuthAttempts  int           `env:"GW_AUTH_MAX_ATTEMPTS" envDefault:"3"`

	// Rate limiting
	RateLimitEnabled  bool          `env:"GW_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnsPerIPRate    float64       `env:"GW_CONNS_PER_IP_RATE" envDefault:"1.0"`
	ConnsPerIPBurst   int           `env:"GW_CONNS_PER_IP_BURST" envDefault:"10"`
	TenantConnRate    float64       `env:"GW_TENANT_CONN_RATE" envDefault:"0"` // 0 disables the tenant aggregate cap
	TenantConnBurst   int           `env:"GW_TENANT_CONN_BURST" envDefault:"100"`
	MessagesPerMinute int           `env:"GW_MESSAGES_PER_MINUTE" envDefault:"600"`
	MessageBurst      int           `env:"GW_MESSAGE_BURST" envDefault:"20"`
	RateLimitStrikes  int           `env:"GW_RATE_LIMIT_STRIKES" envDefault:"50"`
	BucketTTL         time.Duration `env:"GW_BUCKET_TTL" envDefault:"5m"`

	// Tenancy
	TenantIsolation bool `env:"GW_TENANT_ISOLATION" envDefault:"false"`

	// Session lifecycle
	HeartbeatInterval      time.Duration `env:"GW_HEARTBEAT_INTERVAL" envDefault:"27s"`
	MissedHeartbeatTimeout time.Duration `env:"GW_MISSED_HEARTBEAT_TIMEOUT" envDefault:"60s"`
	MaxConnections         int           `env:"GW_MAX_CONNECTIONS" envDefault:"10000"`
	SendQueueSize          int           `env:"GW_SEND_QUEUE_SIZE" envDefault:"256"`
	OverflowPolicy         string        `env:"GW_OVERFLOW_POLICY" envDefault:"drop_oldest"` // drop_oldest | disconnect

	// Channels that survive their last local subscriber leaving,
	// comma-separated tenant-qualified names.
	PersistentChannels []string `env:"GW_PERSISTENT_CHANNELS" envSeparator:","`

	// Shutdown
	ShutdownDrain time.Duration `env:"GW_SHUTDOWN_DRAIN" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the optional .env file and environment
// variables, then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors. Invalid configuration is
// startup-fatal.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("GW_WS_PATH must start with '/', got %q", c.WSPath)
	}

	switch c.BackendType {
	case BackendLocal, BackendDistributed:
	default:
		return fmt.Errorf("GW_BACKEND_TYPE must be local or distributed, got %q", c.BackendType)
	}

	if c.BackendType == BackendDistributed {
		switch c.BusDriver {
		case DriverNATS, DriverRedis:
		default:
			return fmt.Errorf("GW_BUS_DRIVER must be nats or redis, got %q", c.BusDriver)
		}
		if c.BusURL == "" {
			return fmt.Errorf("GW_BUS_URL is required for the distributed backend")
		}
	}

	if c.AuthEnabled && c.JWTSecret == "" {
		return fmt.Errorf("GW_AUTH_JWT_SECRET is required when GW_AUTH_ENABLED=true")
	}
	if c.RequireToken && !c.AuthEnabled {
		return fmt.Errorf("GW_AUTH_REQUIRE_TOKEN=true requires GW_AUTH_ENABLED=true")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("GW_SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	if c.MessagesPerMinute < 1 {
		return fmt.Errorf("GW_MESSAGES_PER_MINUTE must be > 0, got %d", c.MessagesPerMinute)
	}
	if c.HeartbeatInterval <= 0 || c.MissedHeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat intervals must be positive")
	}
	if c.MissedHeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("GW_MISSED_HEARTBEAT_TIMEOUT (%s) must exceed GW_HEARTBEAT_INTERVAL (%s)",
			c.MissedHeartbeatTimeout, c.HeartbeatInterval)
	}

	switch c.OverflowPolicy {
	case OverflowDropOldest, OverflowDisconnect:
	default:
		return fmt.Errorf("GW_OVERFLOW_POLICY must be drop_oldest or disconnect, got %q", c.OverflowPolicy)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("ws_path", c.WSPath).
		Str("backend_type", c.BackendType).
		Str("bus_driver", c.BusDriver).
		Bool("auth_enabled", c.AuthEnabled).
		Bool("require_token", c.RequireToken).
		Bool("rate_limit_enabled", c.RateLimitEnabled).
		Bool("tenant_isolation", c.TenantIsolation).
		Int("max_connections", c.MaxConnections).
		Int("send_queue_size", c.SendQueueSize).
		Str("overflow_policy", c.OverflowPolicy).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("missed_heartbeat_timeout", c.MissedHeartbeatTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
