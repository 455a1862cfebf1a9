package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all gateway configuration.
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"8000"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"GO_ENV" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Symmetric key protecting server args/env/headers at rest. Required;
	// losing it forfeits every encrypted field.
	EncryptionKey string `env:"MCP_ENCRYPTION_KEY"`

	// Secret used to verify inbound bearer tokens.
	AuthSecret string `env:"AUTH_SECRET"`

	// Default authentication requirement for servers whose jwt_required
	// setting is "inherit".
	AuthRequired bool `env:"AUTH_REQUIRED" envDefault:"true"`

	// Consumed by the external user-management collaborator; carried here
	// so one Config describes the whole environment.
	InitialAdminEmail string `env:"INITIAL_ADMIN_EMAIL"`

	Database DatabaseConfig
	Session  SessionConfig
	Bridge   BridgeConfig

	// Server timeouts. Write/idle are sized for long-lived SSE streams.
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"28800s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"28800s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings. DATABASE_URL wins
// when set; the POSTGRES_* pieces exist for compose-style deployments.
type DatabaseConfig struct {
	URL          string        `env:"DATABASE_URL"`
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"mcp_orch"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"mcp_orch"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// SessionConfig controls the backend session cache.
type SessionConfig struct {
	// Idle eviction threshold.
	TimeoutMinutes int `env:"MCP_SESSION_TIMEOUT_MINUTES" envDefault:"30"`

	// Janitor tick period.
	CleanupIntervalMinutes int `env:"MCP_SESSION_CLEANUP_INTERVAL_MINUTES" envDefault:"5"`

	// Fallback handshake/request deadline for servers without timeout_ms.
	DefaultTimeout time.Duration `env:"MCP_SESSION_DEFAULT_TIMEOUT" envDefault:"30s"`

	// Grace period evict waits for in-flight requests before draining.
	DrainGrace time.Duration `env:"MCP_SESSION_DRAIN_GRACE" envDefault:"5s"`

	// Hard cap on a single stdio frame.
	MaxFrameBytes int `env:"MCP_MAX_FRAME_BYTES" envDefault:"4194304"`
}

// IdleTimeout returns the idle eviction threshold as a duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// CleanupInterval returns the janitor tick period as a duration.
func (s *SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMinutes) * time.Minute
}

// BridgeConfig controls per-client SSE channels.
type BridgeConfig struct {
	// Outbound queue capacity per channel; enqueue on a full queue is the
	// backpressure signal.
	QueueSize int `env:"MCP_CHANNEL_QUEUE_SIZE" envDefault:"1024"`

	// Keepalive ping period on client streams.
	PingInterval time.Duration `env:"MCP_CHANNEL_PING_INTERVAL" envDefault:"15s"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
