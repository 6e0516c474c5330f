// Package config loads the bot's settings from environment variables,
// applies defaults and validates everything up front.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Bot      BotConfig
	Fetch    FetchConfig
	Staging  StagingConfig
	State    StateConfig
	Database DatabaseConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port also honours PORT, which most hosting platforms set.
	Port int `env:"SERVER_PORT" envAlt:"PORT" default:"3978"`

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"90s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds handling of one activity, download included.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// MaxBodyBytes caps inbound activity payloads (data: URLs make them big).
	MaxBodyBytes int64 `env:"SERVER_MAX_BODY_BYTES" default:"41943040"`
}

// BotConfig holds channel credentials.
type BotConfig struct {
	AppID       string `env:"BOT_APP_ID" envAlt:"MicrosoftAppId"`
	AppPassword string `env:"BOT_APP_PASSWORD" envAlt:"MicrosoftAppPassword" secret:"true"`
	TokenURL    string `env:"BOT_TOKEN_URL" default:"https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"`
	Scope       string `env:"BOT_TOKEN_SCOPE" default:"https://api.botframework.com/.default"`

	// ChannelTokens are accepted bearer tokens on POST /api/messages.
	// Empty disables inbound auth, which is only allowed without BOT_APP_ID.
	ChannelTokens []string `env:"CHANNEL_TOKENS" secret:"true"`

	// ServiceURLHosts are the channel hosts trusted with the bot's token,
	// both for replies and for FETCH_USE_BOT_TOKEN downloads. Entries are
	// exact hosts or "*.domain" wildcards.
	ServiceURLHosts []string `env:"BOT_SERVICE_URL_HOSTS" default:"*.botframework.com,smba.trafficmanager.net"`

	ReplyTimeout time.Duration `env:"BOT_REPLY_TIMEOUT" default:"15s"`
}

// FetchConfig bounds attachment downloads.
type FetchConfig struct {
	Timeout       time.Duration `env:"FETCH_TIMEOUT" default:"30s"`
	MaxBytes      int64         `env:"FETCH_MAX_BYTES" default:"26214400"`
	MaxConcurrent int           `env:"FETCH_MAX_CONCURRENT" default:"4"`
	MaxWait       time.Duration `env:"FETCH_MAX_WAIT" default:"10s"`

	// UseBotToken sends the bot's channel token with downloads, for
	// channels whose attachment URLs require it.
	UseBotToken bool `env:"FETCH_USE_BOT_TOKEN" default:"false"`
}

// StagingConfig says where uploaded files wait for their header row.
type StagingConfig struct {
	URL string `env:"STAGING_URL" default:"mem://localhost/staging"`
}

// StateConfig selects the conversation state backend.
type StateConfig struct {
	// Backend is memory or postgres.
	Backend       string        `env:"STATE_BACKEND" default:"memory"`
	TTL           time.Duration `env:"STATE_TTL" default:"24h"`
	SweepInterval time.Duration `env:"STATE_SWEEP_INTERVAL" default:"5m"`
}

// DatabaseConfig is only used by the postgres state backend.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL" envAlt:"DB_URL" secret:"true"`
	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RateLimitConfig holds per-IP request limits.
type RateLimitConfig struct {
	Enabled           bool `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`
	Burst             int  `env:"RATE_LIMIT_BURST" default:"20"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Forwarded-For / X-Real-IP headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UsesPostgres reports whether state lives in the database.
func (c *Config) UsesPostgres() bool {
	return c.State.Backend == BackendPostgres
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)
