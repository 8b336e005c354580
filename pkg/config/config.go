// Package config provides unified configuration for the parley gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (PARLEY_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the parley gateway.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 1 MB
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// EndpointConfig holds serving endpoint connection settings.
type EndpointConfig struct {
	// Name identifies the endpoint, echoed by GET /model and used as the
	// capability cache key.
	Name string `yaml:"name"` // required

	// URL is the endpoint invocation URL.
	URL string `yaml:"url"` // required

	Timeout     time.Duration `yaml:"timeout"`      // non-streaming call timeout, default: 120s
	ReadTimeout time.Duration `yaml:"read_timeout"` // per-chunk streaming read timeout, default: 30s

	// CapabilityWindow is how long a capability probe result (or a
	// streaming downgrade) stays in effect. Default: 5m.
	CapabilityWindow time.Duration `yaml:"capability_window"`

	// Token is a static bearer token for endpoint calls. Mutually
	// exclusive with OAuth.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"` // _file variant for token

	// OAuth configures client-credentials token minting.
	OAuth OAuthConfig `yaml:"oauth"`
}

// OAuthConfig holds OAuth client-credentials settings for outbound calls.
type OAuthConfig struct {
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretFile string   `yaml:"client_secret_file"` // _file variant for client_secret
	Scopes           []string `yaml:"scopes"`
}

// EngineConfig holds turn orchestration settings.
type EngineConfig struct {
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"` // default: 8
	HistoryTTL           time.Duration `yaml:"history_ttl"`            // default: 30s
}

// StorageConfig holds state management settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory" or "postgres", default: "memory"
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"` // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"` // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// AuthConfig holds inbound authentication settings.
type AuthConfig struct {
	// Type selects the authenticator: "none" (anonymous), "headers"
	// (trust forwarded identity headers), or "jwt". Default: "none".
	Type string `yaml:"type"`

	Headers HeadersAuthConfig `yaml:"headers"`
	JWT     JWTAuthConfig     `yaml:"jwt"`

	// RateLimitRPM bounds requests per user per minute. 0 disables.
	RateLimitRPM int `yaml:"rate_limit_rpm"`
}

// HeadersAuthConfig holds forwarded-header authenticator settings.
type HeadersAuthConfig struct {
	UserHeader  string `yaml:"user_header"`
	EmailHeader string `yaml:"email_header"`
	NameHeader  string `yaml:"name_header"`
}

// JWTAuthConfig holds JWT authenticator settings.
type JWTAuthConfig struct {
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	JWKSURL    string `yaml:"jwks_url"`
	UserClaim  string `yaml:"user_claim"`
	EmailClaim string `yaml:"email_claim"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error", default: "info"
	Format string `yaml:"format"` // "text" or "json", default: "text"

	// Debug lists comma-separated debug categories to enable, for
	// example "endpoint,streaming". The PARLEY_DEBUG environment
	// variable takes precedence.
	Debug string `yaml:"debug"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			MaxBodySize:     1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Endpoint: EndpointConfig{
			Timeout:          120 * time.Second,
			ReadTimeout:      30 * time.Second,
			CapabilityWindow: 5 * time.Minute,
		},
		Engine: EngineConfig{
			MaxConcurrentStreams: 8,
			HistoryTTL:           30 * time.Second,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
