package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint.URL == "" {
		errs = append(errs, fmt.Errorf("endpoint.url is required"))
	}
	if c.Endpoint.Name == "" {
		errs = append(errs, fmt.Errorf("endpoint.name is required"))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	if c.Engine.MaxConcurrentStreams <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent_streams must be > 0, got %d", c.Engine.MaxConcurrentStreams))
	}

	// Static token and OAuth minting are mutually exclusive.
	if c.Endpoint.Token != "" && c.Endpoint.OAuth.TokenURL != "" {
		errs = append(errs, fmt.Errorf("endpoint.token and endpoint.oauth are mutually exclusive"))
	}
	if c.Endpoint.OAuth.TokenURL != "" {
		if c.Endpoint.OAuth.ClientID == "" {
			errs = append(errs, fmt.Errorf("endpoint.oauth.client_id is required when endpoint.oauth.token_url is set"))
		}
		if c.Endpoint.OAuth.ClientSecret == "" && c.Endpoint.OAuth.ClientSecretFile == "" {
			errs = append(errs, fmt.Errorf("endpoint.oauth.client_secret or client_secret_file is required when endpoint.oauth.token_url is set"))
		}
	}

	switch c.Storage.Type {
	case "memory", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	switch c.Auth.Type {
	case "none", "headers", "jwt":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"headers\", or \"jwt\", got %q", c.Auth.Type))
	}

	if c.Auth.Type == "jwt" && c.Auth.JWT.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of trace, debug, info, warn, error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
