// Command server runs the parley chat gateway.
//
// Configuration is loaded from a YAML file (see pkg/config for the
// discovery order) with PARLEY_* environment overrides. The only flag is
// -config, pointing at an explicit config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/parley-chat/parley/pkg/auth"
	"github.com/parley-chat/parley/pkg/auth/headers"
	authjwt "github.com/parley-chat/parley/pkg/auth/jwt"
	"github.com/parley-chat/parley/pkg/config"
	"github.com/parley-chat/parley/pkg/debug"
	"github.com/parley-chat/parley/pkg/endpoint"
	"github.com/parley-chat/parley/pkg/engine"
	"github.com/parley-chat/parley/pkg/storage/memory"
	"github.com/parley-chat/parley/pkg/storage/postgres"
	"github.com/parley-chat/parley/pkg/transport"
	transporthttp "github.com/parley-chat/parley/pkg/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	debug.Init(cfg.Logging.Debug)

	// Storage.
	store, err := newStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	// Serving endpoint client.
	client := endpoint.NewClient(endpoint.Config{
		URL:         cfg.Endpoint.URL,
		Name:        cfg.Endpoint.Name,
		Timeout:     cfg.Endpoint.Timeout,
		ReadTimeout: cfg.Endpoint.ReadTimeout,
	}, newHeaderSource(cfg.Endpoint))
	defer client.Close()

	caps := endpoint.NewCapabilityCache(client, cfg.Endpoint.CapabilityWindow)

	// Turn engine.
	eng := engine.New(engine.Config{
		MaxConcurrentStreams: cfg.Engine.MaxConcurrentStreams,
		HistoryTTL:           cfg.Engine.HistoryTTL,
	}, client, caps, store, logger)

	// Auth.
	chain, limiter, err := newAuth(cfg.Auth)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	srv := transporthttp.NewServer(eng, store, cfg.Endpoint.Name,
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
		transporthttp.WithAuth(chain, limiter),
	)

	logger.Info("parley starting",
		"port", cfg.Server.Port,
		"endpoint", cfg.Endpoint.Name,
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
	)
	return srv.ListenAndServe()
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: debug.ParseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newStore builds the chat store from config.
func newStore(cfg config.StorageConfig) (transport.ChatStore, error) {
	switch cfg.Type {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
	default:
		return memory.New(), nil
	}
}

// newHeaderSource builds the outbound credential source for endpoint calls.
// Returns nil when the endpoint needs no authentication.
func newHeaderSource(cfg config.EndpointConfig) endpoint.HeaderSource {
	if cfg.OAuth.TokenURL != "" {
		return auth.NewTokenMinter(auth.MinterConfig{
			TokenURL:     cfg.OAuth.TokenURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Scopes:       cfg.OAuth.Scopes,
		})
	}
	if cfg.Token != "" {
		return &auth.StaticToken{Token: cfg.Token}
	}
	return nil
}

// newAuth builds the inbound authentication chain from config.
func newAuth(cfg config.AuthConfig) (*auth.AuthChain, auth.RateLimiter, error) {
	var limiter auth.RateLimiter
	if cfg.RateLimitRPM > 0 {
		limiter = auth.NewInProcessLimiter(cfg.RateLimitRPM)
	}

	switch cfg.Type {
	case "headers":
		chain := &auth.AuthChain{
			Authenticators: []auth.Authenticator{
				headers.New(headers.Config{
					UserHeader:  cfg.Headers.UserHeader,
					EmailHeader: cfg.Headers.EmailHeader,
					NameHeader:  cfg.Headers.NameHeader,
				}),
			},
			DefaultDecision: auth.No,
		}
		return chain, limiter, nil
	case "jwt":
		chain := &auth.AuthChain{
			Authenticators: []auth.Authenticator{
				authjwt.New(authjwt.Config{
					Issuer:     cfg.JWT.Issuer,
					Audience:   cfg.JWT.Audience,
					JWKSURL:    cfg.JWT.JWKSURL,
					UserClaim:  cfg.JWT.UserClaim,
					EmailClaim: cfg.JWT.EmailClaim,
				}),
			},
			DefaultDecision: auth.No,
		}
		return chain, limiter, nil
	case "none":
		return &auth.AuthChain{DefaultDecision: auth.Yes}, limiter, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}
