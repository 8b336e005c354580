// Package headers provides an authenticator that trusts identity headers
// injected by a fronting proxy. This is the deployment mode where an
// ingress gateway has already authenticated the user and forwards who they
// are via X-Forwarded-* headers; parley itself never sees credentials.
//
// Only enable this authenticator behind a proxy that strips these headers
// from client requests, otherwise any caller can impersonate any user.
package headers

import (
	"context"
	"net/http"

	"github.com/parley-chat/parley/pkg/auth"
)

// Default header names used by common identity-aware proxies.
const (
	DefaultUserHeader  = "X-Forwarded-Preferred-Username"
	DefaultEmailHeader = "X-Forwarded-Email"
	DefaultNameHeader  = "X-Forwarded-User"
)

// Config holds the header authenticator configuration.
type Config struct {
	// UserHeader carries the identity subject. Default: X-Forwarded-Preferred-Username.
	UserHeader string

	// EmailHeader carries the caller's email. Default: X-Forwarded-Email.
	EmailHeader string

	// NameHeader carries a display name. Default: X-Forwarded-User.
	NameHeader string
}

func (c *Config) applyDefaults() {
	if c.UserHeader == "" {
		c.UserHeader = DefaultUserHeader
	}
	if c.EmailHeader == "" {
		c.EmailHeader = DefaultEmailHeader
	}
	if c.NameHeader == "" {
		c.NameHeader = DefaultNameHeader
	}
}

// Authenticator reads the caller identity from forwarded headers.
type Authenticator struct {
	config Config
}

// New creates a header authenticator with the given configuration.
func New(cfg Config) *Authenticator {
	cfg.applyDefaults()
	return &Authenticator{config: cfg}
}

// Authenticate reads the forwarded identity headers.
//
// Decision outcomes:
//   - Abstain: no identity header present (another authenticator may apply)
//   - Yes: subject header present
//
// The email header alone also yields Yes, with the email doubling as the
// subject. This authenticator never returns No: a missing header is not an
// invalid credential.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	subject := r.Header.Get(a.config.UserHeader)
	email := r.Header.Get(a.config.EmailHeader)

	if subject == "" && email == "" {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if subject == "" {
		subject = email
	}

	return auth.AuthResult{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject:     subject,
			Email:       email,
			DisplayName: r.Header.Get(a.config.NameHeader),
		},
	}
}
