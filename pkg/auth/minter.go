package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// StaticToken is a HeaderSource-style provider carrying a fixed bearer
// token, for deployments using a long-lived personal access token.
type StaticToken struct {
	Token string
}

// AuthHeaders returns the Authorization header for the static token.
func (s *StaticToken) AuthHeaders(_ context.Context) (map[string]string, error) {
	if s.Token == "" {
		return nil, fmt.Errorf("no token configured")
	}
	return map[string]string{"Authorization": "Bearer " + s.Token}, nil
}

// MinterConfig holds the OAuth client-credentials configuration for
// outbound calls to the serving endpoint.
type MinterConfig struct {
	// TokenURL is the OAuth token endpoint.
	TokenURL string

	// ClientID and ClientSecret identify the service principal.
	ClientID     string
	ClientSecret string

	// Scopes requested for the token, joined with spaces.
	Scopes []string

	// RefreshSkew renews the token this long before its expiry.
	// Default: 1 minute.
	RefreshSkew time.Duration

	// HTTPClient allows injecting a custom HTTP client (useful for testing).
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

func (c *MinterConfig) applyDefaults() {
	if c.RefreshSkew == 0 {
		c.RefreshSkew = time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// TokenMinter obtains OAuth client-credentials tokens and caches them
// until shortly before expiry. It serializes refreshes so concurrent
// turns share one token request.
type TokenMinter struct {
	config MinterConfig

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time // injectable clock for tests
}

// NewTokenMinter creates a minter with the given configuration.
func NewTokenMinter(cfg MinterConfig) *TokenMinter {
	cfg.applyDefaults()
	return &TokenMinter{config: cfg, now: time.Now}
}

// AuthHeaders returns the Authorization header for outbound endpoint
// calls, minting a fresh token when the cached one is near expiry.
func (m *TokenMinter) AuthHeaders(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" || m.now().After(m.expiresAt.Add(-m.config.RefreshSkew)) {
		if err := m.refresh(ctx); err != nil {
			return nil, err
		}
	}

	return map[string]string{"Authorization": "Bearer " + m.token}, nil
}

// refresh performs the client-credentials grant. Must be called with the
// lock held.
func (m *TokenMinter) refresh(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(m.config.Scopes) > 0 {
		form.Set("scope", strings.Join(m.config.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.config.ClientID, m.config.ClientSecret)

	resp, err := m.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("parsing token response: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	m.token = tok.AccessToken
	if tok.ExpiresIn > 0 {
		m.expiresAt = m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	} else {
		// No expiry reported; refresh every hour.
		m.expiresAt = m.now().Add(time.Hour)
	}

	return nil
}
