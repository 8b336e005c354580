package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(captured **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = IdentityFromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_InjectsIdentity(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{Subject: "alice"}}},
		},
	}

	var got *Identity
	handler := Middleware(chain, nil, nil)(okHandler(&got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/chat", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.Subject != "alice" {
		t.Errorf("identity not injected: %+v", got)
	}
}

func TestMiddleware_RejectsNo(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: No, Err: ErrUnauthenticated}},
		},
	}
	handler := Middleware(chain, nil, nil)(okHandler(nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/chat", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_RejectsEmptySubject(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{}}},
		},
	}
	handler := Middleware(chain, nil, nil)(okHandler(nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/chat", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMiddleware_Bypass(t *testing.T) {
	chain := &AuthChain{DefaultDecision: No}
	handler := Middleware(chain, nil, DefaultBypassEndpoints)(okHandler(nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("bypassed endpoint rejected: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/chat", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("non-bypassed endpoint allowed: status = %d", rec.Code)
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{Subject: "alice"}}},
		},
	}
	handler := Middleware(chain, NewInProcessLimiter(1), nil)(okHandler(nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/chat", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request rejected: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/chat", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

// limiterFunc adapts a function to the RateLimiter interface.
type limiterFunc func(ctx context.Context, id *Identity) error

func (f limiterFunc) Allow(ctx context.Context, id *Identity) error { return f(ctx, id) }

func TestMiddleware_LimiterSeesIdentity(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{Subject: "carol"}}},
		},
	}
	var seen string
	limiter := limiterFunc(func(_ context.Context, id *Identity) error {
		seen = id.Subject
		return nil
	})
	handler := Middleware(chain, limiter, nil)(okHandler(nil))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/chat", nil))
	if seen != "carol" {
		t.Errorf("limiter saw subject %q, want carol", seen)
	}
}
