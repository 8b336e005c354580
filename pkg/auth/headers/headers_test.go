package headers

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/parley-chat/parley/pkg/auth"
)

func TestAuthenticate_FullHeaders(t *testing.T) {
	a := New(Config{})
	r := httptest.NewRequest("POST", "/chat", nil)
	r.Header.Set(DefaultUserHeader, "alice")
	r.Header.Set(DefaultEmailHeader, "alice@example.com")
	r.Header.Set(DefaultNameHeader, "Alice A")

	result := a.Authenticate(context.Background(), r)
	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %v, want Yes", result.Decision)
	}
	if result.Identity.Subject != "alice" {
		t.Errorf("Subject = %q", result.Identity.Subject)
	}
	if result.Identity.Email != "alice@example.com" {
		t.Errorf("Email = %q", result.Identity.Email)
	}
	if result.Identity.DisplayName != "Alice A" {
		t.Errorf("DisplayName = %q", result.Identity.DisplayName)
	}
}

func TestAuthenticate_EmailOnly(t *testing.T) {
	a := New(Config{})
	r := httptest.NewRequest("POST", "/chat", nil)
	r.Header.Set(DefaultEmailHeader, "bob@example.com")

	result := a.Authenticate(context.Background(), r)
	if result.Decision != auth.Yes {
		t.Fatalf("Decision = %v, want Yes", result.Decision)
	}
	if result.Identity.Subject != "bob@example.com" {
		t.Errorf("email should double as subject, got %q", result.Identity.Subject)
	}
}

func TestAuthenticate_NoHeaders(t *testing.T) {
	a := New(Config{})
	result := a.Authenticate(context.Background(), httptest.NewRequest("POST", "/chat", nil))
	if result.Decision != auth.Abstain {
		t.Errorf("Decision = %v, want Abstain", result.Decision)
	}
}

func TestAuthenticate_CustomHeaders(t *testing.T) {
	a := New(Config{UserHeader: "X-Auth-User"})
	r := httptest.NewRequest("POST", "/chat", nil)
	r.Header.Set("X-Auth-User", "carol")

	result := a.Authenticate(context.Background(), r)
	if result.Decision != auth.Yes || result.Identity.Subject != "carol" {
		t.Errorf("custom header not honored: %+v", result)
	}
}
