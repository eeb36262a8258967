package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://127.0.0.1:5000
  dev_mode: true
clients:
  - client_id: spa
    redirect_uris: ["http://127.0.0.1:3000/auth-callback"]
    scopes: ["openid", "profile"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SPAIDP_SERVER_PUBLIC_URL", "https://id.example.com")
	t.Setenv("SPAIDP_TOKENS_ACCESS_TTL", "2m")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://id.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Tokens.AccessTTL != 2*time.Minute {
		t.Fatalf("AccessTTL override mismatch, got %s", cfg.Tokens.AccessTTL)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://127.0.0.1:5000
  no_such_field: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown config field")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Tokens.AccessTTL != 100*time.Second {
		t.Fatalf("default access TTL mismatch, got %s", cfg.Tokens.AccessTTL)
	}
	if cfg.CSRF.CookieName != "XSRF-TOKEN" || cfg.CSRF.HeaderName != "X-XSRF-TOKEN" {
		t.Fatalf("default CSRF names mismatch: %q / %q", cfg.CSRF.CookieName, cfg.CSRF.HeaderName)
	}
}

func TestConfigValidateRequiresClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when no clients configured")
	}
}

func TestConfigValidateRejectsRelativeRedirect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = []ClientConfig{{
		ClientID:     "spa",
		RedirectURIs: []string{"/auth-callback"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for relative redirect_uri")
	}
}

func TestConfigValidateRejectsUnknownIdentityDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = []ClientConfig{{
		ClientID:     "spa",
		RedirectURIs: []string{"http://127.0.0.1:3000/auth-callback"},
	}}
	cfg.Identity.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown identity driver")
	}
}

func TestInferCORSOriginsDeduplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ClientOrigins = []string{"http://app.test"}
	cfg.Clients = []ClientConfig{{
		ClientID: "spa",
		RedirectURIs: []string{
			"http://127.0.0.1:3000/auth-callback",
			"http://127.0.0.1:3000/silentrefresh",
		},
		PostLogoutRedirectURIs: []string{"http://app.test/bye"},
	}}

	origins := cfg.InferCORSOrigins()
	want := []string{"http://app.test", "http://127.0.0.1:3000"}
	if len(origins) != len(want) {
		t.Fatalf("unexpected origins: %v", origins)
	}
	for i := range want {
		if origins[i] != want[i] {
			t.Fatalf("origin %d mismatch: got %q want %q", i, origins[i], want[i])
		}
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if !parseBool("YES", false) {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) {
		t.Fatalf("expected false for zero")
	}
	if !parseBool("garbage", true) {
		t.Fatalf("invalid input should return fallback")
	}
}
