package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"spaidp/server"
)

func newValidatorFixture(t *testing.T) (*server.App, *httptest.Server, *Validator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := server.DefaultConfig()
	cfg.Server.PublicURL = srv.URL
	cfg.Clients = []server.ClientConfig{{
		ClientID:     "spa",
		RedirectURIs: []string{"http://app.test/auth-callback"},
		Scopes:       []string{"openid", "profile"},
	}}
	app, err := server.NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	handler = app.Routes()

	v := NewValidator(ValidatorConfig{
		Issuer:   srv.URL,
		JWKSURL:  srv.URL + "/.well-known/jwks.json",
		Audience: "resource-server",
	})
	return app, srv, v
}

func mintToken(t *testing.T, app *server.App, scope string) string {
	t.Helper()
	set, err := app.Tokens.Issue(server.IssueRequest{
		Subject:  "user-1",
		ClientID: "spa",
		Scope:    scope,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return set.AccessToken
}

func TestValidatorAcceptsServerToken(t *testing.T) {
	app, _, v := newValidatorFixture(t)
	token := mintToken(t, app, "openid profile")

	claims, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.ClientID != "spa" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "openid" {
		t.Fatalf("scopes mismatch: %v", claims.Scopes)
	}
	if claims.TokenID == "" || claims.ExpiresAt.IsZero() {
		t.Fatalf("token metadata missing: %+v", claims)
	}
}

func TestValidatorRejectsWrongAudience(t *testing.T) {
	app, srv, _ := newValidatorFixture(t)
	token := mintToken(t, app, "openid")

	strict := NewValidator(ValidatorConfig{
		Issuer:   srv.URL,
		JWKSURL:  srv.URL + "/.well-known/jwks.json",
		Audience: "some-other-api",
	})
	if _, err := strict.Validate(context.Background(), token); err == nil {
		t.Fatalf("wrong audience accepted")
	}
}

func TestValidatorRejectsGarbage(t *testing.T) {
	_, _, v := newValidatorFixture(t)
	if _, err := v.Validate(context.Background(), "not.a.jwt"); err == nil {
		t.Fatalf("garbage token accepted")
	}
	if _, err := v.Validate(context.Background(), ""); err == nil {
		t.Fatalf("empty token accepted")
	}
}

func TestHasScopes(t *testing.T) {
	v := NewValidator(ValidatorConfig{})
	claims := &AccessClaims{Scopes: []string{"openid", "profile"}}

	if err := v.HasScopes(claims, "openid"); err != nil {
		t.Fatalf("present scope rejected: %v", err)
	}
	if err := v.HasScopes(claims); err != nil {
		t.Fatalf("empty requirement rejected: %v", err)
	}
	if err := v.HasScopes(claims, "admin"); err == nil {
		t.Fatalf("missing scope accepted")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	app, _, v := newValidatorFixture(t)

	protected := RequireAuth(v, "profile")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Errorf("claims missing from context")
		}
		_, _ = w.Write([]byte(claims.Subject))
	}))
	api := httptest.NewServer(protected)
	t.Cleanup(api.Close)

	// No token.
	resp, err := http.Get(api.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d want 401", resp.StatusCode)
	}

	// Valid token with the required scope.
	req, _ := http.NewRequest(http.MethodGet, api.URL, nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, app, "openid profile"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "user-1" {
		t.Fatalf("valid token: got %d %q", resp.StatusCode, body)
	}

	// Valid token missing the required scope.
	req, _ = http.NewRequest(http.MethodGet, api.URL, nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, app, "openid"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing scope: got %d want 403", resp.StatusCode)
	}
}
