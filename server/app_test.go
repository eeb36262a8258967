package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// newTestApp starts a full application behind an httptest server. The
// issuer is only known once the listener is up, so the handler is
// installed through an indirection.
func newTestApp(t *testing.T, modify func(*Config)) (*App, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Server.PublicURL = srv.URL
	cfg.Server.DevMode = true
	cfg.Clients = []ClientConfig{{
		ClientID: "spa",
		RedirectURIs: []string{
			"http://client.test/auth-callback",
			"http://client.test/silentrefresh",
		},
		PostLogoutRedirectURIs: []string{"http://client.test/bye"},
		Scopes:                 []string{"openid", "profile"},
	}}
	if modify != nil {
		modify(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	app, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	handler = app.Routes()
	return app, srv
}

// browserClient simulates a browser: cookie jar, no redirect following
// so fragments stay inspectable.
func browserClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// primeCSRFToken performs the priming GET and returns the token for the
// echo header.
func primeCSRFToken(t *testing.T, app *App, client *http.Client, base string) string {
	t.Helper()
	resp, err := client.Get(base + "/api/account/")
	if err != nil {
		t.Fatalf("prime CSRF: %v", err)
	}
	resp.Body.Close()
	token := csrfCookieValue(t, client, base, app.CSRF.CookieName())
	if token == "" {
		t.Fatalf("CSRF cookie not issued")
	}
	return token
}

func parseIDToken(app *App, raw string, claims *IDTokenClaims) (*jwt.Token, error) {
	return jwt.ParseWithClaims(raw, claims, app.Keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u
}

func postJSON(t *testing.T, client *http.Client, url, csrfHeader, csrfToken, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if csrfToken != "" {
		req.Header.Set(csrfHeader, csrfToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}
