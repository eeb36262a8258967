package server

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestRegisterSignsUserIn(t *testing.T) {
	app, srv := newTestApp(t, nil)
	client := browserClient(t)
	token := primeCSRFToken(t, app, client, srv.URL)

	resp := postJSON(t, client, srv.URL+"/api/account/register",
		app.CSRF.HeaderName(), token, `{"email":"user@example.com","password":"hunter22!"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: got %d want 201", resp.StatusCode)
	}

	var gotAuthCookie bool
	for _, c := range client.Jar.Cookies(mustParseURL(t, srv.URL)) {
		if c.Name == DefaultAuthCookieName {
			gotAuthCookie = true
		}
	}
	if !gotAuthCookie {
		t.Fatalf("register did not set the auth cookie")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	app, srv := newTestApp(t, nil)
	client := browserClient(t)
	token := primeCSRFToken(t, app, client, srv.URL)

	resp := postJSON(t, client, srv.URL+"/api/account/register",
		app.CSRF.HeaderName(), token, `{"email":"user@example.com","password":"hunter22!"}`)
	resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/api/account/register",
		app.CSRF.HeaderName(), token, `{"email":"user@example.com","password":"hunter22!"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate register: got %d want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != ErrEmailTaken.Error() {
		t.Fatalf("duplicate register body %q, want store message verbatim", body)
	}
}

func TestLoginWrongPasswordSurfacesMessageVerbatim(t *testing.T) {
	app, srv := newTestApp(t, nil)
	client := browserClient(t)
	token := primeCSRFToken(t, app, client, srv.URL)

	resp := postJSON(t, client, srv.URL+"/api/account/register",
		app.CSRF.HeaderName(), token, `{"email":"user@example.com","password":"hunter22!"}`)
	resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/api/account/login",
		app.CSRF.HeaderName(), token, `{"email":"user@example.com","password":"nope-nope"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad login: got %d want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != ErrInvalidCredentials.Error() {
		t.Fatalf("bad login body %q, want %q", body, ErrInvalidCredentials.Error())
	}
}

func TestLoginWithoutCSRFHeaderRejected(t *testing.T) {
	app, srv := newTestApp(t, nil)
	client := browserClient(t)
	primeCSRFToken(t, app, client, srv.URL)

	resp := postJSON(t, client, srv.URL+"/api/account/login",
		app.CSRF.HeaderName(), "", `{"email":"user@example.com","password":"hunter22!"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("login without CSRF header: got %d want 403", resp.StatusCode)
	}
}

func TestAccountLogoutClearsSession(t *testing.T) {
	app, srv := newTestApp(t, nil)
	client := browserClient(t)
	token := primeCSRFToken(t, app, client, srv.URL)

	resp := postJSON(t, client, srv.URL+"/api/account/register",
		app.CSRF.HeaderName(), token, `{"email":"user@example.com","password":"hunter22!"}`)
	resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/api/account/logout", app.CSRF.HeaderName(), token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: got %d want 204", resp.StatusCode)
	}

	// The authorization endpoint no longer sees an authenticated browser.
	resp, err := client.Get(srv.URL + "/connect/authorize?client_id=spa&redirect_uri=http://client.test/silentrefresh&response_type=id_token%20token&scope=openid&prompt=none")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp.Body.Close()
	loc := resp.Header.Get("Location")
	if !strings.Contains(loc, "error=login_required") {
		t.Fatalf("expected login_required after logout, got %q", loc)
	}
}

func TestUsernameRequiresValidBearer(t *testing.T) {
	app, srv := newTestApp(t, nil)
	client := browserClient(t)

	resp, err := client.Get(srv.URL + "/api/account/username")
	if err != nil {
		t.Fatalf("GET username: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated username: got %d want 401", resp.StatusCode)
	}

	set, err := app.Tokens.Issue(IssueRequest{Subject: "user-1", ClientID: "spa", Scope: "openid"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/account/username", nil)
	req.Header.Set("Authorization", "Bearer "+set.AccessToken)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("GET username: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer username: got %d want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "user-1" {
		t.Fatalf("username body %q, want subject", body)
	}
}

func TestLoginRateLimited(t *testing.T) {
	app, srv := newTestApp(t, nil)
	client := browserClient(t)
	token := primeCSRFToken(t, app, client, srv.URL)

	var last int
	for i := 0; i < credentialBurst+1; i++ {
		resp := postJSON(t, client, srv.URL+"/api/account/login",
			app.CSRF.HeaderName(), token, `{"email":"nobody@example.com","password":"whatever1"}`)
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting burst, got %d", last)
	}
}
