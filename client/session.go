// Package client implements the browser-side half of the implicit flow:
// a session lifecycle manager that obtains tokens through silent
// renewal, guards protected routes, and echoes the anti-forgery header
// on state-changing calls.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// State enumerates the session lifecycle.
type State int

const (
	StateNoSession State = iota
	StateAuthenticating
	StateActive
	StateRenewing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateRenewing:
		return "renewing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ErrRenewalFailed reports that silent renewal could not establish a
// session; the caller should fall back to interactive login.
var ErrRenewalFailed = errors.New("silent renewal failed")

// CredentialError carries the server-reported login failure verbatim
// for display.
type CredentialError struct {
	Message string
}

func (e *CredentialError) Error() string { return e.Message }

// Config configures the session manager.
type Config struct {
	// Authority is the authorization server base URL.
	Authority string
	ClientID  string
	// RedirectURI receives interactive sign-in fragments;
	// SilentRedirectURI receives silent-renewal fragments. Both must be
	// registered with the server.
	RedirectURI           string
	SilentRedirectURI     string
	PostLogoutRedirectURI string
	Scopes                []string
	// SafetyMargin is subtracted from token expiry when scheduling the
	// next renewal.
	SafetyMargin   time.Duration
	CSRFCookieName string
	CSRFHeaderName string
	HTTPTransport  http.RoundTripper
	Logger         *slog.Logger
}

// Manager owns the in-memory token set and its renewal schedule. It is
// the only holder of the tokens: nothing is persisted, so a process
// restart requires re-authentication or silent renewal.
type Manager struct {
	cfg      Config
	http     *http.Client
	jar      http.CookieJar
	verifier *oidc.IDTokenVerifier

	mu         sync.Mutex
	state      State
	token      *oauth2.Token
	subject    string
	email      string
	renewTimer *time.Timer
	inflight   *renewal
}

// renewal is the single-flight slot shared by concurrent
// StartAuthentication callers: one underlying attempt, one fanned-out
// result.
type renewal struct {
	done  chan struct{}
	token *oauth2.Token
	err   error
}

// NewManager constructs a Manager with its own cookie jar and CSRF
// echoing transport.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Authority == "" || cfg.ClientID == "" {
		return nil, errors.New("authority and client_id are required")
	}
	cfg.Authority = strings.TrimSuffix(cfg.Authority, "/")
	if cfg.SilentRedirectURI == "" {
		cfg.SilentRedirectURI = cfg.RedirectURI
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 10 * time.Second
	}
	if cfg.CSRFCookieName == "" {
		cfg.CSRFCookieName = "XSRF-TOKEN"
	}
	if cfg.CSRFHeaderName == "" {
		cfg.CSRFHeaderName = "X-XSRF-TOKEN"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile"}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	base := cfg.HTTPTransport
	if base == nil {
		base = http.DefaultTransport
	}

	m := &Manager{cfg: cfg, jar: jar, state: StateNoSession}
	m.http = &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
		Transport: &csrfTransport{
			base:       base,
			jar:        jar,
			authority:  cfg.Authority,
			cookieName: cfg.CSRFCookieName,
			headerName: cfg.CSRFHeaderName,
		},
	}

	keySet := oidc.NewRemoteKeySet(
		oidc.ClientContext(context.Background(), m.http),
		cfg.Authority+"/.well-known/jwks.json",
	)
	m.verifier = oidc.NewVerifier(cfg.Authority, keySet, &oidc.Config{ClientID: cfg.ClientID})

	return m, nil
}

// IsLoggedIn reports whether a token set is held and unexpired. Pure:
// it never performs I/O. Callers needing a guaranteed-fresh session
// must use StartAuthentication.
func (m *Manager) IsLoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != nil && time.Now().Before(m.token.Expiry)
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subject returns the authenticated subject, empty when logged out.
func (m *Manager) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subject
}

// AuthorizationHeaderValue formats the held access token for the
// Authorization header, empty when no valid token is held.
func (m *Manager) AuthorizationHeaderValue() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || !time.Now().Before(m.token.Expiry) {
		return ""
	}
	return m.token.Type() + " " + m.token.AccessToken
}

// Token returns the held token set, nil when none.
func (m *Manager) Token() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// HTTPClient exposes the cookie-carrying, CSRF-echoing client so
// application code shares the manager's browser state.
func (m *Manager) HTTPClient() *http.Client { return m.http }

// StartAuthentication resolves immediately when a valid session is
// held, otherwise attempts one silent renewal. Concurrent callers are
// coalesced into a single underlying attempt; every waiter observes the
// same outcome. On failure the manager transitions to Expired and the
// caller should redirect to interactive login.
func (m *Manager) StartAuthentication(ctx context.Context) (*oauth2.Token, error) {
	return m.authenticate(ctx, false)
}

// authenticate is the renewal entry point. force bypasses the
// valid-token short circuit: the renewal timer fires while the current
// token is still briefly valid and must replace it anyway.
func (m *Manager) authenticate(ctx context.Context, force bool) (*oauth2.Token, error) {
	m.mu.Lock()
	if !force && m.token != nil && time.Now().Before(m.token.Expiry) {
		tok := m.token
		m.mu.Unlock()
		return tok, nil
	}

	if m.inflight != nil {
		r := m.inflight
		m.mu.Unlock()
		select {
		case <-r.done:
			return r.token, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r := &renewal{done: make(chan struct{})}
	m.inflight = r
	if m.token == nil {
		m.state = StateAuthenticating
	} else {
		m.state = StateRenewing
	}
	m.mu.Unlock()

	token, subject, email, err := m.renewSilently(ctx)

	m.mu.Lock()
	m.inflight = nil
	if err != nil {
		m.state = StateExpired
		m.token = nil
		m.subject = ""
		m.email = ""
		m.stopRenewTimerLocked()
	} else {
		m.installLocked(token, subject, email)
	}
	m.mu.Unlock()

	r.token = token
	r.err = err
	close(r.done)
	return token, err
}

// renewSilently replays an authorization request with prompt=none over
// the cookie jar, the headless equivalent of the hidden-iframe renewal
// a browser client performs. It reads the fragment off the redirect
// Location without following it.
func (m *Manager) renewSilently(ctx context.Context) (*oauth2.Token, string, string, error) {
	state := randomValue()
	nonce := randomValue()

	authorize, err := url.Parse(m.cfg.Authority + "/connect/authorize")
	if err != nil {
		return nil, "", "", err
	}
	q := url.Values{}
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.SilentRedirectURI)
	q.Set("response_type", "id_token token")
	q.Set("scope", strings.Join(m.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("prompt", "none")
	authorize.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorize.String(), nil)
	if err != nil {
		return nil, "", "", err
	}

	// Stop at the first redirect: the fragment never leaves the browser,
	// so it must be read off the Location header.
	resp, err := m.noRedirectClient().Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusFound {
		return nil, "", "", fmt.Errorf("%w: authorize returned %s", ErrRenewalFailed, resp.Status)
	}
	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, m.cfg.SilentRedirectURI) {
		return nil, "", "", fmt.Errorf("%w: unexpected redirect target", ErrRenewalFailed)
	}

	fragment, err := parseFragment(location)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}
	if code := fragment.Get("error"); code != "" {
		return nil, "", "", fmt.Errorf("%w: %s", ErrRenewalFailed, code)
	}
	if fragment.Get("state") != state {
		return nil, "", "", fmt.Errorf("%w: state mismatch", ErrRenewalFailed)
	}

	return m.tokenFromFragment(ctx, fragment, nonce)
}

// tokenFromFragment validates the id_token (signature, audience, nonce)
// and assembles the in-memory token set.
func (m *Manager) tokenFromFragment(ctx context.Context, fragment url.Values, nonce string) (*oauth2.Token, string, string, error) {
	rawIDToken := fragment.Get("id_token")
	if rawIDToken == "" {
		return nil, "", "", fmt.Errorf("%w: no id_token in fragment", ErrRenewalFailed)
	}

	idToken, err := m.verifier.Verify(oidc.ClientContext(ctx, m.http), rawIDToken)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: id_token verification: %v", ErrRenewalFailed, err)
	}
	if idToken.Nonce != nonce {
		return nil, "", "", fmt.Errorf("%w: nonce mismatch", ErrRenewalFailed)
	}

	var claims struct {
		Email string `json:"email"`
	}
	_ = idToken.Claims(&claims)

	expiresIn, err := strconv.ParseInt(fragment.Get("expires_in"), 10, 64)
	if err != nil || expiresIn <= 0 {
		return nil, "", "", fmt.Errorf("%w: invalid expires_in", ErrRenewalFailed)
	}

	token := (&oauth2.Token{
		AccessToken: fragment.Get("access_token"),
		TokenType:   fragment.Get("token_type"),
		Expiry:      time.Now().Add(time.Duration(expiresIn) * time.Second),
	}).WithExtra(map[string]any{
		"id_token": rawIDToken,
		"scope":    fragment.Get("scope"),
	})

	return token, idToken.Subject, claims.Email, nil
}

// installLocked stores a fresh token set and atomically rearms the
// renewal timer at expiry minus the safety margin. Caller holds m.mu.
func (m *Manager) installLocked(token *oauth2.Token, subject, email string) {
	m.token = token
	m.subject = subject
	m.email = email
	m.state = StateActive

	m.stopRenewTimerLocked()
	wait := time.Until(token.Expiry) - m.cfg.SafetyMargin
	if wait < 0 {
		wait = 0
	}
	m.renewTimer = time.AfterFunc(wait, func() {
		m.cfg.Logger.Debug("renewal timer fired")
		if _, err := m.authenticate(context.Background(), true); err != nil {
			m.cfg.Logger.Warn("automatic renewal failed", "error", err)
		}
	})
	m.cfg.Logger.Debug("token installed", "sub", subject, "renew_in", wait.String())
}

func (m *Manager) stopRenewTimerLocked() {
	if m.renewTimer != nil {
		m.renewTimer.Stop()
		m.renewTimer = nil
	}
}

// Login delegates credential verification to the account API, then
// immediately starts authentication to obtain tokens. Server-reported
// failures surface verbatim as a CredentialError.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	if err := m.primeCSRF(ctx); err != nil {
		return err
	}
	if err := m.postCredentials(ctx, "/api/account/login", email, password, http.StatusOK); err != nil {
		return err
	}
	_, err := m.StartAuthentication(ctx)
	return err
}

// Register creates an account, which also signs the user in, then
// starts authentication.
func (m *Manager) Register(ctx context.Context, email, password string) error {
	if err := m.primeCSRF(ctx); err != nil {
		return err
	}
	if err := m.postCredentials(ctx, "/api/account/register", email, password, http.StatusCreated); err != nil {
		return err
	}
	_, err := m.StartAuthentication(ctx)
	return err
}

// Logout discards the held token set before any network round trip so
// no other code on the page can keep using stale tokens, then
// invalidates the server session and performs the provider's
// redirect-based sign-out.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.token = nil
	m.subject = ""
	m.email = ""
	m.state = StateNoSession
	m.stopRenewTimerLocked()
	m.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Authority+"/api/account/logout", nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	drain(resp)

	endSession, err := url.Parse(m.cfg.Authority + "/connect/logout")
	if err != nil {
		return err
	}
	if m.cfg.PostLogoutRedirectURI != "" {
		q := url.Values{}
		q.Set("client_id", m.cfg.ClientID)
		q.Set("post_logout_redirect_uri", m.cfg.PostLogoutRedirectURI)
		endSession.RawQuery = q.Encode()
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endSession.String(), nil)
	if err != nil {
		return err
	}
	// Browsers navigate to the post-logout page; here the redirect is
	// acknowledged without being followed.
	resp, err = m.noRedirectClient().Do(req)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// primeCSRF performs a safe GET so the server issues the anti-forgery
// cookie pair before the first mutating call.
func (m *Manager) primeCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Authority+"/api/account/", nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (m *Manager) postCredentials(ctx context.Context, path, email, password string, wantStatus int) error {
	body := fmt.Sprintf(`{"email":%q,"password":%q}`, email, password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Authority+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == wantStatus {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusBadRequest {
		return &CredentialError{Message: strings.TrimSpace(string(msg))}
	}
	return fmt.Errorf("%s returned %s", path, resp.Status)
}

// noRedirectClient shares the manager's jar and transport but stops at
// redirects so their Location headers stay inspectable.
func (m *Manager) noRedirectClient() *http.Client {
	return &http.Client{
		Jar:       m.jar,
		Transport: m.http.Transport,
		Timeout:   m.http.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// parseFragment query-decodes the raw fragment of a redirect target.
func parseFragment(location string) (url.Values, error) {
	_, frag, ok := strings.Cut(location, "#")
	if !ok {
		return nil, errors.New("no fragment in redirect")
	}
	return url.ParseQuery(frag)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func randomValue() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(buf)
}
