package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"
)

// csrfBrowserCookie is the HttpOnly cookie binding a browser to its
// server-held CSRF pair. Separate from the auth cookie so anonymous
// visitors (login and register forms) are covered too.
const csrfBrowserCookie = "csrf_session"

// CSRFGuard implements the double-submit-cookie defense: the token is
// set in a script-readable cookie and must be echoed back in a request
// header on every state-changing call. A cross-origin page can make the
// browser send the cookie but cannot read its value to build the
// matching header.
type CSRFGuard struct {
	store      *InMemoryStore
	logger     *slog.Logger
	cookieName string
	headerName string
	ttl        time.Duration
	secure     bool
	sameSite   http.SameSite
	domain     string
}

// NewCSRFGuard constructs the guard from config.
func NewCSRFGuard(cfg Config, store *InMemoryStore, logger *slog.Logger) *CSRFGuard {
	sameSite := http.SameSiteNoneMode
	secure := true
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
		secure = false
	}
	return &CSRFGuard{
		store:      store,
		logger:     logger,
		cookieName: cfg.CSRF.CookieName,
		headerName: cfg.CSRF.HeaderName,
		ttl:        cfg.CSRF.TTL,
		secure:     secure,
		sameSite:   sameSite,
		domain:     cfg.Server.CookieDomain,
	}
}

// HeaderName reports the header clients must echo the cookie into.
func (g *CSRFGuard) HeaderName() string { return g.headerName }

// CookieName reports the script-readable cookie carrying the token.
func (g *CSRFGuard) CookieName() string { return g.cookieName }

// Middleware issues a fresh pair on safe requests and verifies the pair
// on state-changing ones. Verification runs before any business logic.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			g.IssueOnResponse(w, r)
			next.ServeHTTP(w, r)
		default:
			if !g.Verify(r) {
				writeJSONStatus(w, http.StatusForbidden, map[string]string{
					"error":             "csrf_validation_failed",
					"error_description": "missing or mismatched anti-forgery token",
				})
				return
			}
			next.ServeHTTP(w, r)
		}
	})
}

// IssueOnResponse mints a pair when the browser has none (or an expired
// one) and rotates it opportunistically on safe requests. The token
// cookie is deliberately not HttpOnly: client script must read it to
// echo the header half of the pair.
func (g *CSRFGuard) IssueOnResponse(w http.ResponseWriter, r *http.Request) {
	browserID := g.browserID(w, r)

	value := randomToken()
	now := time.Now()
	g.store.SaveCSRFPair(browserID, CSRFPair{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	})

	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   g.domain,
		HttpOnly: false,
		Secure:   g.secure,
		SameSite: g.sameSite,
		MaxAge:   int(g.ttl.Seconds()),
	})
}

// Verify checks a state-changing request: the configured header must be
// present, equal to the request's own token cookie, and equal to the
// most recently completed issuance for that browser.
func (g *CSRFGuard) Verify(r *http.Request) bool {
	header := r.Header.Get(g.headerName)
	if header == "" {
		return false
	}

	cookie, err := r.Cookie(g.cookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return false
	}

	browser, err := r.Cookie(csrfBrowserCookie)
	if err != nil || browser.Value == "" {
		return false
	}
	pair, ok := g.store.GetCSRFPair(browser.Value)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(pair.Value)) == 1
}

func (g *CSRFGuard) browserID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(csrfBrowserCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	id := g.store.NewID()
	http.SetCookie(w, &http.Cookie{
		Name:     csrfBrowserCookie,
		Value:    id,
		Path:     "/",
		Domain:   g.domain,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: g.sameSite,
	})
	return id
}

func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().String()))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
