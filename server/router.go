package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. The CSRF guard wraps only the
// account API: the authorization and discovery endpoints are safe GETs
// navigated to by the browser, and bearer-protected resources carry
// their own proof.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.InferCORSOrigins(), a.CSRF.HeaderName()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/connect/authorize", a.handleAuthorize)
	r.Get("/connect/logout", a.handleEndSession)

	r.Route("/api/account", func(r chi.Router) {
		r.Use(a.CSRF.Middleware)
		r.Get("/", a.handlePing)
		r.With(RateLimitMiddleware(credentialRate, credentialBurst)).Post("/login", a.handleLogin)
		r.With(RateLimitMiddleware(credentialRate, credentialBurst)).Post("/register", a.handleRegister)
		r.Post("/logout", a.handleAccountLogout)
		r.Get("/username", a.handleUsername)
	})

	return r
}

// handlePing lets clients prime the CSRF cookie pair with a cheap GET.
func (a *App) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("it works"))
}
