package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

// credentialsBinding is the request body shared by login and register.
type credentialsBinding struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin verifies credentials against the identity store and
// establishes the authentication cookie the authorization endpoint
// relies on. Failures surface the store's message verbatim as a
// plain-text 400 body for the client to display.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var binding credentialsBinding
	if err := json.NewDecoder(r.Body).Decode(&binding); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	subject, err := a.Identity.VerifyCredentials(r.Context(), binding.Email, binding.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrLockedOut) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.Logger.Error("verify credentials", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	a.Sessions.Create(w, subject, binding.Email)
	a.Logger.Info("user logged in", "sub", subject)
	w.WriteHeader(http.StatusOK)
}

// handleRegister creates an account and signs the new user in, matching
// the login cookie contract.
func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var binding credentialsBinding
	if err := json.NewDecoder(r.Body).Decode(&binding); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	subject, err := a.Identity.CreateAccount(r.Context(), binding.Email, binding.Password)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) || errors.Is(err, ErrInvalidEmail) || errors.Is(err, ErrWeakPassword) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.Logger.Error("create account", "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	a.Sessions.Create(w, subject, binding.Email)
	a.Logger.Info("user registered", "sub", subject)
	w.WriteHeader(http.StatusCreated)
}

// handleAccountLogout invalidates the server-side session and expires
// the cookie.
func (a *App) handleAccountLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleUsername is a bearer-protected resource echoing the token
// subject. It exists so a deployment can smoke-test the full chain:
// cookie login, token issuance, bearer validation.
func (a *App) handleUsername(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := a.Tokens.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(claims.Subject))
}
