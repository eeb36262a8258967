package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Tokens   *TokenService
	Keys     *SigningKeys
	Clients  *ClientRegistry
	CSRF     *CSRFGuard
	Identity IdentityStore
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()

	keys, err := NewSigningKeys(cfg.Tokens, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}

	identity, err := OpenIdentityStore(cfg.Identity)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		Tokens:   NewTokenService(cfg, keys, logger),
		Keys:     keys,
		Clients:  clients,
		CSRF:     NewCSRFGuard(cfg, store, logger),
		Identity: identity,
	}, nil
}

// Close releases backing resources.
func (a *App) Close() error {
	return a.Identity.Close()
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Keys.PublicJWKS())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
