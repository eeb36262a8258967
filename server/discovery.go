package server

import (
	"net/http"
	"strings"
)

// BuildDiscoveryDocument assembles the OpenID Connect provider metadata.
func BuildDiscoveryDocument(cfg Config) map[string]any {
	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	return map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/connect/authorize",
		"end_session_endpoint":                  issuer + "/connect/logout",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{ResponseTypeIDTokenToken, ResponseTypeIDToken},
		"response_modes_supported":              []string{"fragment"},
		"grant_types_supported":                 []string{"implicit"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
	}
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}
