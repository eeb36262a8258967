package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures bearer token validation for a resource
// API that trusts the authorization server.
type ValidatorConfig struct {
	Issuer     string
	JWKSURL    string
	Audience   string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Validator verifies RS256 access tokens against the server's
// published key set, caching the JWKS between requests.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client

	mu      sync.RWMutex
	keys    jose.JSONWebKeySet
	expires time.Time
}

// AccessClaims is the validated view of an access token.
type AccessClaims struct {
	Subject   string
	ClientID  string
	Scopes    []string
	TokenID   string
	ExpiresAt time.Time
}

// NewValidator creates a validator. CacheTTL defaults to five minutes;
// the ephemeral signing key means a server restart shows up as a kid
// miss, which forces a refetch.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Validator{cfg: cfg, client: cfg.HTTPClient}
}

// Validate checks signature, issuer, audience and expiry and returns
// the mapped claims.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*AccessClaims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(rawToken, claims, v.keyForToken(ctx))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}
	scope, _ := claims["scope"].(string)
	clientID, _ := claims["client_id"].(string)
	jti, _ := claims["jti"].(string)

	out := &AccessClaims{
		Subject:  sub,
		ClientID: clientID,
		Scopes:   strings.Fields(scope),
		TokenID:  jti,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func (v *Validator) keyForToken(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)

		set, err := v.keySet(ctx, false)
		if err != nil {
			return nil, err
		}
		if key := findKey(set, kid); key != nil {
			return key.Key, nil
		}

		// Unknown kid usually means the server rotated or restarted.
		set, err = v.keySet(ctx, true)
		if err != nil {
			return nil, err
		}
		if key := findKey(set, kid); key != nil {
			return key.Key, nil
		}
		return nil, fmt.Errorf("signing key %q not found", kid)
	}
}

func (v *Validator) keySet(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cached, expires := v.keys, v.expires
	v.mu.RUnlock()

	if !force && cached.Keys != nil && time.Now().Before(expires) {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	v.mu.Lock()
	v.keys = set
	v.expires = time.Now().Add(v.cfg.CacheTTL)
	v.mu.Unlock()
	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

// HasScopes verifies the claims carry every required scope.
func (v *Validator) HasScopes(claims *AccessClaims, required ...string) error {
	have := make(map[string]struct{}, len(claims.Scopes))
	for _, sc := range claims.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

type claimsKey struct{}

// RequireAuth is chi-compatible middleware that validates the bearer
// token and attaches the claims to the request context.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*AccessClaims)
	return claims, ok
}
