package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// AccessTokenClaims captures the JWT claims minted into access tokens.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// IDTokenClaims captures the OpenID Connect identity token claims.
type IDTokenClaims struct {
	Nonce    string `json:"nonce,omitempty"`
	Email    string `json:"email,omitempty"`
	AuthTime int64  `json:"auth_time"`
	jwt.RegisteredClaims
}

// TokenSet is the product of one successful authorization: the tokens
// delivered to the client in the redirect fragment.
type TokenSet struct {
	AccessToken string
	IDToken     string
	TokenType   string
	ExpiresIn   int64
	Scope       string
}

// IssueRequest carries the validated inputs for token minting.
type IssueRequest struct {
	Subject  string
	Email    string
	ClientID string
	Scope    string
	Audience string
	Nonce    string
	AuthTime time.Time
}

// TokenService mints and validates tokens signed with the process key.
type TokenService struct {
	issuer     string
	accessTTL  time.Duration
	audDefault string
	keys       *SigningKeys
	logger     *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, keys *SigningKeys, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:     strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		accessTTL:  cfg.Tokens.AccessTTL,
		audDefault: cfg.Tokens.AudienceDefault,
		keys:       keys,
		logger:     logger,
	}
}

// Issue mints a fresh access token and identity token bound to the
// subject, client, scopes, and audience. Token values are never reused:
// every call produces new jti identifiers. Fails closed when the signing
// key is unavailable.
func (ts *TokenService) Issue(req IssueRequest) (TokenSet, error) {
	now := time.Now()
	expiresAt := now.Add(ts.accessTTL)

	audience := req.Audience
	if audience == "" {
		audience = ts.audDefault
	}

	access := AccessTokenClaims{
		Scope:    req.Scope,
		ClientID: req.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        newTokenID(),
		},
	}
	accessToken, err := ts.keys.Sign(access)
	if err != nil {
		return TokenSet{}, fmt.Errorf("sign access token: %w", err)
	}

	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	identity := IDTokenClaims{
		Nonce:    req.Nonce,
		Email:    req.Email,
		AuthTime: authTime.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        newTokenID(),
		},
	}
	idToken, err := ts.keys.Sign(identity)
	if err != nil {
		return TokenSet{}, fmt.Errorf("sign id token: %w", err)
	}

	return TokenSet{
		AccessToken: accessToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       req.Scope,
	}, nil
}

// ValidateAccessToken parses and validates a minted access token JWT.
func (ts *TokenService) ValidateAccessToken(token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
	}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.keys.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// AccessTTL reports the configured access token lifetime.
func (ts *TokenService) AccessTTL() time.Duration {
	return ts.accessTTL
}

func newTokenID() string {
	return strings.ToLower(ulid.Make().String())
}
