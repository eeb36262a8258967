package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrSigningUnavailable reports that no signing key is loaded. The server
// refuses to issue tokens rather than issue unsigned ones.
var ErrSigningUnavailable = errors.New("signing key unavailable")

// SigningKeys holds the process signing key and its JWKS exposure.
//
// The key is generated once at startup and never mutated afterwards, so
// it is safe for unlimited concurrent readers. By default the key is
// ephemeral: a restart discards it and invalidates every previously
// issued token.
type SigningKeys struct {
	key *rsa.PrivateKey
	jwk jose.JSONWebKey
	kid string
}

// NewSigningKeys loads the persisted key set when a path is configured,
// otherwise generates a fresh ephemeral key.
func NewSigningKeys(cfg TokenConfig, logger *slog.Logger) (*SigningKeys, error) {
	if cfg.PersistPath != "" {
		sk, err := loadSigningKeys(cfg.PersistPath)
		if err == nil {
			logger.Info("signing key loaded", "kid", sk.kid, "path", cfg.PersistPath)
			return sk, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	kid := randomKID()
	sk := &SigningKeys{
		key: key,
		jwk: jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
		kid: kid,
	}

	if cfg.PersistPath != "" {
		if err := sk.persist(cfg.PersistPath); err != nil {
			return nil, err
		}
		logger.Info("signing key generated and persisted", "kid", kid, "path", cfg.PersistPath)
	} else {
		logger.Info("ephemeral signing key generated", "kid", kid)
	}
	return sk, nil
}

// Sign signs claims with the process key. Fails closed when no key is
// loaded.
func (sk *SigningKeys) Sign(claims jwt.Claims) (string, error) {
	if sk == nil || sk.key == nil {
		return "", ErrSigningUnavailable
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = sk.kid
	return token.SignedString(sk.key)
}

// Keyfunc is used during JWT validation.
func (sk *SigningKeys) Keyfunc(token *jwt.Token) (any, error) {
	if sk == nil || sk.key == nil {
		return nil, ErrSigningUnavailable
	}
	return &sk.key.PublicKey, nil
}

// PublicJWKS exposes the public key for the JWKS endpoint.
func (sk *SigningKeys) PublicJWKS() jose.JSONWebKeySet {
	if sk == nil || sk.key == nil {
		return jose.JSONWebKeySet{}
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{sk.jwk.Public()}}
}

func (sk *SigningKeys) persist(path string) error {
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{sk.jwk}}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func loadSigningKeys(path string) (*SigningKeys, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	for _, jwk := range set.Keys {
		priv, ok := jwk.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		return &SigningKeys{key: priv, jwk: jwk, kid: jwk.KeyID}, nil
	}
	return nil, errors.New("no usable key in persisted set")
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
