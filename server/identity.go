package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/argon2"
)

// Identity store failure modes surfaced to the account API.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrLockedOut          = errors.New("account temporarily locked, try again later")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrInvalidEmail       = errors.New("a valid email address is required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// Lockout policy: consecutive failures before lockout and its duration.
const (
	maxFailedAttempts = 5
	lockoutDuration   = 5 * time.Minute
)

// IdentityStore verifies and creates user credentials. The authorization
// server itself never touches it; only the account API does.
type IdentityStore interface {
	// VerifyCredentials returns the subject on success, or
	// ErrInvalidCredentials / ErrLockedOut.
	VerifyCredentials(ctx context.Context, email, password string) (string, error)
	// CreateAccount registers a new user and returns the subject, or a
	// validation error.
	CreateAccount(ctx context.Context, email, password string) (string, error)
	Close() error
}

func validateNewAccount(email, password string) error {
	if !strings.Contains(email, "@") || strings.TrimSpace(email) != email || email == "" {
		return ErrInvalidEmail
	}
	if len(password) < 8 {
		return ErrWeakPassword
	}
	return nil
}

func newSubject() string {
	return strings.ToLower(ulid.Make().String())
}

// MemoryIdentityStore is a map-backed IdentityStore for dev mode and
// tests.
type MemoryIdentityStore struct {
	mu       sync.Mutex
	accounts map[string]*Account // keyed by lowercased email
}

// NewMemoryIdentityStore constructs an empty store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{accounts: make(map[string]*Account)}
}

// CreateAccount registers a new user.
func (m *MemoryIdentityStore) CreateAccount(ctx context.Context, email, password string) (string, error) {
	if err := validateNewAccount(email, password); err != nil {
		return "", err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if _, exists := m.accounts[key]; exists {
		return "", ErrEmailTaken
	}
	acct := &Account{
		Subject:      newSubject(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	m.accounts[key] = acct
	return acct.Subject, nil
}

// VerifyCredentials checks the password and applies the lockout policy.
func (m *MemoryIdentityStore) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[strings.ToLower(email)]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if time.Now().Before(acct.LockedUntil) {
		return "", ErrLockedOut
	}

	if err := verifyPassword(password, acct.PasswordHash); err != nil {
		acct.FailedAttempts++
		if acct.FailedAttempts >= maxFailedAttempts {
			acct.LockedUntil = time.Now().Add(lockoutDuration)
			acct.FailedAttempts = 0
		}
		return "", ErrInvalidCredentials
	}

	acct.FailedAttempts = 0
	acct.LockedUntil = time.Time{}
	return acct.Subject, nil
}

// Close is a no-op for the memory store.
func (m *MemoryIdentityStore) Close() error { return nil }

// Argon2id parameters for password hashing.
const (
	argonIterations  = 3
	argonMemory      = 64 * 1024
	argonParallelism = 2
	argonSaltLength  = 16
	argonKeyLength   = 32
)

// hashPassword generates a PHC-format Argon2id hash string including
// salt and parameters.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyPassword compares a plaintext password against a PHC-style
// Argon2id hash in constant time.
func verifyPassword(password, encodedHash string) error {
	parts := strings.Split(encodedHash, "$")
	// ["", "argon2id", "v=19", "m=X,t=Y,p=Z", salt, hash]
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v=19" {
		return errors.New("invalid hash format")
	}

	var mem, iters uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return fmt.Errorf("invalid hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("invalid hash salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("invalid hash value: %w", err)
	}

	computed := argon2.IDKey([]byte(password), salt, iters, mem, par, uint32(len(expected)))
	if subtle.ConstantTimeCompare(computed, expected) != 1 {
		return errors.New("password does not match")
	}
	return nil
}
