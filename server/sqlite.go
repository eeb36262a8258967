package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const accountSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	subject          TEXT PRIMARY KEY,
	email            TEXT NOT NULL UNIQUE,
	password_hash    TEXT NOT NULL,
	failed_attempts  INTEGER NOT NULL DEFAULT 0,
	locked_until     INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);`

// SQLiteIdentityStore persists accounts in a sqlite database.
type SQLiteIdentityStore struct {
	db *sql.DB
}

// NewSQLiteIdentityStore opens (creating if needed) the account database.
func NewSQLiteIdentityStore(path string) (*SQLiteIdentityStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	if _, err := db.Exec(accountSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init account schema: %w", err)
	}
	return &SQLiteIdentityStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteIdentityStore) Close() error { return s.db.Close() }

// CreateAccount registers a new user.
func (s *SQLiteIdentityStore) CreateAccount(ctx context.Context, email, password string) (string, error) {
	if err := validateNewAccount(email, password); err != nil {
		return "", err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}

	subject := newSubject()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (subject, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		subject, strings.ToLower(email), hash, time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", ErrEmailTaken
		}
		return "", fmt.Errorf("insert account: %w", err)
	}
	return subject, nil
}

// VerifyCredentials checks the password and applies the lockout policy.
func (s *SQLiteIdentityStore) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subject, password_hash, failed_attempts, locked_until FROM accounts WHERE email = ?`,
		strings.ToLower(email))

	var subject, hash string
	var failed int
	var lockedUntil int64
	if err := row.Scan(&subject, &hash, &failed, &lockedUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("query account: %w", err)
	}

	now := time.Now()
	if lockedUntil > 0 && now.Before(time.Unix(lockedUntil, 0)) {
		return "", ErrLockedOut
	}

	if err := verifyPassword(password, hash); err != nil {
		failed++
		locked := int64(0)
		if failed >= maxFailedAttempts {
			locked = now.Add(lockoutDuration).Unix()
			failed = 0
		}
		_, uerr := s.db.ExecContext(ctx,
			`UPDATE accounts SET failed_attempts = ?, locked_until = ? WHERE subject = ?`,
			failed, locked, subject)
		if uerr != nil {
			return "", fmt.Errorf("record failed attempt: %w", uerr)
		}
		return "", ErrInvalidCredentials
	}

	if failed != 0 || lockedUntil != 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET failed_attempts = 0, locked_until = 0 WHERE subject = ?`,
			subject); err != nil {
			return "", fmt.Errorf("reset failed attempts: %w", err)
		}
	}
	return subject, nil
}

// OpenIdentityStore builds the configured IdentityStore implementation.
func OpenIdentityStore(cfg IdentityConfig) (IdentityStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteIdentityStore(cfg.Path)
	case "memory", "":
		return NewMemoryIdentityStore(), nil
	default:
		return nil, fmt.Errorf("unknown identity driver %q", cfg.Driver)
	}
}
