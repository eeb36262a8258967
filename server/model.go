package server

import "time"

// Session captures a logged-in browser session bound to the auth cookie.
type Session struct {
	ID        string
	Subject   string
	Email     string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// Authenticated reports whether the session is usable at the given time.
func (s Session) Authenticated(now time.Time) bool {
	return s.Subject != "" && now.Before(s.ExpiresAt)
}

// Client records registered client application metadata. Immutable after
// registry construction.
type Client struct {
	ClientID               string
	DisplayName            string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Scopes                 []string
	ResponseTypes          []string
}

// CSRFPair is the server-held half of the double-submit contract: the
// cookie value handed to the browser and the value expected back in the
// request header.
type CSRFPair struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Account is a stored user credential record.
type Account struct {
	Subject        string
	Email          string
	PasswordHash   string
	FailedAttempts int
	LockedUntil    time.Time
	CreatedAt      time.Time
}
