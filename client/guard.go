package client

import (
	"context"
	"net/url"
)

// GuardDecision is the outcome of a route guard check. When Allowed is
// false, RedirectURL points at the login page with the attempted route
// preserved as returnUrl.
type GuardDecision struct {
	Allowed     bool
	RedirectURL string
}

// Guard protects a route: an unexpired session passes immediately,
// otherwise one silent renewal is attempted before denying. Denials
// carry the login redirect so the user lands back on the attempted
// route after signing in.
func (m *Manager) Guard(ctx context.Context, route string) GuardDecision {
	if m.IsLoggedIn() {
		return GuardDecision{Allowed: true}
	}
	if _, err := m.StartAuthentication(ctx); err == nil {
		return GuardDecision{Allowed: true}
	}
	q := url.Values{}
	q.Set("returnUrl", route)
	return GuardDecision{RedirectURL: "/login?" + q.Encode()}
}
