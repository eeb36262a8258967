package server

import (
	"errors"
	"slices"
	"strings"
)

// Supported implicit-flow response types.
const (
	ResponseTypeIDTokenToken = "id_token token"
	ResponseTypeIDToken      = "id_token"
)

func supportedResponseType(rt string) bool {
	return rt == ResponseTypeIDTokenToken || rt == ResponseTypeIDToken
}

// ClientRegistry holds registered client applications. Read-only after
// construction.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		responseTypes := cfg.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{ResponseTypeIDTokenToken, ResponseTypeIDToken}
		}
		clients[cfg.ClientID] = &Client{
			ClientID:               cfg.ClientID,
			DisplayName:            cfg.DisplayName,
			RedirectURIs:           cfg.RedirectURIs,
			PostLogoutRedirectURIs: cfg.PostLogoutRedirectURIs,
			Scopes:                 cfg.Scopes,
			ResponseTypes:          responseTypes,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// ValidRedirect ensures the redirect URI exactly matches a registered one.
// Exact string equality, never prefix matching: a URI that is not
// byte-identical to a registered entry must never be redirected to.
func (c *Client) ValidRedirect(uri string) bool {
	if uri == "" {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// ValidPostLogoutRedirect ensures the post-logout URI is registered.
func (c *Client) ValidPostLogoutRedirect(uri string) bool {
	if uri == "" {
		return false
	}
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// ValidResponseType checks the requested response type against the
// client's permitted set.
func (c *Client) ValidResponseType(rt string) bool {
	return supportedResponseType(rt) && slices.Contains(c.ResponseTypes, rt)
}

// ValidateScopes ensures requested scopes are a subset of configured scopes.
func (c *Client) ValidateScopes(scope string) bool {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}

// GrantedScopes intersects the requested scopes with the client's
// permitted set, preserving request order.
func (c *Client) GrantedScopes(scope string) string {
	granted := make([]string, 0, len(c.Scopes))
	for _, sc := range strings.Fields(scope) {
		if slices.Contains(c.Scopes, sc) {
			granted = append(granted, sc)
		}
	}
	return strings.Join(granted, " ")
}
