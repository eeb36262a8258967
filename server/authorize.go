package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuthorizeRequest encapsulates parsed parameters for /connect/authorize.
// Transient: it lives only for the duration of one authorization exchange.
type AuthorizeRequest struct {
	Client       *Client
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
	Nonce        string
	Prompt       string
}

// Request-fatal validation failures. These never produce a redirect: an
// unverified redirect_uri must not learn anything, including error codes.
var (
	errUnknownClient      = errors.New("unknown_client")
	errInvalidRedirectURI = errors.New("invalid_redirect_uri")
)

// handleAuthorize drives the implicit-flow issuance state machine. The
// terminal state per request is either a redirect carrying tokens in the
// URI fragment, a redirect carrying an error code (trusted redirect_uri
// only), a login handoff, or a direct 400.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err)
		if errors.Is(err, errUnknownClient) || errors.Is(err, errInvalidRedirectURI) {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{
				"error":             err.Error(),
				"error_description": "client_id or redirect_uri is not registered",
			})
			return
		}
		// redirect_uri validated above, errors may travel in the fragment
		a.fragmentError(w, r, req, errorCode(err), err.Error())
		return
	}

	session, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch error", "error", err)
	}

	if session == nil || !session.Authenticated(time.Now()) {
		a.requireLogin(w, r, req)
		return
	}

	if err := a.completeAuthorize(w, r, req, session); err != nil {
		a.Logger.Error("authorize issue tokens", "error", err)
		a.fragmentError(w, r, req, "server_error", "failed to issue tokens")
	}
}

func (a *App) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, error) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		return AuthorizeRequest{}, errUnknownClient
	}
	client, ok := a.Clients.Get(clientID)
	if !ok {
		return AuthorizeRequest{}, errUnknownClient
	}

	redirectURI := q.Get("redirect_uri")
	if !client.ValidRedirect(redirectURI) {
		return AuthorizeRequest{Client: client}, errInvalidRedirectURI
	}

	req := AuthorizeRequest{
		Client:       client,
		RedirectURI:  redirectURI,
		ResponseType: q.Get("response_type"),
		Scope:        q.Get("scope"),
		State:        q.Get("state"),
		Nonce:        q.Get("nonce"),
		Prompt:       q.Get("prompt"),
	}

	if !client.ValidResponseType(req.ResponseType) {
		return req, errors.New("unsupported_response_type")
	}
	if req.Scope == "" {
		req.Scope = "openid"
	}
	if !strings.Contains(" "+req.Scope+" ", " openid ") {
		return req, errors.New("invalid_scope: scope must include openid")
	}
	if !client.ValidateScopes(req.Scope) {
		return req, errors.New("invalid_scope")
	}
	return req, nil
}

// requireLogin signals AuthenticationRequired. Silent renewals
// (prompt=none) learn the outcome through the trusted redirect fragment;
// interactive navigations are handed to the login surface with the
// original authorization request preserved as a return URL.
func (a *App) requireLogin(w http.ResponseWriter, r *http.Request, req AuthorizeRequest) {
	if req.Prompt == "none" {
		a.fragmentError(w, r, req, "login_required", "")
		return
	}

	login, err := url.Parse(a.Config.Server.LoginURL)
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "login_required"})
		return
	}
	values := login.Query()
	values.Set("returnUrl", r.URL.RequestURI())
	login.RawQuery = values.Encode()
	http.Redirect(w, r, login.String(), http.StatusFound)
}

// completeAuthorize mints tokens and redirects to the validated
// redirect_uri with the token set in the URI fragment. Fragments never
// reach server logs on the receiving host, unlike query strings.
func (a *App) completeAuthorize(w http.ResponseWriter, r *http.Request, req AuthorizeRequest, session *Session) error {
	tokens, err := a.Tokens.Issue(IssueRequest{
		Subject:  session.Subject,
		Email:    session.Email,
		ClientID: req.Client.ClientID,
		Scope:    req.Client.GrantedScopes(req.Scope),
		Audience: a.Config.Tokens.AudienceDefault,
		Nonce:    req.Nonce,
		AuthTime: session.AuthTime,
	})
	if err != nil {
		return err
	}

	values := url.Values{}
	if req.ResponseType == ResponseTypeIDTokenToken {
		values.Set("access_token", tokens.AccessToken)
		values.Set("token_type", tokens.TokenType)
		values.Set("expires_in", strconv.FormatInt(tokens.ExpiresIn, 10))
	}
	values.Set("id_token", tokens.IDToken)
	values.Set("scope", tokens.Scope)
	if req.State != "" {
		values.Set("state", req.State)
	}

	http.Redirect(w, r, req.RedirectURI+"#"+values.Encode(), http.StatusFound)
	return nil
}

// fragmentError delivers an error to a trusted redirect_uri via the
// fragment, echoing state. Falls back to a direct 400 when the request
// never got far enough to validate its redirect target.
func (a *App) fragmentError(w http.ResponseWriter, r *http.Request, req AuthorizeRequest, code, desc string) {
	if req.Client == nil || !req.Client.ValidRedirect(req.RedirectURI) {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
		return
	}

	values := url.Values{}
	values.Set("error", code)
	if desc != "" {
		values.Set("error_description", desc)
	}
	if req.State != "" {
		values.Set("state", req.State)
	}
	http.Redirect(w, r, req.RedirectURI+"#"+values.Encode(), http.StatusFound)
}

func errorCode(err error) string {
	code, _, _ := strings.Cut(err.Error(), ":")
	return strings.TrimSpace(code)
}

// handleEndSession clears the authentication cookie and, when the
// client supplied a registered post_logout_redirect_uri, redirects
// there with state echoed. Otherwise it lands on the neutral
// signed-out page.
func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)

	q := r.URL.Query()
	target := q.Get("post_logout_redirect_uri")
	if target != "" {
		client := a.clientForPostLogout(q.Get("client_id"), target)
		if client == nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_request",
				"error_description": "post_logout_redirect_uri is not registered",
			})
			return
		}
		if state := q.Get("state"); state != "" {
			u, err := url.Parse(target)
			if err != nil {
				writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
				return
			}
			values := u.Query()
			values.Set("state", state)
			u.RawQuery = values.Encode()
			target = u.String()
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	http.Redirect(w, r, a.Config.Server.SignedOutURL, http.StatusFound)
}

// clientForPostLogout resolves which registered client owns the
// post-logout target. client_id narrows the search when supplied.
func (a *App) clientForPostLogout(clientID, uri string) *Client {
	if clientID != "" {
		client, ok := a.Clients.Get(clientID)
		if ok && client.ValidPostLogoutRedirect(uri) {
			return client
		}
		return nil
	}
	for _, cfg := range a.Config.Clients {
		client, ok := a.Clients.Get(cfg.ClientID)
		if ok && client.ValidPostLogoutRedirect(uri) {
			return client
		}
	}
	return nil
}
