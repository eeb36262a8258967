package client

import (
	"net/http"
	"net/url"
)

// csrfTransport implements the client half of the double-submit
// pattern: on state-changing requests to the authority it copies the
// readable anti-forgery cookie into the companion header. Safe methods
// pass through untouched.
type csrfTransport struct {
	base       http.RoundTripper
	jar        http.CookieJar
	authority  string
	cookieName string
	headerName string
}

func (t *csrfTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if mutating(req.Method) && t.sameAuthority(req.URL) && req.Header.Get(t.headerName) == "" {
		if token := t.cookieValue(req.URL); token != "" {
			// Header values must not be mutated on the caller's request.
			req = req.Clone(req.Context())
			req.Header.Set(t.headerName, token)
		}
	}
	return t.base.RoundTrip(req)
}

func (t *csrfTransport) sameAuthority(u *url.URL) bool {
	base, err := url.Parse(t.authority)
	if err != nil {
		return false
	}
	return u.Host == base.Host
}

func (t *csrfTransport) cookieValue(u *url.URL) string {
	for _, c := range t.jar.Cookies(u) {
		if c.Name == t.cookieName {
			return c.Value
		}
	}
	return ""
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
