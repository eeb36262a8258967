package client

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"
)

type captureTransport struct {
	last *http.Request
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.last = req
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func newCSRFTestTransport(t *testing.T) (*csrfTransport, *captureTransport, *url.URL) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	base, _ := url.Parse("http://authority.test")
	jar.SetCookies(base, []*http.Cookie{{Name: "XSRF-TOKEN", Value: "tok-123"}})

	capture := &captureTransport{}
	return &csrfTransport{
		base:       capture,
		jar:        jar,
		authority:  base.String(),
		cookieName: "XSRF-TOKEN",
		headerName: "X-XSRF-TOKEN",
	}, capture, base
}

func TestCSRFTransportEchoesCookieOnMutatingRequests(t *testing.T) {
	rt, capture, base := newCSRFTestTransport(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		req, _ := http.NewRequest(method, base.String()+"/api/account/login", nil)
		if _, err := rt.RoundTrip(req); err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if got := capture.last.Header.Get("X-XSRF-TOKEN"); got != "tok-123" {
			t.Fatalf("%s: header %q, want cookie value echoed", method, got)
		}
		// The caller's request must stay untouched.
		if req.Header.Get("X-XSRF-TOKEN") != "" {
			t.Fatalf("%s: original request mutated", method)
		}
	}
}

func TestCSRFTransportLeavesSafeRequestsAlone(t *testing.T) {
	rt, capture, base := newCSRFTestTransport(t)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		req, _ := http.NewRequest(method, base.String()+"/api/account/", nil)
		if _, err := rt.RoundTrip(req); err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if capture.last.Header.Get("X-XSRF-TOKEN") != "" {
			t.Fatalf("%s: header added to safe request", method)
		}
	}
}

func TestCSRFTransportSkipsForeignHosts(t *testing.T) {
	rt, capture, _ := newCSRFTestTransport(t)
	other, _ := url.Parse("http://other.test")
	rt.jar.SetCookies(other, []*http.Cookie{{Name: "XSRF-TOKEN", Value: "tok-other"}})

	req, _ := http.NewRequest(http.MethodPost, "http://other.test/api/thing", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("POST: %v", err)
	}
	if capture.last.Header.Get("X-XSRF-TOKEN") != "" {
		t.Fatalf("anti-forgery header sent to a foreign host")
	}
}

func TestCSRFTransportKeepsExplicitHeader(t *testing.T) {
	rt, capture, base := newCSRFTestTransport(t)

	req, _ := http.NewRequest(http.MethodPost, base.String()+"/api/account/login", nil)
	req.Header.Set("X-XSRF-TOKEN", "caller-supplied")
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("POST: %v", err)
	}
	if got := capture.last.Header.Get("X-XSRF-TOKEN"); got != "caller-supplied" {
		t.Fatalf("explicit header overwritten: %q", got)
	}
}

func TestCSRFTransportWithoutCookie(t *testing.T) {
	jar, _ := cookiejar.New(nil)
	capture := &captureTransport{}
	rt := &csrfTransport{
		base:       capture,
		jar:        jar,
		authority:  "http://authority.test",
		cookieName: "XSRF-TOKEN",
		headerName: "X-XSRF-TOKEN",
	}

	req, _ := http.NewRequest(http.MethodPost, "http://authority.test/api/account/login", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("POST: %v", err)
	}
	if capture.last.Header.Get("X-XSRF-TOKEN") != "" {
		t.Fatalf("header fabricated without a cookie")
	}
}
