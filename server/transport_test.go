package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientStrictRejectsUntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := validConfig().Provider
	p.TransportSecurity = TransportStrict
	resp, err := NewHTTPClient(p, discardLogger()).Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected certificate error in strict mode")
	}
}

func TestHTTPClientInsecureForTestingSkipsVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := validConfig().Provider
	p.TransportSecurity = TransportInsecureForTesting
	resp, err := NewHTTPClient(p, discardLogger()).Get(srv.URL)
	if err != nil {
		t.Fatalf("insecure-for-testing should accept the test certificate: %v", err)
	}
	resp.Body.Close()
}

func TestHTTPClientTimeouts(t *testing.T) {
	p := validConfig().Provider
	p.ConnectTimeout = "1s"
	p.ReadTimeout = "2s"

	c := NewHTTPClient(p, discardLogger())
	if c.Timeout != 3*time.Second {
		t.Fatalf("unexpected overall timeout %v", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", c.Transport)
	}
	if tr.ResponseHeaderTimeout != 2*time.Second || tr.TLSHandshakeTimeout != time.Second {
		t.Fatalf("unexpected transport timeouts: header=%v handshake=%v", tr.ResponseHeaderTimeout, tr.TLSHandshakeTimeout)
	}
	if tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("strict mode must verify certificates")
	}
}

func TestHTTPClientDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(validConfig().Provider, discardLogger()).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to be returned as-is, got %d", resp.StatusCode)
	}
}
