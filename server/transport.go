package server

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TransportSecurityMode selects certificate validation for calls to the provider.
type TransportSecurityMode string

const (
	// TransportStrict validates the provider's certificate chain and host name.
	TransportStrict TransportSecurityMode = "strict"
	// TransportInsecureForTesting skips certificate validation. Dev mode only.
	TransportInsecureForTesting TransportSecurityMode = "insecure-for-testing"
)

// NewHTTPClient builds the back-channel client used for token exchange,
// discovery and key set fetches.
func NewHTTPClient(p ProviderConfig, logger *slog.Logger) *http.Client {
	connect, read := p.Timeouts()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if p.TransportSecurity == TransportInsecureForTesting {
		if logger != nil {
			logger.Warn("provider TLS certificate validation disabled", "transport_security", p.TransportSecurity)
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return &http.Client{
		Transport: transport,
		Timeout:   connect + read,
		// The token endpoint answers directly; a redirect is a misconfiguration.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
