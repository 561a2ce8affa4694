package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ResolveEndpoints fills missing provider endpoints from the issuer's
// discovery document. Explicitly configured endpoints are kept.
func ResolveEndpoints(ctx context.Context, p ProviderConfig, httpClient *http.Client, logger *slog.Logger) (ProviderConfig, error) {
	if !p.NeedsDiscovery() {
		return p, nil
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	op, err := oidc.NewProvider(ctx, p.Issuer)
	if err != nil {
		return p, fmt.Errorf("discover provider %s: %w", p.Issuer, err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil {
		return p, fmt.Errorf("parse discovery document: %w", err)
	}

	resolved := mergeEndpoints(p, op.Endpoint(), meta.JWKSURL)
	logger.Info("provider metadata discovered",
		"issuer", p.Issuer,
		"authorization_endpoint", resolved.AuthorizationEndpoint,
		"token_endpoint", resolved.TokenEndpoint,
		"jwks_url", resolved.JWKSURL,
	)

	if resolved.AuthorizationEndpoint == "" || resolved.TokenEndpoint == "" {
		return p, fmt.Errorf("discovery document for %s lacks authorization or token endpoint", p.Issuer)
	}
	return resolved, nil
}

func mergeEndpoints(p ProviderConfig, ep oauth2.Endpoint, jwksURL string) ProviderConfig {
	if p.AuthorizationEndpoint == "" {
		p.AuthorizationEndpoint = ep.AuthURL
	}
	if p.TokenEndpoint == "" {
		p.TokenEndpoint = ep.TokenURL
	}
	if p.JWKSURL == "" {
		p.JWKSURL = jwksURL
	}
	return p
}
