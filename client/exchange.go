package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxTokenResponseBytes = 1 << 20

// TokenBundle holds the raw tokens returned by a successful code exchange.
type TokenBundle struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
}

// ExchangeRequest describes one authorization_code grant.
//
// Scope is inserted into the body verbatim: callers pass scopes already
// percent-encoded and joined with %20.
type ExchangeRequest struct {
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	Scope         string
	Code          string
}

// TokenExchangeError reports a non-2xx status, an unreadable response or a
// transport failure (StatusCode is 0 for the latter).
type TokenExchangeError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("token exchange failed: status %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange failed: status %d", e.StatusCode)
	default:
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenFieldMissingError reports a token response without one of the
// expected string fields. Body carries the full response for diagnosis.
type TokenFieldMissingError struct {
	Field string
	Body  []byte
}

func (e *TokenFieldMissingError) Error() string {
	return fmt.Sprintf("token response missing string field %q", e.Field)
}

// ExchangeClient swaps authorization codes for tokens at the token endpoint.
type ExchangeClient struct {
	client *http.Client
}

// NewExchangeClient uses httpClient for the back-channel call. Timeouts and TLS
// policy belong to httpClient.
func NewExchangeClient(httpClient *http.Client) *ExchangeClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ExchangeClient{client: httpClient}
}

// Exchange posts the authorization code with client_secret_basic
// authentication and extracts the access, ID and refresh tokens.
// It never retries: authorization codes are single use.
func (c *ExchangeClient) Exchange(ctx context.Context, in ExchangeRequest) (TokenBundle, error) {
	body := fmt.Sprintf("grant_type=authorization_code&code=%s&redirect_uri=%s&scope=%s",
		url.QueryEscape(in.Code),
		url.QueryEscape(in.RedirectURI),
		in.Scope,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.TokenEndpoint, strings.NewReader(body))
	if err != nil {
		return TokenBundle{}, &TokenExchangeError{Err: fmt.Errorf("create token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(in.ClientID, in.ClientSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return TokenBundle{}, &TokenExchangeError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return TokenBundle{}, &TokenExchangeError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read token response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenBundle{}, &TokenExchangeError{StatusCode: resp.StatusCode, Body: raw}
	}

	return parseTokenResponse(resp.StatusCode, raw)
}

func parseTokenResponse(status int, raw []byte) (TokenBundle, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TokenBundle{}, &TokenExchangeError{StatusCode: status, Body: raw, Err: fmt.Errorf("decode token response: %w", err)}
	}

	var bundle TokenBundle
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"access_token", &bundle.AccessToken},
		{"id_token", &bundle.IDToken},
		{"refresh_token", &bundle.RefreshToken},
	} {
		v, ok := fields[f.name].(string)
		if !ok {
			return TokenBundle{}, &TokenFieldMissingError{Field: f.name, Body: raw}
		}
		*f.dst = v
	}
	return bundle, nil
}
