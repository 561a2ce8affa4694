package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"rpclient/client"
)

// ErrMissingCode is returned when the callback carries neither code nor error.
var ErrMissingCode = errors.New("authorization code missing from callback")

// Exchanger swaps an authorization code for tokens.
type Exchanger interface {
	Exchange(ctx context.Context, in client.ExchangeRequest) (client.TokenBundle, error)
}

// TokenDecoder turns a compact token into its claims.
type TokenDecoder interface {
	Decode(ctx context.Context, compact string) (*client.DecodedToken, error)
}

// AuthorizationError is the provider's own refusal, reported on the callback.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return "authorization failed: " + e.Code
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}

// LoginFailedError wraps any failure after the provider returned a code.
type LoginFailedError struct {
	Err error
}

func (e *LoginFailedError) Error() string { return "login failed: " + e.Err.Error() }

func (e *LoginFailedError) Unwrap() error { return e.Err }

// CallbackParams are the query parameters of the provider callback.
type CallbackParams struct {
	Code             string
	Error            string
	ErrorDescription string
	State            string
}

// CallbackParamsFromRequest reads the callback query parameters.
func CallbackParamsFromRequest(r *http.Request) CallbackParams {
	q := r.URL.Query()
	return CallbackParams{
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		State:            q.Get("state"),
	}
}

// LoginCallbackHandler completes the login started by AuthGate.
type LoginCallbackHandler struct {
	store         *InMemoryStore
	sessions      *SessionManager
	exchanger     Exchanger
	decoder       TokenDecoder
	provider      ProviderConfig
	tokenEndpoint string
	views         *Views
	logger        *slog.Logger
}

// NewLoginCallbackHandler wires the callback. tokenEndpoint is the resolved token endpoint.
func NewLoginCallbackHandler(store *InMemoryStore, sessions *SessionManager, exchanger Exchanger, decoder TokenDecoder, provider ProviderConfig, tokenEndpoint string, views *Views, logger *slog.Logger) *LoginCallbackHandler {
	return &LoginCallbackHandler{
		store:         store,
		sessions:      sessions,
		exchanger:     exchanger,
		decoder:       decoder,
		provider:      provider,
		tokenEndpoint: tokenEndpoint,
		views:         views,
		logger:        logger,
	}
}

// Handle runs one callback for sessionID and returns where to send the
// browser next. On any error the session record is left as it was.
func (h *LoginCallbackHandler) Handle(ctx context.Context, sessionID string, p CallbackParams) (string, error) {
	if p.Error != "" {
		return "", &AuthorizationError{Code: p.Error, Description: p.ErrorDescription}
	}
	if p.Code == "" {
		return "", &LoginFailedError{Err: ErrMissingCode}
	}

	bundle, err := h.exchanger.Exchange(ctx, client.ExchangeRequest{
		TokenEndpoint: h.tokenEndpoint,
		ClientID:      h.provider.ClientID,
		ClientSecret:  h.provider.ClientSecret,
		RedirectURI:   h.provider.RedirectURI,
		Scope:         EncodeScopes(h.provider.Scopes),
		Code:          p.Code,
	})
	if err != nil {
		return "", &LoginFailedError{Err: err}
	}

	access, err := h.decoder.Decode(ctx, bundle.AccessToken)
	if err != nil {
		return "", &LoginFailedError{Err: fmt.Errorf("access token: %w", err)}
	}
	id, err := h.decoder.Decode(ctx, bundle.IDToken)
	if err != nil {
		return "", &LoginFailedError{Err: fmt.Errorf("id token: %w", err)}
	}

	h.store.Set(sessionID, NewSessionRecord(p.Code, access, id, bundle.RefreshToken))

	return redirectTarget(p.State), nil
}

// ServeHTTP handles the provider callback.
func (h *LoginCallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessions.NewID()
	params := CallbackParamsFromRequest(r)
	reqID := RequestIDFromContext(r.Context())

	target, err := h.Handle(r.Context(), sessionID, params)
	if err == nil {
		h.sessions.Start(w, r, sessionID)
		h.logger.Info("login completed", "request_id", reqID)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	var authErr *AuthorizationError
	var missing *client.TokenFieldMissingError
	var exchangeErr *client.TokenExchangeError

	switch {
	case errors.As(err, &authErr):
		h.logger.Warn("provider rejected authorization", "request_id", reqID, "error", authErr.Code, "description", authErr.Description)
		h.views.RenderError(w, http.StatusUnauthorized, ErrorPage{
			Title:   "Sign-in was not completed",
			Message: "The identity provider reported an error.",
			Code:    authErr.Code,
			Detail:  authErr.Description,
		})
	case errors.Is(err, ErrMissingCode):
		h.logger.Warn("callback without authorization code", "request_id", reqID)
		h.views.RenderError(w, http.StatusBadRequest, ErrorPage{
			Title:   "Sign-in failed",
			Message: "The callback did not include an authorization code.",
		})
	default:
		attrs := []any{"request_id", reqID, "error", err}
		if errors.As(err, &missing) {
			attrs = append(attrs, "response_body", string(missing.Body))
		}
		if errors.As(err, &exchangeErr) && exchangeErr.StatusCode != 0 {
			attrs = append(attrs, "status", exchangeErr.StatusCode)
		}
		h.logger.Error("login failed", attrs...)
		h.views.RenderError(w, http.StatusBadGateway, ErrorPage{
			Title:   "Sign-in failed",
			Message: "Tokens could not be obtained from the identity provider.",
		})
	}
}

// redirectTarget accepts state only as a local path; anything else goes to "/".
func redirectTarget(state string) string {
	if !strings.HasPrefix(state, "/") || strings.HasPrefix(state, "//") {
		return "/"
	}
	// Browsers drop tabs and newlines and read a backslash as "/" in URLs.
	if strings.ContainsFunc(state, func(r rune) bool { return r == '\\' || unicode.IsControl(r) }) {
		return "/"
	}
	u, err := url.Parse(state)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return state
}
