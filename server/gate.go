package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

type sessionIDKey struct{}

// SessionIDFromContext returns the session id attached by AuthGate.Require.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// AuthGate decides whether a request belongs to a logged-in session and
// sends everyone else to the provider.
type AuthGate struct {
	store        *InMemoryStore
	sessions     *SessionManager
	provider     ProviderConfig
	authEndpoint string
	logger       *slog.Logger
}

// NewAuthGate wires the gate. authEndpoint is the resolved authorization endpoint.
func NewAuthGate(store *InMemoryStore, sessions *SessionManager, provider ProviderConfig, authEndpoint string, logger *slog.Logger) *AuthGate {
	return &AuthGate{
		store:        store,
		sessions:     sessions,
		provider:     provider,
		authEndpoint: authEndpoint,
		logger:       logger,
	}
}

// IsAuthenticated reports whether the session holds an access token.
func (g *AuthGate) IsAuthenticated(sessionID string) bool {
	return g.store.Get(sessionID).Authenticated()
}

// RedirectFor returns the authorization URL that resumes at the given request.
func (g *AuthGate) RedirectFor(r *http.Request) string {
	return g.provider.AuthorizationParams(r.URL.Path, r.URL.RawQuery).URL(g.authEndpoint)
}

// Require runs next only for authenticated sessions. Other requests get a
// 302 to the provider and next is not called.
func (g *AuthGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.sessions.Current(w, r)
		if !ok || !g.IsAuthenticated(id) {
			target := g.RedirectFor(r)
			g.logger.Debug("session not authenticated, redirecting to provider", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionIDKey{}, id)))
	})
}

// BuildAuthorizationRedirect formats the authorization request URL. scopes
// must already be percent-encoded (see EncodeScopes); no value is escaped here,
// so the same inputs always yield the same string.
func BuildAuthorizationRedirect(authEndpoint, clientID, adapterID, scopes, redirectURI, originalPath, originalQuery string) string {
	return formatAuthorizationURL(authEndpoint, clientID, adapterID, scopes, redirectURI, buildState(originalPath, originalQuery))
}

func formatAuthorizationURL(authEndpoint, clientID, adapterID, scopes, redirectURI, state string) string {
	return fmt.Sprintf("%s?response_type=code&client_id=%s&pfidpadapterid=%s&scope=%s&redirect_uri=%s&state=%s",
		authEndpoint, clientID, adapterID, scopes, redirectURI, state)
}

func buildState(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}
