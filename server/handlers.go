package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rpclient/client"
)

// DefaultClockSkew is the expiry leeway applied when signatures are verified.
const DefaultClockSkew = time.Minute

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Provider ProviderConfig
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Gate     *AuthGate
	Callback *LoginCallbackHandler
	Views    *Views
	Started  time.Time
}

// NewApp wires together the application state from configuration.
// Provider discovery and key set setup happen here, before serving.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	httpClient := NewHTTPClient(cfg.Provider, logger)

	provider, err := ResolveEndpoints(ctx, cfg.Provider, httpClient, logger)
	if err != nil {
		return nil, err
	}
	if provider.AuthorizationEndpoint == "" || provider.TokenEndpoint == "" {
		return nil, fmt.Errorf("provider endpoints unresolved: authorization=%q token=%q", provider.AuthorizationEndpoint, provider.TokenEndpoint)
	}

	var verifier client.Verifier
	if provider.VerifySignatures {
		if provider.JWKSURL == "" {
			return nil, fmt.Errorf("signature verification enabled but no jwks_url for %s", provider.Issuer)
		}
		verifier = client.NewRemoteVerifier(ctx, provider.JWKSURL, httpClient, client.WithExpiryCheck(DefaultClockSkew))
		logger.Info("token signature verification enabled", "jwks_url", provider.JWKSURL)
	} else {
		logger.Warn("token signatures are not verified; claims are trusted as received from the token endpoint")
	}

	views, err := NewViews(logger)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	return assembleApp(cfg, provider, client.NewExchangeClient(httpClient), client.NewCodec(verifier), views, logger), nil
}

func assembleApp(cfg Config, provider ProviderConfig, exchanger Exchanger, decoder TokenDecoder, views *Views, logger *slog.Logger) *App {
	store := NewInMemoryStore()
	sessions := NewSessionManager(cfg, store, logger)

	return &App{
		Config:   cfg,
		Provider: provider,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Gate:     NewAuthGate(store, sessions, provider, provider.AuthorizationEndpoint, logger),
		Callback: NewLoginCallbackHandler(store, sessions, exchanger, decoder, provider, provider.TokenEndpoint, views, logger),
		Views:    views,
		Started:  time.Now(),
	}
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.Views.Render(w, http.StatusOK, "index", nil)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	rec := a.Store.Get(SessionIDFromContext(r.Context()))
	if !rec.Authenticated() {
		// Logged out by a concurrent request after the gate passed.
		http.Redirect(w, r, a.Gate.RedirectFor(r), http.StatusFound)
		return
	}

	switch kind := chi.URLParam(r, "kind"); kind {
	case "authcode":
		a.Views.Render(w, http.StatusOK, "authcode", rec.AuthorizationCode)
	case "access":
		a.Views.Render(w, http.StatusOK, "access", accessTokenView(rec.AccessToken))
	case "id":
		a.Views.Render(w, http.StatusOK, "id", idTokenView(rec.IDToken))
	case "refresh":
		a.Views.Render(w, http.StatusOK, "refresh", rec.RefreshToken)
	default:
		http.NotFound(w, r)
	}
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	a.Logger.Info("session cleared", "request_id", RequestIDFromContext(r.Context()))
	a.Views.Render(w, http.StatusOK, "logout", nil)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"sessions":       a.Store.Len(),
		"uptime_seconds": int64(time.Since(a.Started).Seconds()),
	})
}

func accessTokenView(tok *client.DecodedToken) AccessTokenView {
	clientID, _ := tok.StringClaim("client_id")
	return AccessTokenView{
		Raw:       tok.Raw,
		ExpiresAt: tok.ExpiresAt,
		Subject:   tok.Subject,
		ClientID:  clientID,
		Scopes:    tok.StringsClaim("scope"),
	}
}

func idTokenView(tok *client.DecodedToken) IDTokenView {
	return IDTokenView{
		Raw:      tok.Raw,
		Audience: tok.Audience,
		IssuedAt: tok.IssuedAt,
		Issuer:   tok.Issuer,
		Subject:  tok.Subject,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
