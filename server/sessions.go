package server

import (
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "rp_session"

// SessionManager maps browser cookies to session ids in the store.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Server.SessionLifetime(),
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// ID returns the session id carried by the request cookie, if any.
func (sm *SessionManager) ID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Current returns the session id of a live session named by the request
// cookie, sliding its expiry forward. Anonymous visitors get no cookie and no
// store entry.
func (sm *SessionManager) Current(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := sm.ID(r)
	if !ok || !sm.store.Touch(id, sm.now().Add(sm.ttl)) {
		return "", false
	}
	http.SetCookie(w, sm.cookie(id, int(sm.ttl.Seconds())))
	return id, true
}

// NewID returns a fresh, not yet stored session id.
func (sm *SessionManager) NewID() string {
	return sm.store.NewID()
}

// Start binds id, already populated in the store, to the browser. Any session
// the request carried before is dropped so the id changes at login.
func (sm *SessionManager) Start(w http.ResponseWriter, r *http.Request, id string) {
	if prev, ok := sm.ID(r); ok && prev != id {
		sm.store.Delete(prev)
	}
	sm.store.Touch(id, sm.now().Add(sm.ttl))
	http.SetCookie(w, sm.cookie(id, int(sm.ttl.Seconds())))
	sm.logger.Debug("session started", "path", r.URL.Path)
}

// Clear deletes the session record and expires the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if id, ok := sm.ID(r); ok {
		sm.store.Delete(id)
	}
	http.SetCookie(w, sm.cookie("", -1))
}

// SameSite=Lax: the provider callback arrives as a cross-site top-level GET.
func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
