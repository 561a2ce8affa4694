package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"rpclient/client"
)

func setupTestApp(t *testing.T, ex Exchanger) *App {
	t.Helper()
	cfg := validConfig()
	views, err := NewViews(discardLogger())
	if err != nil {
		t.Fatalf("NewViews: %v", err)
	}
	return assembleApp(cfg, cfg.Provider, ex, client.NewCodec(nil), views, discardLogger())
}

// TestSecurityFakeCookies checks that made-up session cookies never pass the gate.
func TestSecurityFakeCookies(t *testing.T) {
	app := setupTestApp(t, &stubExchanger{})

	tests := []struct {
		name        string
		cookieValue string
	}{
		{"fake_session_cookie", "fake-session-12345"},
		{"sql_injection_in_cookie", "' OR '1'='1"},
		{"extremely_long_cookie", strings.Repeat("A", 4000)},
		{"cookie_with_special_chars", "session<script>alert(1)</script>"},
		{"base64_garbage", "!!!invalid-base64@@@"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tokens/access", nil)
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: tt.cookieValue})

			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code != http.StatusFound {
				t.Errorf("fake cookie %q: expected redirect to provider, got %d", tt.name, w.Code)
			}
			for _, c := range w.Result().Cookies() {
				if c.Name == sessionCookieName && c.Value == tt.cookieValue {
					t.Errorf("fake cookie %q was adopted as a session id", tt.name)
				}
			}
		})
	}
}

// TestSecurityOpenRedirect checks that the callback never sends the browser off-site via state.
func TestSecurityOpenRedirect(t *testing.T) {
	maliciousStates := []string{
		"http://evil.com/callback",
		"https://evil.com",
		"//evil.com/callback",
		"/\\evil.com",
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"http://localhost@evil.com",
		"/\t/evil.com",
		"/\n/evil.com",
		"/\\/evil.com",
	}

	for _, state := range maliciousStates {
		t.Run("state_"+state, func(t *testing.T) {
			app := setupTestApp(t, &stubExchanger{bundle: validBundle(t)})
			query := url.Values{}
			query.Set("code", "XYZ")
			query.Set("state", state)

			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authentication/login?"+query.Encode(), nil))

			if w.Code != http.StatusFound {
				t.Fatalf("expected redirect, got %d", w.Code)
			}
			if location := w.Header().Get("Location"); location != "/" {
				t.Errorf("open redirect: state %q produced Location %q", state, location)
			}
		})
	}
}

// TestSecurityErrorDescriptionIsEscaped checks provider text is rendered as text.
func TestSecurityErrorDescriptionIsEscaped(t *testing.T) {
	app := setupTestApp(t, &stubExchanger{})
	query := url.Values{}
	query.Set("error", "access_denied")
	query.Set("error_description", "<script>alert(1)</script>")

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authentication/login?"+query.Encode(), nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "<script>") {
		t.Errorf("error description rendered unescaped")
	}
	if !strings.Contains(w.Body.String(), "&lt;script&gt;") {
		t.Errorf("expected escaped description in body")
	}
}

// TestSecurityHeadersInProduction checks hardening headers outside dev mode.
func TestSecurityHeadersInProduction(t *testing.T) {
	app := setupTestApp(t, &stubExchanger{})
	app.Config.Server.DevMode = false

	req := httptest.NewRequest(http.MethodGet, "https://app.example/health", nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=") {
		t.Errorf("expected HSTS header over TLS, got %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected X-Frame-Options DENY, got %q", got)
	}
}

// TestSecurityTokenPagesNotCached checks token pages opt out of caching.
func TestSecurityTokenPagesNotCached(t *testing.T) {
	app := setupTestApp(t, &stubExchanger{bundle: validBundle(t)})
	routes := app.Routes()

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authentication/login?code=XYZ&state=/tokens/access", nil))
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("expected session cookie from callback")
	}

	req := httptest.NewRequest(http.MethodGet, "/tokens/access", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected token page, got %d", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", got)
	}
}
