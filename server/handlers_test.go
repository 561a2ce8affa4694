package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// fakeProvider plays the identity provider: discovery, JWKS and token endpoint.
type fakeProvider struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	codes  map[string]bool
	posted url.Values
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fp := &fakeProvider{t: t, key: key, codes: map[string]bool{"XYZ": true}}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                 fp.srv.URL,
			"authorization_endpoint": fp.srv.URL + "/as/authorization.oauth2",
			"token_endpoint":         fp.srv.URL + "/as/token.oauth2",
			"jwks_uri":               fp.srv.URL + "/pf/JWKS",
		})
	})
	mux.HandleFunc("/pf/JWKS", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &fp.key.PublicKey, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig",
		}}})
	})
	mux.HandleFunc("/as/token.oauth2", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fp.posted, _ = url.ParseQuery(string(body))
		if user, pass, ok := r.BasicAuth(); !ok || user != "abc" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		code := fp.posted.Get("code")
		if !fp.codes[code] {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		delete(fp.codes, code)
		now := time.Now()
		writeJSON(w, map[string]any{
			"access_token":  fp.sign(map[string]any{"sub": "joe", "client_id": "abc", "scope": []string{"openid", "profile"}, "exp": now.Add(time.Hour).Unix()}),
			"id_token":      fp.sign(map[string]any{"sub": "joe", "iss": fp.srv.URL, "aud": "abc", "iat": now.Unix(), "exp": now.Add(time.Hour).Unix()}),
			"refresh_token": "refresh-C",
			"token_type":    "Bearer",
		})
	})
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) sign(claims map[string]any) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: fp.key, KeyID: "k1"}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		fp.t.Fatalf("new signer: %v", err)
	}
	payload, _ := json.Marshal(claims)
	obj, err := signer.Sign(payload)
	if err != nil {
		fp.t.Fatalf("sign: %v", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		fp.t.Fatalf("serialize: %v", err)
	}
	return compact
}

func newTestApp(t *testing.T, fp *fakeProvider, verify bool) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Provider.Issuer = fp.srv.URL
	cfg.Provider.ClientID = "abc"
	cfg.Provider.ClientSecret = "s3cret"
	cfg.Provider.AdapterID = "ping"
	cfg.Provider.RedirectURI = "https://app.example/authentication/login"
	cfg.Provider.VerifySignatures = verify
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	b.t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

func runLogin(t *testing.T, b *browser, fp *fakeProvider, start string) {
	t.Helper()
	rec := b.get(start)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect to provider, got %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, fp.srv.URL+"/as/authorization.oauth2?response_type=code&client_id=abc&pfidpadapterid=ping&scope=openid%20profile&redirect_uri=https://app.example/authentication/login&state=") {
		t.Fatalf("unexpected authorization redirect %q", loc)
	}

	state := loc[strings.Index(loc, "&state=")+len("&state="):]
	callback := "/authentication/login?" + url.Values{"code": {"XYZ"}, "state": {state}}.Encode()
	rec = b.get(callback)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected callback redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != start {
		t.Fatalf("callback redirected to %q, want %q", got, start)
	}
}

func TestFullLoginFlow(t *testing.T) {
	fp := newFakeProvider(t)
	app := newTestApp(t, fp, false)
	b := &browser{t: t, handler: app.Routes(), cookies: map[string]*http.Cookie{}}

	runLogin(t, b, fp, "/tokens/access?x=1")

	if got := fp.posted.Get("grant_type"); got != "authorization_code" {
		t.Fatalf("unexpected grant_type %q", got)
	}
	if got := fp.posted.Get("scope"); got != "openid profile" {
		t.Fatalf("unexpected scope %q", got)
	}

	rec := b.get("/tokens/access?x=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected access page, got %d", rec.Code)
	}
	for _, want := range []string{"joe", "abc", "openid, profile"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("access page missing %q", want)
		}
	}

	rec = b.get("/tokens/id")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), fp.srv.URL) {
		t.Fatalf("id page missing issuer (status %d)", rec.Code)
	}
	if rec = b.get("/tokens/authcode"); !strings.Contains(rec.Body.String(), "XYZ") {
		t.Fatalf("authcode page missing code")
	}
	if rec = b.get("/tokens/refresh"); !strings.Contains(rec.Body.String(), "refresh-C") {
		t.Fatalf("refresh page missing token")
	}
	if rec = b.get("/tokens/bogus"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token kind, got %d", rec.Code)
	}
	if rec = b.get("/"); rec.Code != http.StatusOK {
		t.Fatalf("expected index, got %d", rec.Code)
	}

	rec = b.get("/authentication/logout")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Signed Out") {
		t.Fatalf("unexpected logout response %d", rec.Code)
	}
	if rec = b.get("/tokens/access"); rec.Code != http.StatusFound {
		t.Fatalf("expected redirect after logout, got %d", rec.Code)
	}
}

func TestFullLoginFlowWithSignatureVerification(t *testing.T) {
	fp := newFakeProvider(t)
	app := newTestApp(t, fp, true)
	if app.Provider.JWKSURL != fp.srv.URL+"/pf/JWKS" {
		t.Fatalf("jwks_url not discovered: %q", app.Provider.JWKSURL)
	}
	b := &browser{t: t, handler: app.Routes(), cookies: map[string]*http.Cookie{}}

	runLogin(t, b, fp, "/tokens/id")

	if rec := b.get("/tokens/id"); rec.Code != http.StatusOK {
		t.Fatalf("expected id page, got %d", rec.Code)
	}
}

func TestCallbackWithReusedCodeShowsFailure(t *testing.T) {
	fp := newFakeProvider(t)
	app := newTestApp(t, fp, false)
	b := &browser{t: t, handler: app.Routes(), cookies: map[string]*http.Cookie{}}

	runLogin(t, b, fp, "/")

	rec := b.get("/authentication/login?code=XYZ&state=/")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on reused code, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	fp := newFakeProvider(t)
	app := newTestApp(t, fp, false)

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestResolveEndpointsKeepsExplicitValues(t *testing.T) {
	fp := newFakeProvider(t)
	p := validConfig().Provider
	p.Issuer = fp.srv.URL
	p.TokenEndpoint = ""
	p.AuthorizationEndpoint = "https://override.example/authorize"

	resolved, err := ResolveEndpoints(context.Background(), p, fp.srv.Client(), discardLogger())
	if err != nil {
		t.Fatalf("ResolveEndpoints: %v", err)
	}
	if resolved.AuthorizationEndpoint != "https://override.example/authorize" {
		t.Fatalf("explicit endpoint overwritten: %q", resolved.AuthorizationEndpoint)
	}
	if resolved.TokenEndpoint != fp.srv.URL+"/as/token.oauth2" {
		t.Fatalf("token endpoint not discovered: %q", resolved.TokenEndpoint)
	}
}

func TestResolveEndpointsWithoutIssuerIsNoop(t *testing.T) {
	p := validConfig().Provider
	resolved, err := ResolveEndpoints(context.Background(), p, nil, discardLogger())
	if err != nil {
		t.Fatalf("ResolveEndpoints: %v", err)
	}
	if resolved.TokenEndpoint != p.TokenEndpoint {
		t.Fatalf("unexpected change %+v", resolved)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(discardLogger(), true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
