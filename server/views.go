package server

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrorPage is the model for failed sign-in pages.
type ErrorPage struct {
	Title   string
	Message string
	Code    string
	Detail  string
}

// AccessTokenView is the model for /tokens/access.
type AccessTokenView struct {
	Raw       string
	ExpiresAt time.Time
	Subject   string
	ClientID  string
	Scopes    []string
}

// IDTokenView is the model for /tokens/id.
type IDTokenView struct {
	Raw      string
	Audience []string
	IssuedAt time.Time
	Issuer   string
	Subject  string
}

// Views renders the HTML pages.
type Views struct {
	tmpl   *template.Template
	logger *slog.Logger
}

// NewViews parses the page templates once.
func NewViews(logger *slog.Logger) (*Views, error) {
	tmpl, err := template.New("pages").Funcs(template.FuncMap{
		"join": strings.Join,
		"when": formatTime,
	}).Parse(pageTemplates)
	if err != nil {
		return nil, err
	}
	return &Views{tmpl: tmpl, logger: logger}, nil
}

// Render executes the named page. Output is buffered so a template error
// never leaves a half-written response.
func (v *Views) Render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := v.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		v.logger.Error("render page", "page", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// RenderError renders the sign-in failure page.
func (v *Views) RenderError(w http.ResponseWriter, status int, page ErrorPage) {
	v.Render(w, status, "error", page)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "not set"
	}
	return t.UTC().Format(time.RFC1123)
}

const pageTemplates = `
{{define "header"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.}}</title>
<style>
body { font-family: Arial, sans-serif; max-width: 880px; margin: 2rem auto; padding: 0 1rem; color: #1d1d1f; }
nav a { margin-right: 1rem; }
table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; }
th { background: #f0f0f5; width: 25%; }
.code { background: #f5f5f5; padding: 1rem; border-radius: 8px; font-family: monospace; white-space: pre-wrap; word-break: break-all; }
.error { padding: 1rem; border-radius: 8px; background: #fbeaea; color: #721c24; }
</style>
</head>
<body>
<nav>
  <a href="/">Home</a>
  <a href="/tokens/authcode">Authorization code</a>
  <a href="/tokens/access">Access token</a>
  <a href="/tokens/id">ID token</a>
  <a href="/tokens/refresh">Refresh token</a>
  <a href="/authentication/logout">Log out</a>
</nav>
<h1>{{.}}</h1>
{{end}}

{{define "footer"}}
</body>
</html>
{{end}}

{{define "index"}}{{template "header" "Relying Party Client"}}
<p>You are signed in. Use the links above to inspect the tokens issued for this session.</p>
{{template "footer"}}{{end}}

{{define "authcode"}}{{template "header" "Authorization Code"}}
<div class="code">{{.}}</div>
{{template "footer"}}{{end}}

{{define "access"}}{{template "header" "Access Token"}}
<table>
  <tr><th>Expires at</th><td>{{when .ExpiresAt}}</td></tr>
  <tr><th>Subject</th><td>{{.Subject}}</td></tr>
  <tr><th>Client ID</th><td>{{.ClientID}}</td></tr>
  <tr><th>Scopes</th><td>{{join .Scopes ", "}}</td></tr>
</table>
<div class="code">{{.Raw}}</div>
{{template "footer"}}{{end}}

{{define "id"}}{{template "header" "ID Token"}}
<table>
  <tr><th>Audience</th><td>{{join .Audience ", "}}</td></tr>
  <tr><th>Issued at</th><td>{{when .IssuedAt}}</td></tr>
  <tr><th>Issuer</th><td>{{.Issuer}}</td></tr>
  <tr><th>Subject</th><td>{{.Subject}}</td></tr>
</table>
<div class="code">{{.Raw}}</div>
{{template "footer"}}{{end}}

{{define "refresh"}}{{template "header" "Refresh Token"}}
<div class="code">{{.}}</div>
{{template "footer"}}{{end}}

{{define "logout"}}{{template "header" "Signed Out"}}
<p>Your session has been cleared. <a href="/">Sign in again</a>.</p>
{{template "footer"}}{{end}}

{{define "error"}}{{template "header" .Title}}
<div class="error">
  <p>{{.Message}}</p>
  {{if .Code}}<p><strong>{{.Code}}</strong></p>{{end}}
  {{if .Detail}}<p>{{.Detail}}</p>{{end}}
</div>
<p><a href="/">Try again</a></p>
{{template "footer"}}{{end}}
`
