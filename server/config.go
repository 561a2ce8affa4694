package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded transport and session defaults
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultSessionTTL     = 12 * time.Hour
	DefaultHSTSMaxAge     = 31536000
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
}

// ServerConfig controls listener, TLS, and session cookie concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	SessionTTL      string    `yaml:"session_ttl"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig describes the identity provider and this client's registration with it.
type ProviderConfig struct {
	Issuer                string                `yaml:"issuer"`
	AuthorizationEndpoint string                `yaml:"authorization_endpoint"`
	TokenEndpoint         string                `yaml:"token_endpoint"`
	JWKSURL               string                `yaml:"jwks_url"`
	ClientID              string                `yaml:"client_id"`
	ClientSecret          string                `yaml:"client_secret"`
	AdapterID             string                `yaml:"adapter_id"`
	RedirectURI           string                `yaml:"redirect_uri"`
	Scopes                []string              `yaml:"scopes"`
	TransportSecurity     TransportSecurityMode `yaml:"transport_security"`
	ConnectTimeout        string                `yaml:"connect_timeout"`
	ReadTimeout           string                `yaml:"read_timeout"`

	// VerifySignatures checks token signatures and expiry against the JWKS.
	// When false, claims are decoded and trusted as received.
	VerifySignatures bool `yaml:"verify_signatures"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
// An empty path loads defaults plus environment only.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			SessionTTL:      DefaultSessionTTL.String(),
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Provider: ProviderConfig{
			RedirectURI:       "http://127.0.0.1:8080/authentication/login",
			Scopes:            []string{"openid", "profile"},
			TransportSecurity: TransportStrict,
			ConnectTimeout:    DefaultConnectTimeout.String(),
			ReadTimeout:       DefaultReadTimeout.String(),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TOKEN_ENDPOINT":         func(v string) { cfg.Provider.TokenEndpoint = v },
		"AUTHORIZATION_ENDPOINT": func(v string) { cfg.Provider.AuthorizationEndpoint = v },
		"CLIENT_ID":              func(v string) { cfg.Provider.ClientID = v },
		"CLIENT_SECRET":          func(v string) { cfg.Provider.ClientSecret = v },
		"ADAPTER_ID":             func(v string) { cfg.Provider.AdapterID = v },
		"REDIRECT_URI":           func(v string) { cfg.Provider.RedirectURI = v },
		"SCOPES":                 func(v string) { cfg.Provider.Scopes = strings.Fields(v) },

		"RPCLIENT_PROVIDER_ISSUER":          func(v string) { cfg.Provider.Issuer = v },
		"RPCLIENT_PROVIDER_JWKS_URL":        func(v string) { cfg.Provider.JWKSURL = v },
		"RPCLIENT_TRANSPORT_SECURITY":       func(v string) { cfg.Provider.TransportSecurity = TransportSecurityMode(strings.TrimSpace(v)) },
		"RPCLIENT_CONNECT_TIMEOUT":          func(v string) { cfg.Provider.ConnectTimeout = v },
		"RPCLIENT_READ_TIMEOUT":             func(v string) { cfg.Provider.ReadTimeout = v },
		"RPCLIENT_VERIFY_SIGNATURES":        func(v string) { cfg.Provider.VerifySignatures = parseBool(v, cfg.Provider.VerifySignatures) },
		"RPCLIENT_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"RPCLIENT_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"RPCLIENT_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"RPCLIENT_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"RPCLIENT_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"RPCLIENT_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"RPCLIENT_SERVER_SESSION_TTL":       func(v string) { cfg.Server.SessionTTL = v },
		"RPCLIENT_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"RPCLIENT_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"RPCLIENT_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SessionLifetime returns the parsed session TTL.
func (c ServerConfig) SessionLifetime() time.Duration {
	return parseDuration(c.SessionTTL, DefaultSessionTTL)
}

// Timeouts returns the connect and read timeouts for calls to the provider.
func (p ProviderConfig) Timeouts() (connect, read time.Duration) {
	return parseDuration(p.ConnectTimeout, DefaultConnectTimeout), parseDuration(p.ReadTimeout, DefaultReadTimeout)
}

// NeedsDiscovery reports whether endpoint metadata must be fetched from the issuer.
func (p ProviderConfig) NeedsDiscovery() bool {
	if p.Issuer == "" {
		return false
	}
	return p.AuthorizationEndpoint == "" || p.TokenEndpoint == "" || (p.VerifySignatures && p.JWKSURL == "")
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.SessionTTL != "" {
		if d, err := time.ParseDuration(c.Server.SessionTTL); err != nil || d <= 0 {
			slog.Error("Invalid session TTL", "field", "server.session_ttl", "value", c.Server.SessionTTL)
			return fmt.Errorf("server.session_ttl must be a positive duration, got: %s", c.Server.SessionTTL)
		}
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	return c.Provider.Validate(c.Server.DevMode)
}

// Validate checks the provider registration. devMode gates the insecure transport.
func (p ProviderConfig) Validate(devMode bool) error {
	required := []struct {
		field string
		value string
		env   string
	}{
		{"provider.client_id", p.ClientID, "CLIENT_ID"},
		{"provider.client_secret", p.ClientSecret, "CLIENT_SECRET"},
		{"provider.redirect_uri", p.RedirectURI, "REDIRECT_URI"},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			slog.Error("Missing required configuration", "field", r.field, "env", r.env)
			return fmt.Errorf("%s is required (or set %s)", r.field, r.env)
		}
	}

	if !isHTTPURL(p.RedirectURI) {
		slog.Error("Invalid redirect URI", "field", "provider.redirect_uri", "value", p.RedirectURI, "reason", "must be a valid HTTP(S) URL")
		return fmt.Errorf("provider.redirect_uri must start with http:// or https://, got: %s", p.RedirectURI)
	}

	if len(p.Scopes) == 0 {
		slog.Error("Missing required configuration", "field", "provider.scopes", "env", "SCOPES")
		return errors.New("provider.scopes must list at least one scope (or set SCOPES)")
	}

	if p.Issuer != "" && !isHTTPURL(p.Issuer) {
		return fmt.Errorf("provider.issuer must start with http:// or https://, got: %s", p.Issuer)
	}

	endpoints := []struct {
		field string
		value string
		env   string
	}{
		{"provider.authorization_endpoint", p.AuthorizationEndpoint, "AUTHORIZATION_ENDPOINT"},
		{"provider.token_endpoint", p.TokenEndpoint, "TOKEN_ENDPOINT"},
	}
	for _, e := range endpoints {
		if e.value == "" {
			if p.Issuer == "" {
				slog.Error("Missing provider endpoint", "field", e.field, "env", e.env, "reason", "set the endpoint or provider.issuer for discovery")
				return fmt.Errorf("%s is required when provider.issuer is not set (or set %s)", e.field, e.env)
			}
			continue
		}
		if !isHTTPURL(e.value) {
			slog.Error("Invalid provider endpoint", "field", e.field, "value", e.value)
			return fmt.Errorf("%s must start with http:// or https://, got: %s", e.field, e.value)
		}
	}

	if p.VerifySignatures && p.JWKSURL == "" && p.Issuer == "" {
		slog.Error("Missing key set for signature verification", "field", "provider.jwks_url")
		return errors.New("provider.verify_signatures requires provider.jwks_url or provider.issuer")
	}

	switch p.TransportSecurity {
	case "", TransportStrict:
	case TransportInsecureForTesting:
		if !devMode {
			slog.Error("Insecure transport refused outside dev mode", "field", "provider.transport_security", "value", p.TransportSecurity)
			return fmt.Errorf("provider.transport_security %q is only allowed with server.dev_mode", p.TransportSecurity)
		}
	default:
		slog.Error("Invalid transport security mode", "field", "provider.transport_security", "value", p.TransportSecurity, "valid_values", []TransportSecurityMode{TransportStrict, TransportInsecureForTesting})
		return fmt.Errorf("provider.transport_security must be %q or %q, got: %s", TransportStrict, TransportInsecureForTesting, p.TransportSecurity)
	}

	for field, val := range map[string]string{"provider.connect_timeout": p.ConnectTimeout, "provider.read_timeout": p.ReadTimeout} {
		if val == "" {
			continue
		}
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			slog.Error("Invalid provider timeout", "field", field, "value", val)
			return fmt.Errorf("%s must be a positive duration, got: %s", field, val)
		}
	}

	return nil
}

// AuthorizationParams returns the per-redirect request parameters for an
// original request path and raw query.
func (p ProviderConfig) AuthorizationParams(originalPath, originalQuery string) AuthorizationRequestParams {
	return AuthorizationRequestParams{
		ClientID:    p.ClientID,
		AdapterID:   p.AdapterID,
		Scopes:      p.Scopes,
		RedirectURI: p.RedirectURI,
		State:       buildState(originalPath, originalQuery),
	}
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// hostOf extracts the host name (without port or path) from an absolute URL.
func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
