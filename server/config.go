package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"traced/federation"
	"traced/guard"
	"traced/session"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "TRACED_"

// Hardcoded login and session defaults
const (
	DefaultExchangeTimeout = federation.DefaultExchangeTimeout
	DefaultNonceTTL        = federation.DefaultNonceTTL
	MaxNonceTTL            = 10 * time.Minute
	DefaultSessionTTL      = session.DefaultTTL
	DefaultLoginPerMinute  = 10
	DefaultLoginBurst      = 5
	DefaultCatalogTimeout  = 30 * time.Second
)

// Backend names accepted in configuration.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig          `yaml:"server" envPrefix:"SERVER_"`
	Providers ProvidersConfig       `yaml:"providers" envPrefix:"PROVIDERS_"`
	Login     LoginConfig           `yaml:"login" envPrefix:"LOGIN_"`
	Sessions  SessionsConfig        `yaml:"sessions" envPrefix:"SESSIONS_"`
	Admins    []string              `yaml:"admins" env:"ADMINS" envSeparator:","`
	Routes    map[string]guard.Rule `yaml:"routes,omitempty"`
	Catalog   CatalogConfig         `yaml:"catalog" envPrefix:"CATALOG_"`
	Telemetry TelemetryConfig       `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr     string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr    string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode           bool      `yaml:"dev_mode" env:"DEV_MODE"`
	CookieDomain      string    `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
	CORSOrigins       []string  `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	TLS               TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"EMAIL"`
	CacheDir   string   `yaml:"cache_dir" env:"CACHE_DIR"`
	MinVersion string   `yaml:"min_version" env:"MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// ProvidersConfig holds credentials for the two supported identity providers.
// A provider without a client_id is not offered.
type ProvidersConfig struct {
	GitHub    ProviderConfig `yaml:"github" envPrefix:"GITHUB_"`
	SwitchEdu ProviderConfig `yaml:"switchedu" envPrefix:"SWITCHEDU_"`
}

// ProviderConfig supplies credentials and optional endpoint overrides.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	AuthorizeURL string   `yaml:"authorize_url,omitempty" env:"AUTHORIZE_URL"`
	TokenURL     string   `yaml:"token_url,omitempty" env:"TOKEN_URL"`
	UserInfoURL  string   `yaml:"userinfo_url,omitempty" env:"USERINFO_URL"`
	APIURL       string   `yaml:"api_url,omitempty" env:"API_URL"`
	Issuer       string   `yaml:"issuer,omitempty" env:"ISSUER"`
	JWKSURL      string   `yaml:"jwks_url,omitempty" env:"JWKS_URL"`
	Scopes       []string `yaml:"scopes,omitempty" env:"SCOPES" envSeparator:","`
	RetainToken  *bool    `yaml:"retain_token,omitempty" env:"RETAIN_TOKEN"`
}

// Configured reports whether the provider should be offered.
func (p ProviderConfig) Configured() bool {
	return strings.TrimSpace(p.ClientID) != ""
}

// LoginConfig bounds the login round trip.
type LoginConfig struct {
	NonceTTL        time.Duration   `yaml:"nonce_ttl" env:"NONCE_TTL"`
	ExchangeTimeout time.Duration   `yaml:"exchange_timeout" env:"EXCHANGE_TIMEOUT"`
	NonceBackend    string          `yaml:"nonce_backend" env:"NONCE_BACKEND"`
	Redis           RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// RedisConfig addresses the shared nonce store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password,omitempty" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// RateLimitConfig caps login and callback attempts per client IP. Zero
// per_minute disables the limiter.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" env:"PER_MINUTE"`
	Burst     int `yaml:"burst" env:"BURST"`
}

// SessionsConfig selects where sessions are persisted.
type SessionsConfig struct {
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
	Backend string        `yaml:"backend" env:"BACKEND"`
	DSN     string        `yaml:"dsn,omitempty" env:"DSN"`
}

// CatalogConfig points at the record service behind /api.
type CatalogConfig struct {
	Target  string        `yaml:"target" env:"TARGET"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(b, &cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	sanitized := stripYAMLComments(b)
	if len(bytes.TrimSpace(sanitized)) == 0 {
		return nil
	}

	// Strict decoding so typos surface instead of silently falling back to defaults
	decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Login: LoginConfig{
			NonceTTL:        DefaultNonceTTL,
			ExchangeTimeout: DefaultExchangeTimeout,
			NonceBackend:    BackendMemory,
			RateLimit: RateLimitConfig{
				PerMinute: DefaultLoginPerMinute,
				Burst:     DefaultLoginBurst,
			},
		},
		Sessions: SessionsConfig{
			TTL:     DefaultSessionTTL,
			Backend: BackendMemory,
		},
		Catalog: CatalogConfig{
			Timeout: DefaultCatalogTimeout,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "traced",
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

// applyEnvOverrides layers TRACED_* variables over the file values. Unset
// variables leave the file value in place.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
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

	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
	}

	if c.Server.CookieDomain != "" {
		u, _ := url.Parse(c.Server.PublicURL)
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if host != cookieDomain && !strings.HasSuffix(host, "."+cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := c.validateProviders(); err != nil {
		return err
	}

	if c.Login.NonceTTL <= 0 || c.Login.NonceTTL > MaxNonceTTL {
		slog.Error("Invalid nonce lifetime", "field", "login.nonce_ttl", "value", c.Login.NonceTTL.String(), "max", MaxNonceTTL.String())
		return fmt.Errorf("login.nonce_ttl must be between 0 and %s, got: %s", MaxNonceTTL, c.Login.NonceTTL)
	}
	if c.Login.ExchangeTimeout <= 0 {
		return fmt.Errorf("login.exchange_timeout must be positive, got: %s", c.Login.ExchangeTimeout)
	}
	switch c.Login.NonceBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Login.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "login.redis.addr", "reason", "required for the redis nonce backend")
			return errors.New("login.redis.addr is required when login.nonce_backend is redis")
		}
	default:
		return fmt.Errorf("login.nonce_backend must be 'memory' or 'redis', got: %s", c.Login.NonceBackend)
	}
	if c.Login.RateLimit.PerMinute < 0 || c.Login.RateLimit.Burst < 0 {
		return errors.New("login.rate_limit values must not be negative")
	}
	if c.Login.RateLimit.PerMinute > 0 && c.Login.RateLimit.Burst == 0 {
		return errors.New("login.rate_limit.burst must be at least 1 when the limiter is enabled")
	}

	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive, got: %s", c.Sessions.TTL)
	}
	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if strings.TrimSpace(c.Sessions.DSN) == "" {
			slog.Error("Missing required configuration", "field", "sessions.dsn", "backend", c.Sessions.Backend)
			return fmt.Errorf("sessions.dsn is required for the %s backend", c.Sessions.Backend)
		}
	default:
		return fmt.Errorf("sessions.backend must be 'memory', 'sqlite' or 'postgres', got: %s", c.Sessions.Backend)
	}

	for i, key := range c.Admins {
		provider, subject, ok := strings.Cut(strings.TrimSpace(key), ":")
		if !ok || subject == "" || (provider != federation.ProviderGitHub && provider != federation.ProviderSwitchEdu) {
			slog.Error("Invalid admin entry", "index", i, "value", key, "format", "provider:subject")
			return fmt.Errorf("admins[%d]: want 'github:<id>' or 'switchedu:<sub>', got: %s", i, key)
		}
	}

	if _, err := c.RouteTable(); err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	if c.Catalog.Target != "" && !isHTTPURL(c.Catalog.Target) {
		slog.Error("Invalid catalog target URL", "target", c.Catalog.Target, "reason", "must be a valid HTTP(S) URL")
		return fmt.Errorf("catalog.target must start with http:// or https://, got: %s", c.Catalog.Target)
	}

	return nil
}

func (c Config) validateProviders() error {
	entries := []struct {
		id  string
		cfg ProviderConfig
	}{
		{federation.ProviderGitHub, c.Providers.GitHub},
		{federation.ProviderSwitchEdu, c.Providers.SwitchEdu},
	}
	configured := 0
	for _, e := range entries {
		if !e.cfg.Configured() {
			continue
		}
		configured++
		if e.cfg.ClientSecret == "" {
			slog.Error("Provider missing client_secret", "provider", e.id, "field", fmt.Sprintf("providers.%s.client_secret", e.id))
			return fmt.Errorf("providers.%s.client_secret is required", e.id)
		}
		for field, v := range map[string]string{
			"authorize_url": e.cfg.AuthorizeURL,
			"token_url":     e.cfg.TokenURL,
			"userinfo_url":  e.cfg.UserInfoURL,
			"api_url":       e.cfg.APIURL,
			"issuer":        e.cfg.Issuer,
			"jwks_url":      e.cfg.JWKSURL,
		} {
			if v != "" && !isHTTPURL(v) {
				return fmt.Errorf("providers.%s.%s must start with http:// or https://, got: %s", e.id, field, v)
			}
		}
	}
	if configured == 0 {
		slog.Error("No identity providers configured", "reason", "set providers.github.client_id or providers.switchedu.client_id")
		return federation.ErrNoProviders
	}
	return nil
}

// RouteTable builds the guard table: defaults first, then configured overrides.
func (c Config) RouteTable() (*guard.Table, error) {
	rules := guard.DefaultRules()
	for k, v := range c.Routes {
		rules[k] = v
	}
	return guard.NewTable(rules)
}

// Descriptors resolves the configured providers against the built-in templates.
func (c Config) Descriptors() []federation.Descriptor {
	base := strings.TrimSuffix(c.Server.PublicURL, "/")
	var out []federation.Descriptor
	for _, e := range []struct {
		tmpl federation.Descriptor
		cfg  ProviderConfig
	}{
		{federation.GitHubTemplate(), c.Providers.GitHub},
		{federation.SwitchEduTemplate(), c.Providers.SwitchEdu},
	} {
		if !e.cfg.Configured() {
			continue
		}
		d := e.tmpl
		d.ClientID = strings.TrimSpace(e.cfg.ClientID)
		d.ClientSecret = e.cfg.ClientSecret
		d.RedirectURI = base + "/callback/" + d.ID
		d.AuthorizeURL = orDefault(e.cfg.AuthorizeURL, d.AuthorizeURL)
		d.TokenURL = orDefault(e.cfg.TokenURL, d.TokenURL)
		d.UserInfoURL = orDefault(e.cfg.UserInfoURL, d.UserInfoURL)
		d.APIURL = orDefault(e.cfg.APIURL, d.APIURL)
		d.Issuer = orDefault(e.cfg.Issuer, d.Issuer)
		d.JWKSURL = orDefault(e.cfg.JWKSURL, d.JWKSURL)
		for _, s := range e.cfg.Scopes {
			if s = strings.TrimSpace(s); s != "" && !slices.Contains(d.Scopes, s) {
				d.Scopes = append(d.Scopes, s)
			}
		}
		if e.cfg.RetainToken != nil {
			d.RetainAccessToken = *e.cfg.RetainToken
		}
		out = append(out, d)
	}
	return out
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func isHTTPURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
