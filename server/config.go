package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gatherer/callback"
)

// Hardcoded flow defaults
const (
	DefaultCodeCooldown  = 60 * time.Second
	DefaultScreenTTL     = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultHomePath      = "/"
	DefaultCallbackPath  = "/auth/callback"
)

// Provider kinds understood by BuildProvider.
const (
	ProviderGoTrue = "gotrue"
	ProviderOIDC   = "oidc"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Auth    AuthConfig   `yaml:"auth"`
	Screens ScreenConfig `yaml:"screens"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	HomePath        string     `yaml:"home_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig selects and configures the upstream auth backend.
type AuthConfig struct {
	Provider     string           `yaml:"provider"`
	URL          string           `yaml:"url"`
	AnonKey      string           `yaml:"anon_key"`
	RedirectURL  string           `yaml:"redirect_url"`
	JWTSecret    string           `yaml:"jwt_secret"`
	JWKSURL      string           `yaml:"jwks_url"`
	CallTimeout  time.Duration    `yaml:"call_timeout"`
	CodeCooldown time.Duration    `yaml:"code_cooldown"`
	OIDC         UpstreamProvider `yaml:"oidc"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// ScreenConfig bounds how long unmounted callback screens are retained.
type ScreenConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Environment keys shared with the web and mobile clients, VITE preferred.
var (
	legacyURLKeys     = []string{"VITE_SUPABASE_URL", "EXPO_PUBLIC_SUPABASE_URL"}
	legacyAnonKeyKeys = []string{"VITE_SUPABASE_ANON_KEY", "EXPO_PUBLIC_SUPABASE_ANON_KEY"}
)

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDerivedDefaults(&cfg)

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
			HomePath:        DefaultHomePath,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Auth: AuthConfig{
			Provider:     ProviderGoTrue,
			CallTimeout:  callback.DefaultCallTimeout,
			CodeCooldown: DefaultCodeCooldown,
		},
		Screens: ScreenConfig{
			TTL:           DefaultScreenTTL,
			SweepInterval: DefaultSweepInterval,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"GATHERER_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"GATHERER_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"GATHERER_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"GATHERER_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"GATHERER_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"GATHERER_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"GATHERER_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"GATHERER_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"GATHERER_AUTH_PROVIDER":            func(v string) { cfg.Auth.Provider = v },
		"GATHERER_AUTH_URL":                 func(v string) { cfg.Auth.URL = v },
		"GATHERER_AUTH_ANON_KEY":            func(v string) { cfg.Auth.AnonKey = v },
		"GATHERER_AUTH_REDIRECT_URL":        func(v string) { cfg.Auth.RedirectURL = v },
		"GATHERER_AUTH_JWT_SECRET":          func(v string) { cfg.Auth.JWTSecret = v },
		"GATHERER_AUTH_JWKS_URL":            func(v string) { cfg.Auth.JWKSURL = v },
		"GATHERER_AUTH_CALL_TIMEOUT":        func(v string) { cfg.Auth.CallTimeout = parseDuration(v, cfg.Auth.CallTimeout) },
		"GATHERER_AUTH_CODE_COOLDOWN":       func(v string) { cfg.Auth.CodeCooldown = parseDuration(v, cfg.Auth.CodeCooldown) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(strings.TrimSpace(val))
		}
	}

	if cfg.Auth.URL == "" {
		cfg.Auth.URL = firstEnv(legacyURLKeys)
	}
	if cfg.Auth.AnonKey == "" {
		cfg.Auth.AnonKey = firstEnv(legacyAnonKeyKeys)
	}
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.Auth.RedirectURL == "" {
		cfg.Auth.RedirectURL = strings.TrimSuffix(cfg.Server.PublicURL, "/") + DefaultCallbackPath
	}
	if cfg.Server.HomePath == "" {
		cfg.Server.HomePath = DefaultHomePath
	}
}

func firstEnv(keys []string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func detectedEnvKeys() []string {
	var found []string
	for _, key := range append(append([]string{}, legacyURLKeys...), legacyAnonKeyKeys...) {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			found = append(found, key)
		}
	}
	return found
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
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

// Validate performs minimal sanity checks on the config.
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

	if c.Server.HomePath != "" && !strings.HasPrefix(c.Server.HomePath, "/") {
		return fmt.Errorf("server.home_path must start with '/', got: %s", c.Server.HomePath)
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

	if c.Auth.CallTimeout < 0 {
		return fmt.Errorf("auth.call_timeout must not be negative, got: %s", c.Auth.CallTimeout)
	}
	if c.Auth.CodeCooldown < 0 {
		return fmt.Errorf("auth.code_cooldown must not be negative, got: %s", c.Auth.CodeCooldown)
	}
	if c.Auth.RedirectURL != "" && !strings.Contains(c.Auth.RedirectURL, "://") {
		return fmt.Errorf("auth.redirect_url must be an absolute URL or app deep link, got: %s", c.Auth.RedirectURL)
	}
	if c.Auth.JWKSURL != "" && !isHTTPURL(c.Auth.JWKSURL) {
		return fmt.Errorf("auth.jwks_url must start with http:// or https://, got: %s", c.Auth.JWKSURL)
	}

	switch c.Auth.Provider {
	case ProviderGoTrue:
		var invalid []string
		if !isHTTPURL(c.Auth.URL) {
			invalid = append(invalid, "auth.url")
		}
		if c.Auth.AnonKey == "" {
			invalid = append(invalid, "auth.anon_key")
		}
		if len(invalid) > 0 {
			detected := "none"
			if keys := detectedEnvKeys(); len(keys) > 0 {
				detected = strings.Join(keys, ", ")
			}
			slog.Error("Missing or invalid auth backend configuration", "fields", invalid, "detected_env_keys", detected)
			return fmt.Errorf("missing or invalid auth configuration: %s. Supported env keys: GATHERER_AUTH_URL / GATHERER_AUTH_ANON_KEY, VITE_SUPABASE_URL / VITE_SUPABASE_ANON_KEY or EXPO_PUBLIC_SUPABASE_URL / EXPO_PUBLIC_SUPABASE_ANON_KEY. Detected keys: %s",
				strings.Join(invalid, ", "), detected)
		}
	case ProviderOIDC:
		if c.Auth.OIDC.Issuer == "" {
			slog.Error("Provider missing issuer", "field", "auth.oidc.issuer")
			return errors.New("auth.oidc.issuer is required")
		}
		if c.Auth.OIDC.ClientID == "" {
			slog.Error("Provider missing client_id", "field", "auth.oidc.client_id")
			return errors.New("auth.oidc.client_id is required")
		}
	default:
		slog.Error("Unknown auth provider", "field", "auth.provider", "value", c.Auth.Provider, "valid_values", []string{ProviderGoTrue, ProviderOIDC})
		return fmt.Errorf("auth.provider must be %q or %q, got: %q", ProviderGoTrue, ProviderOIDC, c.Auth.Provider)
	}

	if c.Screens.TTL < 0 || c.Screens.SweepInterval < 0 {
		return errors.New("screens.ttl and screens.sweep_interval must not be negative")
	}

	return nil
}

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
