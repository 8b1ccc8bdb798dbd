package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"oidcrp/attrpath"
	"oidcrp/client"
)

// Session and transaction defaults
const (
	DefaultSessionCookieName      = "auth_session"
	DefaultSessionMaxAge          = 2592000
	DefaultSweepInterval          = time.Hour
	DefaultCodeVerifierCookieName = "oidc_code_verifier"
	DefaultStateCookieName        = "oidc_state"
	DefaultNonceCookieName        = "oidc_nonce"
	DefaultHTTPTimeout            = 10 * time.Second

	transactionCookieMaxAge = 600
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"OIDCRP_SERVER_PUBLIC_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"OIDCRP_SERVER_DEV_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"OIDCRP_SERVER_HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"OIDCRP_SERVER_HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"OIDCRP_SERVER_DEV_MODE"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"OIDCRP_SERVER_TLS_DOMAINS"`
	Email      string   `yaml:"email" env:"OIDCRP_SERVER_TLS_EMAIL"`
	CacheDir   string   `yaml:"cache_dir" env:"OIDCRP_SERVER_TLS_CACHE_DIR"`
	MinVersion string   `yaml:"min_version" env:"OIDCRP_SERVER_TLS_MIN_VERSION"`
}

// SessionConfig controls the session cookie and lifetime. MaxAge is in seconds.
type SessionConfig struct {
	CookieName    string        `yaml:"cookie_name" env:"OIDCRP_SESSION_COOKIE_NAME"`
	MaxAge        int           `yaml:"max_age" env:"OIDCRP_SESSION_MAX_AGE"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"OIDCRP_SESSION_SWEEP_INTERVAL"`
}

// OIDCConfig describes the relying party registration at the provider.
type OIDCConfig struct {
	Issuer       string `yaml:"issuer" env:"OIDCRP_OIDC_ISSUER"`
	ClientID     string `yaml:"client_id" env:"OIDCRP_OIDC_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"OIDCRP_OIDC_CLIENT_SECRET"`

	// Discovery fills unset endpoints from the issuer metadata at startup.
	Discovery             bool   `yaml:"discovery" env:"OIDCRP_OIDC_DISCOVERY"`
	AuthorizationEndpoint string `yaml:"authorization_endpoint" env:"OIDCRP_OIDC_AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string `yaml:"token_endpoint" env:"OIDCRP_OIDC_TOKEN_ENDPOINT"`
	UserinfoEndpoint      string `yaml:"userinfo_endpoint" env:"OIDCRP_OIDC_USERINFO_ENDPOINT"`
	EndSessionEndpoint    string `yaml:"end_session_endpoint" env:"OIDCRP_OIDC_END_SESSION_ENDPOINT"`
	JWKSURI               string `yaml:"jwks_uri" env:"OIDCRP_OIDC_JWKS_URI"`

	Scopes             []string `yaml:"scopes" env:"OIDCRP_OIDC_SCOPES" env-separator:" "`
	NameAttributePath  string   `yaml:"name_attribute_path" env:"OIDCRP_OIDC_NAME_ATTRIBUTE_PATH"`
	EmailAttributePath string   `yaml:"email_attribute_path" env:"OIDCRP_OIDC_EMAIL_ATTRIBUTE_PATH"`
	RoleAttributePath  string   `yaml:"role_attribute_path" env:"OIDCRP_OIDC_ROLE_ATTRIBUTE_PATH"`

	CodeVerifierCookieName string `yaml:"code_verifier_cookie_name" env:"OIDCRP_OIDC_CODE_VERIFIER_COOKIE_NAME"`
	StateCookieName        string `yaml:"state_cookie_name" env:"OIDCRP_OIDC_STATE_COOKIE_NAME"`
	NonceCookieName        string `yaml:"nonce_cookie_name" env:"OIDCRP_OIDC_NONCE_COOKIE_NAME"`

	StateSecret string        `yaml:"state_secret" env:"OIDCRP_OIDC_STATE_SECRET"`
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"OIDCRP_OIDC_HTTP_TIMEOUT"`
}

// StorageConfig selects the user and session store.
type StorageConfig struct {
	Driver      string `yaml:"driver" env:"OIDCRP_STORAGE_DRIVER"`
	DatabaseURL string `yaml:"database_url" env:"OIDCRP_DATABASE_URL"`
	MaxConns    int32  `yaml:"max_conns" env:"OIDCRP_STORAGE_MAX_CONNS"`
	Migrate     bool   `yaml:"migrate" env:"OIDCRP_STORAGE_MIGRATE"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
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

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read environment overrides", "error", err)
		return Config{}, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".autocert",
				MinVersion: "1.2",
			},
		},
		Session: SessionConfig{
			CookieName:    DefaultSessionCookieName,
			MaxAge:        DefaultSessionMaxAge,
			SweepInterval: DefaultSweepInterval,
		},
		OIDC: OIDCConfig{
			Scopes:                 append([]string(nil), client.DefaultScopes...),
			NameAttributePath:      client.DefaultNamePath,
			EmailAttributePath:     client.DefaultEmailPath,
			RoleAttributePath:      client.DefaultRolePath,
			CodeVerifierCookieName: DefaultCodeVerifierCookieName,
			StateCookieName:        DefaultStateCookieName,
			NonceCookieName:        DefaultNonceCookieName,
			HTTPTimeout:            DefaultHTTPTimeout,
		},
		Storage: StorageConfig{
			Driver:   DriverMemory,
			MaxConns: 10,
			Migrate:  true,
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

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch u, err := url.Parse(c.Server.PublicURL); {
	case c.Server.PublicURL == "":
		fail("server.public_url is required")
	case err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		fail("server.public_url must be an absolute http(s) URL, got: %s", c.Server.PublicURL)
	case !c.Server.DevMode && u.Scheme != "https":
		fail("server.public_url must use https outside dev mode")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		fail("server.tls.domains must be provided in production")
	}
	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		fail("server.tls.min_version must be '1.2' or '1.3', got: %s", v)
	}

	if c.Session.CookieName == "" {
		fail("session.cookie_name is required")
	}
	if c.Session.MaxAge <= 0 {
		fail("session.max_age must be positive, got: %d", c.Session.MaxAge)
	}
	if c.Session.SweepInterval < 0 {
		fail("session.sweep_interval must not be negative")
	}

	o := c.OIDC
	if o.Issuer == "" {
		fail("oidc.issuer is required")
	}
	if o.ClientID == "" {
		fail("oidc.client_id is required")
	}
	if !o.Discovery {
		for name, val := range map[string]string{
			"oidc.authorization_endpoint": o.AuthorizationEndpoint,
			"oidc.token_endpoint":         o.TokenEndpoint,
			"oidc.userinfo_endpoint":      o.UserinfoEndpoint,
			"oidc.jwks_uri":               o.JWKSURI,
		} {
			if val == "" {
				fail("%s is required unless oidc.discovery is enabled", name)
			}
		}
	}
	for name, val := range map[string]string{
		"oidc.issuer":                 o.Issuer,
		"oidc.authorization_endpoint": o.AuthorizationEndpoint,
		"oidc.token_endpoint":         o.TokenEndpoint,
		"oidc.userinfo_endpoint":      o.UserinfoEndpoint,
		"oidc.end_session_endpoint":   o.EndSessionEndpoint,
		"oidc.jwks_uri":               o.JWKSURI,
	} {
		if val != "" && !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
			fail("%s must start with http:// or https://, got: %s", name, val)
		}
	}
	for name, path := range map[string]string{
		"oidc.name_attribute_path":  o.NameAttributePath,
		"oidc.email_attribute_path": o.EmailAttributePath,
		"oidc.role_attribute_path":  o.RoleAttributePath,
	} {
		if path == "" {
			continue
		}
		if _, err := attrpath.Compile(path); err != nil {
			fail("%s: %w", name, err)
		}
	}
	cookies := map[string]string{}
	for name, val := range map[string]string{
		"session.cookie_name":            c.Session.CookieName,
		"oidc.code_verifier_cookie_name": o.CodeVerifierCookieName,
		"oidc.state_cookie_name":         o.StateCookieName,
		"oidc.nonce_cookie_name":         o.NonceCookieName,
	} {
		if val == "" {
			if name != "session.cookie_name" {
				fail("%s is required", name)
			}
			continue
		}
		if other, dup := cookies[val]; dup {
			fail("%s and %s must differ", name, other)
		}
		cookies[val] = name
	}
	if o.HTTPTimeout < 0 {
		fail("oidc.http_timeout must not be negative")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			fail("storage.database_url is required for the postgres driver")
		}
	default:
		fail("storage.driver must be %q or %q, got: %q", DriverMemory, DriverPostgres, c.Storage.Driver)
	}

	return result.ErrorOrNil()
}

// RootURL is the public origin without a trailing slash.
func (c Config) RootURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// SessionLifetime converts session.max_age to a duration.
func (c Config) SessionLifetime() time.Duration {
	return time.Duration(c.Session.MaxAge) * time.Second
}

// ClientConfig maps the oidc section onto the relying-party client.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		RootURL:               c.RootURL(),
		ClientID:              c.OIDC.ClientID,
		ClientSecret:          c.OIDC.ClientSecret,
		Issuer:                c.OIDC.Issuer,
		AuthorizationEndpoint: c.OIDC.AuthorizationEndpoint,
		TokenEndpoint:         c.OIDC.TokenEndpoint,
		UserInfoEndpoint:      c.OIDC.UserinfoEndpoint,
		EndSessionEndpoint:    c.OIDC.EndSessionEndpoint,
		JWKSURI:               c.OIDC.JWKSURI,
		Scopes:                c.OIDC.Scopes,
		NameAttributePath:     c.OIDC.NameAttributePath,
		EmailAttributePath:    c.OIDC.EmailAttributePath,
		RoleAttributePath:     c.OIDC.RoleAttributePath,
		StateSecret:           c.OIDC.StateSecret,
		HTTPTimeout:           c.OIDC.HTTPTimeout,
	}
}
