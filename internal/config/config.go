package config

// Package config loads gateway configuration from environment variables
// using github.com/caarlos0/env. Values are validated for presence only;
// deeper schema validation belongs to the services that consume them.

import (
	"fmt"
	"strings"
	"time"
)

// StoreKind selects the profile-store backend.
type StoreKind string

const (
	StoreMemory    StoreKind = "memory"
	StoreRedis     StoreKind = "redis"
	StoreFirestore StoreKind = "firestore"
)

// UnmarshalText implements encoding.TextUnmarshaler for StoreKind.
func (s *StoreKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "memory", "redis", "firestore":
		*s = StoreKind(v)
		return nil
	default:
		return fmt.Errorf("invalid store kind: %q (valid options: memory, redis, firestore)", v)
	}
}

// AuthMode selects between the real backend/IdP and a local mock table.
type AuthMode string

const (
	AuthModeBackend AuthMode = "backend"
	AuthModeMock    AuthMode = "mock"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "backend", "mock":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid auth mode: %q (valid options: backend, mock)", v)
	}
}

// IdPConfig configures the external identity provider (OIDC).
type IdPConfig struct {
	// IssuerURL is used for OIDC discovery.
	IssuerURL string `env:"ISSUER_URL"`

	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`

	// PublicKey is the provider's publishable key, forwarded to provider
	// endpoints that require it (presence-validated only).
	PublicKey string `env:"PUBLIC_KEY"`

	// SignOutURL is invoked best-effort on logout to end the provider session.
	SignOutURL string `env:"SIGNOUT_URL"`

	Scopes []string `env:"SCOPES" envDefault:"openid,profile,email" envSeparator:","`
}

// RedisConfig configures the optional Redis backend.
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// FirestoreConfig configures the optional Firestore backend.
type FirestoreConfig struct {
	ProjectID  string `env:"PROJECT_ID"`
	Database   string `env:"DATABASE"`
	Collection string `env:"COLLECTION" envDefault:"profiles"`
}

// ProxyConfig configures the authenticated reverse proxy.
type ProxyConfig struct {
	// Timeout bounds a single forwarded call. Generous on purpose: some
	// upstream operations legitimately stream or compute for minutes.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5m"`
}

// SessionConfig carries token lifetimes and the inactivity watchdog settings.
type SessionConfig struct {
	// CredentialTokenTTL applies to tokens from the direct credential login.
	CredentialTokenTTL time.Duration `env:"CREDENTIAL_TOKEN_TTL" envDefault:"24h"`

	// OAuthTokenTTL applies to tokens from the identity-provider flow.
	OAuthTokenTTL time.Duration `env:"OAUTH_TOKEN_TTL" envDefault:"168h"`

	InactivityWindow time.Duration `env:"INACTIVITY_WINDOW" envDefault:"15m"`
	InactivityPoll   time.Duration `env:"INACTIVITY_POLL" envDefault:"30s"`
}

// Config is the top-level gateway configuration.
type Config struct {
	// Addr is the listen address.
	Addr string `env:"ADDR" envDefault:":8080"`

	// BackendBaseURL is the API the proxy forwards to.
	BackendBaseURL string `env:"BACKEND_BASE_URL"`

	AuthMode AuthMode `env:"AUTH_MODE" envDefault:"backend"`

	// AllowedOrigins for CORS; empty allows all (development).
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// StateSigningKey signs the OAuth state parameter.
	StateSigningKey string `env:"STATE_SIGNING_KEY"`

	ProfileStore StoreKind       `env:"PROFILE_STORE" envDefault:"memory"`
	IdP          IdPConfig       `envPrefix:"IDP_"`
	Redis        RedisConfig     `envPrefix:"REDIS_"`
	Firestore    FirestoreConfig `envPrefix:"FIRESTORE_"`
	Proxy        ProxyConfig     `envPrefix:"PROXY_"`
	Session      SessionConfig   `envPrefix:"SESSION_"`
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *Config) Sanitize() {
	if c.Proxy.Timeout < time.Minute {
		c.Proxy.Timeout = time.Minute
	}
	if c.Session.InactivityPoll <= 0 {
		c.Session.InactivityPoll = 30 * time.Second
	}
	if c.Session.InactivityWindow < c.Session.InactivityPoll {
		c.Session.InactivityWindow = 15 * time.Minute
	}
}

// Validate checks for the presence of externally supplied settings the
// gateway cannot run without.
func (c *Config) Validate() error {
	if c.BackendBaseURL == "" && c.AuthMode != AuthModeMock {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if c.AuthMode == AuthModeBackend && c.IdP.IssuerURL != "" {
		if c.IdP.ClientID == "" {
			return fmt.Errorf("IDP_CLIENT_ID is required when IDP_ISSUER_URL is set")
		}
		if c.IdP.RedirectURL == "" {
			return fmt.Errorf("IDP_REDIRECT_URL is required when IDP_ISSUER_URL is set")
		}
	}
	switch c.ProfileStore {
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis profile store")
		}
	case StoreFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore profile store")
		}
	}
	return nil
}
