package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "https://api.example.com")

	var cfg Config
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, AuthModeBackend, cfg.AuthMode)
	assert.Equal(t, StoreMemory, cfg.ProfileStore)
	assert.Equal(t, 5*time.Minute, cfg.Proxy.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Session.CredentialTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.OAuthTokenTTL)
	assert.Equal(t, 15*time.Minute, cfg.Session.InactivityWindow)
	assert.Equal(t, 30*time.Second, cfg.Session.InactivityPoll)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresBackendURL(t *testing.T) {
	var cfg Config
	require.NoError(t, env.Parse(&cfg))
	cfg.AuthMode = AuthModeBackend
	cfg.BackendBaseURL = ""

	assert.Error(t, cfg.Validate())

	cfg.AuthMode = AuthModeMock
	assert.NoError(t, cfg.Validate())
}

func TestValidateIdPPresence(t *testing.T) {
	cfg := Config{
		BackendBaseURL: "https://api.example.com",
		AuthMode:       AuthModeBackend,
	}
	cfg.IdP.IssuerURL = "https://idp.example.com"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDP_CLIENT_ID")

	cfg.IdP.ClientID = "client"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDP_REDIRECT_URL")

	cfg.IdP.RedirectURL = "https://app.example.com/api/auth/callback"
	assert.NoError(t, cfg.Validate())
}

func TestStoreKindUnmarshal(t *testing.T) {
	var k StoreKind
	require.NoError(t, k.UnmarshalText([]byte("Redis")))
	assert.Equal(t, StoreRedis, k)

	assert.Error(t, k.UnmarshalText([]byte("mongo")))
}

func TestSanitizeGuardrails(t *testing.T) {
	cfg := Config{}
	cfg.Proxy.Timeout = time.Second
	cfg.Session.InactivityPoll = -1
	cfg.Session.InactivityWindow = time.Second

	cfg.Sanitize()

	assert.Equal(t, time.Minute, cfg.Proxy.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Session.InactivityPoll)
	assert.Equal(t, 15*time.Minute, cfg.Session.InactivityWindow)
}

func TestProfileStoreValidation(t *testing.T) {
	cfg := Config{BackendBaseURL: "https://api.example.com"}

	cfg.ProfileStore = StoreRedis
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg.ProfileStore = StoreFirestore
	assert.Error(t, cfg.Validate())

	cfg.Firestore.ProjectID = "veramed-dev"
	assert.NoError(t, cfg.Validate())
}
