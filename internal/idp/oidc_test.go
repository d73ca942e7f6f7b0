package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleHintPrecedence(t *testing.T) {
	var c sessionClaims
	c.Role = "patient"
	assert.Equal(t, "patient", c.roleHint())

	c.UserMetadata.Role = "doctor"
	assert.Equal(t, "doctor", c.roleHint(), "user_metadata role wins over top-level claim")

	var empty sessionClaims
	assert.Empty(t, empty.roleHint())
}

func TestNewOIDCProviderValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewOIDCProvider(ctx, OIDCConfig{ClientID: "c", RedirectURL: "https://x/cb"})
	assert.ErrorContains(t, err, "issuer URL")

	_, err = NewOIDCProvider(ctx, OIDCConfig{IssuerURL: "https://idp", RedirectURL: "https://x/cb"})
	assert.ErrorContains(t, err, "client ID")

	_, err = NewOIDCProvider(ctx, OIDCConfig{IssuerURL: "https://idp", ClientID: "c"})
	assert.ErrorContains(t, err, "redirect URL")
}

func TestSignOut(t *testing.T) {
	var gotAuth, gotAPIKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("apikey")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	p := &OIDCProvider{
		signOutURL: upstream.URL,
		publicKey:  "anon-key",
		httpClient: &http.Client{Timeout: time.Second},
	}

	require.NoError(t, p.SignOut(context.Background(), "tok-1"))
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "anon-key", gotAPIKey)
}

func TestSignOutToleratesUnauthorized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	p := &OIDCProvider{
		signOutURL: upstream.URL,
		httpClient: &http.Client{Timeout: time.Second},
	}

	assert.NoError(t, p.SignOut(context.Background(), "stale-token"))
}

func TestSignOutNoopWithoutEndpoint(t *testing.T) {
	p := &OIDCProvider{httpClient: http.DefaultClient}
	assert.NoError(t, p.SignOut(context.Background(), "tok"))
	assert.NoError(t, (&OIDCProvider{signOutURL: "https://idp/logout", httpClient: http.DefaultClient}).SignOut(context.Background(), ""))
}
