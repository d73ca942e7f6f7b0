package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/veramed/caregate/internal/log"
)

// OIDCConfig configures the OIDC identity provider.
type OIDCConfig struct {
	// IssuerURL for OIDC discovery.
	IssuerURL string

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// PublicKey is the provider's publishable API key, sent alongside
	// requests to provider REST endpoints that require it.
	PublicKey string

	// SignOutURL is the provider endpoint that revokes the provider session.
	SignOutURL string

	HTTPClient *http.Client // optional, defaults to a 30s-timeout client
}

// OIDCProvider implements Provider against any OIDC-compliant issuer.
type OIDCProvider struct {
	config     oauth2.Config
	verifier   *gooidc.IDTokenVerifier
	provider   *gooidc.Provider
	publicKey  string
	signOutURL string
	httpClient *http.Client
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDCProvider creates a provider from OIDC discovery.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	discoveryCtx := context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	issuer := strings.TrimSuffix(cfg.IssuerURL, "/")
	provider, err := gooidc.NewProvider(discoveryCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     provider.Endpoint(),
		},
		verifier:   provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		provider:   provider,
		publicKey:  cfg.PublicKey,
		signOutURL: cfg.SignOutURL,
		httpClient: httpClient,
	}, nil
}

// AuthURL generates the authorization URL.
func (p *OIDCProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// sessionClaims is the superset of claims the gateway reads from the
// provider. The candidate role may arrive under user_metadata or as a
// top-level claim depending on provider configuration.
type sessionClaims struct {
	Sub          string `json:"sub"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	UserMetadata struct {
		Role string `json:"role"`
	} `json:"user_metadata"`
}

func (c sessionClaims) roleHint() string {
	if c.UserMetadata.Role != "" {
		return c.UserMetadata.Role
	}
	return c.Role
}

// ExchangeCode exchanges an authorization code for a provider session,
// verifying the ID token against the provider's JWKS.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string) (*Identity, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, errors.New("missing id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	var claims sessionClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", err)
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}

	return &Identity{
		Subject:      claims.Sub,
		Email:        claims.Email,
		Name:         claims.Name,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		RoleHint:     claims.roleHint(),
	}, nil
}

// SignOut revokes the provider session. Best effort: the caller logs the
// error and finishes logout regardless.
func (p *OIDCProvider) SignOut(ctx context.Context, accessToken string) error {
	if p.signOutURL == "" || accessToken == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.signOutURL, nil)
	if err != nil {
		return fmt.Errorf("creating sign-out request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if p.publicKey != "" {
		req.Header.Set("apikey", p.publicKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider sign-out: %w", err)
	}
	defer resp.Body.Close()

	// Providers return 204 on success; an already-dead session is fine too.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("provider sign-out: status %d", resp.StatusCode)
	}

	log.LogDebugWithFields("idp", "Provider session revoked", map[string]any{
		"status": resp.StatusCode,
	})
	return nil
}
