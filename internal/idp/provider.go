package idp

// Package idp abstracts the external identity provider. The application does
// not own the provider session; it observes it and mirrors the result into
// its own cookie-backed session.

import (
	"context"
	"time"
)

// Identity is the provider session as observed by the gateway: the tokens to
// mirror into cookies plus the user metadata needed for role resolution.
type Identity struct {
	Subject      string    `json:"sub"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`

	// RoleHint is the candidate role embedded in provider metadata. It ranks
	// below the profile store in role resolution.
	RoleHint string `json:"role_hint,omitempty"`
}

// Provider abstracts identity provider operations.
type Provider interface {
	// AuthURL generates the authorization URL for the OAuth flow.
	AuthURL(state string) string

	// ExchangeCode exchanges an authorization code for a provider session.
	ExchangeCode(ctx context.Context, code string) (*Identity, error)

	// SignOut ends the provider-side session, best effort. Errors are
	// reported so callers can log them; logout proceeds regardless.
	SignOut(ctx context.Context, accessToken string) error
}
