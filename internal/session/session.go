package session

// Package session converts a resolved session (token + role) into the
// canonical cookie set, and tears it down again. Materialization is the
// commit point of every login path; nothing may redirect to a protected
// route before it returns.

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/veramed/caregate/internal/broadcast"
	"github.com/veramed/caregate/internal/cookie"
	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/roles"
)

// Source identifies which exchange path produced the session. The two paths
// carry different token lifetimes; both are preserved as observed.
type Source int

const (
	SourceCredentials Source = iota
	SourceOAuth
)

// Session is the resolved authenticated state to be committed to cookies.
type Session struct {
	AccessToken  string
	RefreshToken string // optional
	Role         roles.Role
	Source       Source
	ExpiresAt    time.Time // zero means derive from the source's TTL
}

// Materializer commits sessions into cookie state. It owns the single-flight
// latch that collapses the two concurrent sign-in detection paths (hash
// fragment parse and provider auth event) into one materialization per token.
type Materializer struct {
	credentialTTL time.Duration
	oauthTTL      time.Duration
	group         singleflight.Group
	broadcaster   broadcast.Broadcaster
}

// NewMaterializer creates a materializer with the two observed token
// lifetimes and the logout broadcaster.
func NewMaterializer(credentialTTL, oauthTTL time.Duration, b broadcast.Broadcaster) *Materializer {
	if credentialTTL <= 0 {
		credentialTTL = cookie.CredentialTokenTTL
	}
	if oauthTTL <= 0 {
		oauthTTL = cookie.OAuthTokenTTL
	}
	return &Materializer{
		credentialTTL: credentialTTL,
		oauthTTL:      oauthTTL,
		broadcaster:   b,
	}
}

func (m *Materializer) tokenTTL(s Session) time.Duration {
	if s.Source == SourceCredentials {
		return m.credentialTTL
	}
	return m.oauthTTL
}

// Materialize stages the full cookie set on w. Cookies ride on one response,
// so the set is atomic from the caller's perspective; callers must only
// issue their redirect after this returns. Idempotent: the same session
// yields the same final cookie values.
func (m *Materializer) Materialize(w http.ResponseWriter, s Session) error {
	if s.AccessToken == "" {
		return ErrNoAccessToken
	}

	ttl := m.tokenTTL(s)

	cookie.SetUserToken(w, s.AccessToken, ttl)
	if s.RefreshToken != "" {
		cookie.SetRefreshToken(w, s.RefreshToken)
	}
	cookie.SetRole(w, string(s.Role))

	expires := s.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(ttl)
	}
	cookie.SetTokenExpires(w, expires)

	log.LogDebugWithFields("session", "Session materialized", map[string]any{
		"role":       string(s.Role),
		"hasRefresh": s.RefreshToken != "",
		"ttl":        ttl.String(),
	})
	return nil
}

// MaterializeOnce runs fn (which must call Materialize) at most once per
// access token even when two detection paths fire for the same sign-in.
// Later callers for the same token observe the first outcome.
func (m *Materializer) MaterializeOnce(token string, fn func() error) error {
	_, err, shared := m.group.Do(token, func() (any, error) {
		return nil, fn()
	})
	if shared {
		log.LogDebugWithFields("session", "Joined in-flight materialization", map[string]any{
			"sharedOutcome": true,
		})
	}
	return err
}

// Destroy clears the cookie set and publishes the logout signal so other
// tabs and instances redirect themselves to login. Backend and provider
// invalidation are the caller's concern (they are best-effort network calls
// with their own error handling).
func (m *Materializer) Destroy(ctx context.Context, w http.ResponseWriter, userID, reason string) {
	cookie.ClearAll(w)

	if m.broadcaster != nil {
		if err := m.broadcaster.Publish(ctx, broadcast.NewLogoutEvent(userID, reason)); err != nil {
			log.LogWarnWithFields("session", "Failed to publish logout event", map[string]any{
				"error": err.Error(),
			})
		}
	}
}
