package profile

// Package profile stores the explicit, database-backed role for a user.
// It is the highest-precedence source in role resolution; identity-provider
// metadata is only consulted when no profile exists.

import (
	"context"
	"errors"

	"github.com/veramed/caregate/internal/roles"
)

// ErrProfileNotFound is returned when no profile exists for a user id.
var ErrProfileNotFound = errors.New("profile not found")

// Store persists and retrieves user roles keyed by the identity provider's
// stable user id.
type Store interface {
	GetRole(ctx context.Context, userID string) (roles.Role, error)
	SetRole(ctx context.Context, userID string, role roles.Role) error
	DeleteRole(ctx context.Context, userID string) error
}

// ResolverSource adapts a Store into a role resolver source. Lookup failures
// defer to the next source instead of blocking login.
func ResolverSource(s Store) roles.ResolverFunc {
	return func(ctx context.Context, userID string) (roles.Role, bool) {
		if userID == "" {
			return roles.RoleUnassigned, false
		}
		role, err := s.GetRole(ctx, userID)
		if err != nil {
			return roles.RoleUnassigned, false
		}
		return role, true
	}
}
