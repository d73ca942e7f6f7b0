package roles

// Package roles contains the application's role model and the role → landing
// route mapping. It is pure and free of transport concerns so every call site
// (OAuth callback, session handler, route guard) shares one definition.

import (
	"context"
	"strings"
)

// Role represents an application authorization role.
// Kept in string form for easy persistence in cookies.
type Role string

const (
	RolePatient    Role = "patient"
	RoleDoctor     Role = "doctor"
	RoleAdmin      Role = "admin"
	RoleUnassigned Role = "unassigned"
)

// Parse normalizes a raw role string. Unknown or empty values map to
// RoleUnassigned rather than failing; a missing role must never block login.
func Parse(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePatient:
		return RolePatient
	case RoleDoctor:
		return RoleDoctor
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUnassigned
	}
}

// IsValid reports whether r is one of the closed set of known roles.
func (r Role) IsValid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin, RoleUnassigned:
		return true
	}
	return false
}

// LandingRoute maps a role to its post-login destination. This is the single
// source of truth for the mapping; handlers and the route guard must call it
// rather than carrying their own copy.
func LandingRoute(r Role) string {
	switch r {
	case RoleDoctor:
		return "/doctor/dashboard"
	case RolePatient:
		return "/patient/chat"
	case RoleAdmin:
		return "/admin/dashboard"
	default:
		return "/onboarding"
	}
}

// ResolverFunc is one source of truth for a user's role. It returns the role
// and true when this source has an answer, or false to defer to the next one.
type ResolverFunc func(ctx context.Context, userID string) (Role, bool)

// Resolver tries an ordered list of sources; the first present value wins.
// Precedence is fixed at construction (profile store > identity-provider
// metadata > unassigned default).
type Resolver struct {
	sources []ResolverFunc
}

// NewResolver builds a resolver from sources in precedence order.
func NewResolver(sources ...ResolverFunc) *Resolver {
	return &Resolver{sources: sources}
}

// Resolve returns the first role any source reports, or RoleUnassigned when
// every source defers. Source failures are treated as deferrals: a broken
// lookup degrades to the next source rather than blocking login.
func (r *Resolver) Resolve(ctx context.Context, userID string) Role {
	for _, src := range r.sources {
		if role, ok := src(ctx, userID); ok && role.IsValid() {
			return role
		}
	}
	return RoleUnassigned
}

// Static returns a ResolverFunc that always reports the given role when it is
// a known non-empty value. Useful for identity-provider metadata roles.
func Static(raw string) ResolverFunc {
	return func(context.Context, string) (Role, bool) {
		if strings.TrimSpace(raw) == "" {
			return RoleUnassigned, false
		}
		return Parse(raw), true
	}
}
