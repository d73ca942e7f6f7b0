package guard

// Package guard pre-empts navigation to protected and auth-only routes based
// on cookie presence and role, before any page render. The decision is a pure
// function so every property of the routing table is testable in isolation.

import (
	"net/http"
	"strings"

	"github.com/veramed/caregate/internal/cookie"
	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/roles"
)

// Protected route prefixes: navigation requires a session token.
var protectedPrefixes = []string{
	"/doctor",
	"/patient",
	"/admin",
	"/onboarding",
}

// Auth-only routes: an already-authenticated user is bounced to their
// landing route instead.
var authRoutes = map[string]bool{
	"/login":  true,
	"/signup": true,
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allow    bool
	Redirect string // target when Allow is false
}

// Decide gates one navigation. Role comes from the HttpOnly userRole cookie;
// the clientRole shadow must never be passed here.
func Decide(path string, tokenPresent bool, role roles.Role) Decision {
	if authRoutes[path] {
		if tokenPresent {
			// Same mapping as the login flows; roles.LandingRoute is the
			// single source of truth.
			return Decision{Redirect: roles.LandingRoute(role)}
		}
		return Decision{Allow: true}
	}

	for _, prefix := range protectedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			if !tokenPresent {
				return Decision{Redirect: "/login"}
			}
			return Decision{Allow: true}
		}
	}

	return Decision{Allow: true}
}

// Skip reports whether the guard should not evaluate a path at all:
// the API namespace, static assets, and the favicon.
func Skip(path string) bool {
	if strings.HasPrefix(path, "/api/") || path == "/api" {
		return true
	}
	if strings.HasPrefix(path, "/static/") || strings.HasPrefix(path, "/_assets/") {
		return true
	}
	if path == "/favicon.ico" || path == "/health" || path == "/metrics" {
		return true
	}
	return false
}

// Middleware applies Decide to every page navigation.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := cookie.GetUserToken(r)
		role := roles.Parse(cookie.GetRole(r))

		decision := Decide(r.URL.Path, token != "", role)
		if decision.Allow {
			next.ServeHTTP(w, r)
			return
		}

		log.LogDebugWithFields("guard", "Navigation redirected", map[string]any{
			"path":   r.URL.Path,
			"target": decision.Redirect,
		})
		http.Redirect(w, r, decision.Redirect, http.StatusFound)
	})
}
