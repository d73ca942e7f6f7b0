package guard

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/veramed/caregate/internal/cookie"
	"github.com/veramed/caregate/internal/roles"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		tokenPresent bool
		role         roles.Role
		wantAllow    bool
		wantRedirect string
	}{
		{"protected route without token", "/doctor/dashboard", false, roles.RoleUnassigned, false, "/login"},
		{"protected route with token", "/doctor/dashboard", true, roles.RoleDoctor, true, ""},
		{"nested protected route without token", "/patient/chat/history", false, roles.RoleUnassigned, false, "/login"},
		{"onboarding requires token", "/onboarding", false, roles.RoleUnassigned, false, "/login"},
		{"login without token passes", "/login", false, roles.RoleUnassigned, true, ""},
		{"login with doctor token bounces to dashboard", "/login", true, roles.RoleDoctor, false, "/doctor/dashboard"},
		{"signup with patient token bounces to chat", "/signup", true, roles.RolePatient, false, "/patient/chat"},
		{"login with unassigned token bounces to onboarding", "/login", true, roles.RoleUnassigned, false, "/onboarding"},
		{"public page passes without token", "/about", false, roles.RoleUnassigned, true, ""},
		{"public page passes with token", "/pricing", true, roles.RoleAdmin, true, ""},
		{"doctor-prefixed word is not protected", "/doctors-directory", false, roles.RoleUnassigned, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.path, tt.tokenPresent, tt.role)
			assert.Equal(t, tt.wantAllow, got.Allow)
			assert.Equal(t, tt.wantRedirect, got.Redirect)
		})
	}
}

func TestDecideUsesSharedLandingRoutes(t *testing.T) {
	// The guard's bounce target must equal the login flows' landing route
	// for every role; divergence is a defect.
	for _, r := range []roles.Role{roles.RoleDoctor, roles.RolePatient, roles.RoleAdmin, roles.RoleUnassigned} {
		got := Decide("/login", true, r)
		assert.Equal(t, roles.LandingRoute(r), got.Redirect)
	}
}

func TestSkip(t *testing.T) {
	assert.True(t, Skip("/api/proxy/patient/sessions"))
	assert.True(t, Skip("/api/auth/login"))
	assert.True(t, Skip("/static/app.css"))
	assert.True(t, Skip("/favicon.ico"))
	assert.True(t, Skip("/health"))
	assert.False(t, Skip("/doctor/dashboard"))
	assert.False(t, Skip("/login"))
}

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(next)

	t.Run("redirects unauthenticated protected navigation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/doctor/dashboard", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/login", rr.Header().Get("Location"))
	})

	t.Run("bounces authenticated user off login", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/login", nil)
		req.AddCookie(&http.Cookie{Name: cookie.UserToken, Value: "tok"})
		req.AddCookie(&http.Cookie{Name: cookie.UserRole, Value: "doctor"})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/doctor/dashboard", rr.Header().Get("Location"))
	})

	t.Run("ignores the API namespace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/proxy/patient/sessions", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("ignores the clientRole shadow cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/login", nil)
		req.AddCookie(&http.Cookie{Name: cookie.UserToken, Value: "tok"})
		// Authoritative role says patient; a tampered shadow says admin.
		req.AddCookie(&http.Cookie{Name: cookie.UserRole, Value: "patient"})
		req.AddCookie(&http.Cookie{Name: cookie.ClientRole, Value: "admin"})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, "/patient/chat", rr.Header().Get("Location"))
	})
}
