package cookie

import (
	"net/http"
	"time"

	"github.com/veramed/caregate/internal/envutil"
	"github.com/veramed/caregate/internal/log"
)

// Cookie names used by caregate. userRole is the sole authority for
// access-control decisions; clientRole is a readable shadow copy for
// optimistic UI branching only and must never be trusted for authorization.
const (
	UserToken    = "userToken"
	RefreshToken = "refreshToken"
	UserRole     = "userRole"
	ClientRole   = "clientRole"
	TokenExpires = "tokenExpires"
)

// Token lifetimes. The credential-login path issues a shorter-lived token
// than the OAuth path; both observed lifetimes are kept (see DESIGN.md).
const (
	CredentialTokenTTL = 24 * time.Hour
	OAuthTokenTTL      = 7 * 24 * time.Hour
	RefreshTokenTTL    = 30 * 24 * time.Hour
	RoleTTL            = 7 * 24 * time.Hour
)

// set writes one cookie with the shared security attributes.
func set(w http.ResponseWriter, name, value string, maxAge time.Duration, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: httpOnly,
		Secure:   !envutil.IsDev(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// SetUserToken sets the bearer-token cookie consumed by the proxy.
func SetUserToken(w http.ResponseWriter, token string, ttl time.Duration) {
	set(w, UserToken, token, ttl, true)

	log.LogTraceWithFields("cookie", "User token cookie set", map[string]any{
		"maxAge": ttl.String(),
		"secure": !envutil.IsDev(),
	})
}

// SetRefreshToken sets the refresh-token cookie.
func SetRefreshToken(w http.ResponseWriter, token string) {
	set(w, RefreshToken, token, RefreshTokenTTL, true)
}

// SetRole sets both the authoritative role cookie and its readable shadow.
func SetRole(w http.ResponseWriter, role string) {
	set(w, UserRole, role, RoleTTL, true)
	set(w, ClientRole, role, RoleTTL, false)
}

// SetTokenExpires records the access-token expiry so client code can
// schedule refreshes without parsing the opaque token.
func SetTokenExpires(w http.ResponseWriter, expires time.Time) {
	set(w, TokenExpires, expires.UTC().Format(time.RFC3339), RoleTTL, false)
}

// isHTTPOnly reports whether a session cookie is written HttpOnly.
func isHTTPOnly(name string) bool {
	switch name {
	case UserToken, RefreshToken, UserRole:
		return true
	}
	return false
}

// Clear removes a cookie by setting MaxAge to -1. Attributes mirror the
// ones the cookie was set with; strict browsers only delete on an exact
// identity match.
func Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: isHTTPOnly(name),
		Secure:   !envutil.IsDev(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// ClearAll removes the full session cookie set.
func ClearAll(w http.ResponseWriter) {
	for _, name := range []string{UserToken, RefreshToken, UserRole, ClientRole, TokenExpires} {
		Clear(w, name)
	}
	log.LogTraceWithFields("cookie", "Session cookies cleared", nil)
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// GetUserToken retrieves the bearer token, or "" when absent.
func GetUserToken(r *http.Request) string {
	v, _ := Get(r, UserToken)
	return v
}

// GetRefreshToken retrieves the refresh token, or "" when absent.
func GetRefreshToken(r *http.Request) string {
	v, _ := Get(r, RefreshToken)
	return v
}

// GetRole retrieves the authoritative role cookie, or "" when absent.
// Never read ClientRole for authorization.
func GetRole(r *http.Request) string {
	v, _ := Get(r, UserRole)
	return v
}
