package cookie

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCookie(t *testing.T, rr *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSetUserToken(t *testing.T) {
	rr := httptest.NewRecorder()
	SetUserToken(rr, "tok-123", CredentialTokenTTL)

	c := findCookie(t, rr, UserToken)
	require.NotNil(t, c)
	assert.Equal(t, "tok-123", c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, int((24 * time.Hour).Seconds()), c.MaxAge)
}

func TestSetRoleWritesBothCopies(t *testing.T) {
	rr := httptest.NewRecorder()
	SetRole(rr, "doctor")

	authoritative := findCookie(t, rr, UserRole)
	shadow := findCookie(t, rr, ClientRole)
	require.NotNil(t, authoritative)
	require.NotNil(t, shadow)

	assert.Equal(t, "doctor", authoritative.Value)
	assert.Equal(t, "doctor", shadow.Value)
	assert.True(t, authoritative.HttpOnly, "userRole must not be readable by scripts")
	assert.False(t, shadow.HttpOnly, "clientRole is the UI-readable shadow")
}

func TestClearAll(t *testing.T) {
	rr := httptest.NewRecorder()
	ClearAll(rr)

	for _, name := range []string{UserToken, RefreshToken, UserRole, ClientRole, TokenExpires} {
		c := findCookie(t, rr, name)
		require.NotNil(t, c, "expected %s to be cleared", name)
		assert.Equal(t, -1, c.MaxAge)
		assert.Empty(t, c.Value)
	}
}

func TestClearMirrorsSetAttributes(t *testing.T) {
	rr := httptest.NewRecorder()
	ClearAll(rr)

	for _, name := range []string{UserToken, RefreshToken, UserRole} {
		c := findCookie(t, rr, name)
		require.NotNil(t, c)
		assert.True(t, c.HttpOnly, "%s deletion must match its original identity", name)
		assert.Equal(t, "/", c.Path)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	}
	for _, name := range []string{ClientRole, TokenExpires} {
		c := findCookie(t, rr, name)
		require.NotNil(t, c)
		assert.False(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	}
}

func TestGetHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: UserToken, Value: "bearer-1"})
	req.AddCookie(&http.Cookie{Name: UserRole, Value: "patient"})

	assert.Equal(t, "bearer-1", GetUserToken(req))
	assert.Equal(t, "patient", GetRole(req))
	assert.Empty(t, GetRefreshToken(req))
}
