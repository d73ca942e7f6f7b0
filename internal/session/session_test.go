package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veramed/caregate/internal/broadcast"
	"github.com/veramed/caregate/internal/cookie"
	"github.com/veramed/caregate/internal/roles"
)

func cookiesByName(rr *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rr.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestMaterializeWritesFullCookieSet(t *testing.T) {
	m := NewMaterializer(0, 0, nil)
	rr := httptest.NewRecorder()

	err := m.Materialize(rr, Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Role:         roles.RoleDoctor,
		Source:       SourceOAuth,
	})
	require.NoError(t, err)

	got := cookiesByName(rr)
	require.Contains(t, got, cookie.UserToken)
	require.Contains(t, got, cookie.RefreshToken)
	require.Contains(t, got, cookie.UserRole)
	require.Contains(t, got, cookie.ClientRole)
	require.Contains(t, got, cookie.TokenExpires)

	assert.Equal(t, "access-1", got[cookie.UserToken].Value)
	assert.Equal(t, "doctor", got[cookie.UserRole].Value)
	assert.Equal(t, "doctor", got[cookie.ClientRole].Value)
	// OAuth path gets the 7-day lifetime
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), got[cookie.UserToken].MaxAge)
}

func TestMaterializeCredentialLifetime(t *testing.T) {
	m := NewMaterializer(0, 0, nil)
	rr := httptest.NewRecorder()

	require.NoError(t, m.Materialize(rr, Session{
		AccessToken: "access-1",
		Role:        roles.RolePatient,
		Source:      SourceCredentials,
	}))

	got := cookiesByName(rr)
	assert.Equal(t, int((24 * time.Hour).Seconds()), got[cookie.UserToken].MaxAge)
	assert.NotContains(t, got, cookie.RefreshToken, "no refresh token, no cookie")
}

func TestMaterializeRequiresToken(t *testing.T) {
	m := NewMaterializer(0, 0, nil)
	err := m.Materialize(httptest.NewRecorder(), Session{Role: roles.RolePatient})
	assert.ErrorIs(t, err, ErrNoAccessToken)
}

func TestMaterializeIdempotent(t *testing.T) {
	m := NewMaterializer(0, 0, nil)
	s := Session{AccessToken: "a", RefreshToken: "r", Role: roles.RoleAdmin, Source: SourceOAuth}

	first := httptest.NewRecorder()
	require.NoError(t, m.Materialize(first, s))
	second := httptest.NewRecorder()
	require.NoError(t, m.Materialize(second, s))

	a, b := cookiesByName(first), cookiesByName(second)
	for _, name := range []string{cookie.UserToken, cookie.RefreshToken, cookie.UserRole, cookie.ClientRole} {
		assert.Equal(t, a[name].Value, b[name].Value, "cookie %s should not vary", name)
	}
	// No accumulation: one cookie per name per response
	assert.Len(t, first.Result().Cookies(), 5)
}

func TestMaterializeOnceSingleFlight(t *testing.T) {
	m := NewMaterializer(0, 0, nil)

	var calls atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = m.MaterializeOnce("token-1", func() error {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "hash-parse and event-listener paths must not both materialize")
}

func TestDestroyClearsAndBroadcasts(t *testing.T) {
	b := broadcast.NewMemory()
	var events []broadcast.LogoutEvent
	b.Subscribe(func(ev broadcast.LogoutEvent) { events = append(events, ev) })

	m := NewMaterializer(0, 0, b)
	rr := httptest.NewRecorder()
	m.Destroy(context.Background(), rr, "u1", broadcast.ReasonExplicit)

	got := cookiesByName(rr)
	for _, name := range []string{cookie.UserToken, cookie.RefreshToken, cookie.UserRole, cookie.ClientRole, cookie.TokenExpires} {
		require.Contains(t, got, name)
		assert.Equal(t, -1, got[name].MaxAge)
	}

	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, broadcast.ReasonExplicit, events[0].Reason)
}
