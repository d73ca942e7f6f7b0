package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", "", f.err
	}
	return fmt.Sprintf("fresh-%d", n), "rotated-refresh", nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// upstream that 401s until it sees the expected token.
func tokenGate(t *testing.T, accept string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+accept {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDoRefreshesOnceAndReplays(t *testing.T) {
	srv, _ := tokenGate(t, "fresh-1")

	tokens := NewMemoryTokens("stale", "refresh-1")
	ref := &fakeRefresher{}
	c := New(srv.Client(), tokens, ref)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 1, ref.callCount())
	assert.Equal(t, "fresh-1", tokens.AccessToken())
	assert.Equal(t, "rotated-refresh", tokens.RefreshToken())
}

func TestConcurrent401sTriggerSingleRefresh(t *testing.T) {
	srv, _ := tokenGate(t, "fresh-1")

	tokens := NewMemoryTokens("stale", "refresh-1")
	ref := &fakeRefresher{delay: 50 * time.Millisecond}
	c := New(srv.Client(), tokens, ref)

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
			resp, err := c.Do(req)
			errs[i] = err
			if err == nil {
				statuses[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ref.callCount(), "exactly one refresh for a burst of 401s")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, statuses[i])
	}
}

func TestRefreshFailureEndsSessionAndClearsTokens(t *testing.T) {
	srv, _ := tokenGate(t, "never-issued")

	tokens := NewMemoryTokens("stale", "refresh-1")
	ref := &fakeRefresher{err: errors.New("refresh token revoked")}

	var endedWith string
	c := New(srv.Client(), tokens, ref,
		WithSessionEndHook(func(reason string) { endedWith = reason }))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
	_, err := c.Do(req)

	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Empty(t, tokens.AccessToken(), "access token cleared after rejected refresh")
	assert.Empty(t, tokens.RefreshToken(), "refresh token cleared after rejected refresh")
	assert.Equal(t, "session_expired", endedWith)
}

func TestRefreshFailureRejectsQueuedRequests(t *testing.T) {
	srv, _ := tokenGate(t, "never-issued")

	tokens := NewMemoryTokens("stale", "refresh-1")
	ref := &fakeRefresher{delay: 50 * time.Millisecond, err: errors.New("revoked")}
	c := New(srv.Client(), tokens, ref)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
			_, errs[i] = c.Do(req)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ref.callCount())
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], ErrSessionExpired)
	}
}

func TestAuthRoute401FailsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"message":"Invalid credentials"}`)
	}))
	defer srv.Close()

	tokens := NewMemoryTokens("", "refresh-1")
	ref := &fakeRefresher{}
	c := New(srv.Client(), tokens, ref)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/auth/login", strings.NewReader(`{}`))
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "401 from login passes straight through")
	assert.Equal(t, 0, ref.callCount(), "a credential failure never triggers refresh")
}

func TestRateLimitObservedNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tokens := NewMemoryTokens("tok", "refresh-1")
	c := New(srv.Client(), tokens, &fakeRefresher{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int64(1), hits.Load(), "no retry on 429")
}

func TestRefreshTimeoutIsDistinctError(t *testing.T) {
	srv, _ := tokenGate(t, "never-issued")

	tokens := NewMemoryTokens("stale", "refresh-1")
	ref := &fakeRefresher{delay: time.Second}
	c := New(srv.Client(), tokens, ref)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/records", nil)

	_, err := c.Do(req)
	assert.ErrorIs(t, err, ErrRefreshTimeout)
	assert.NotErrorIs(t, err, ErrSessionExpired)
}

func TestMissingRefreshTokenEndsSession(t *testing.T) {
	srv, _ := tokenGate(t, "never-issued")

	tokens := NewMemoryTokens("stale", "")
	c := New(srv.Client(), tokens, &fakeRefresher{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records", nil)
	_, err := c.Do(req)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRequestBodyReplayedAfterRefresh(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tokens := NewMemoryTokens("stale", "refresh-1")
	c := New(srv.Client(), tokens, &fakeRefresher{})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/notes", strings.NewReader(`{"text":"bp reading"}`))
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1], "replayed request carries the same body")
}

func TestWatchdogFiresAfterIdleWindow(t *testing.T) {
	fired := make(chan struct{})
	w := NewWatchdog(40*time.Millisecond, 10*time.Millisecond, func() { close(fired) })
	w.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestWatchdogTouchDefersExpiry(t *testing.T) {
	var fired atomic.Bool
	w := NewWatchdog(80*time.Millisecond, 10*time.Millisecond, func() { fired.Store(true) })
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Touch()
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, fired.Load(), "activity inside the window must keep the session alive")
}

func TestWatchdogStopPreventsFiring(t *testing.T) {
	var fired atomic.Bool
	w := NewWatchdog(30*time.Millisecond, 10*time.Millisecond, func() { fired.Store(true) })
	w.Start(context.Background())
	w.Stop()
	w.Stop() // idempotent

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
}
