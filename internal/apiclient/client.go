package apiclient

// Package apiclient wraps backend calls with transparent token refresh.
// When a request comes back 401, one refresh runs no matter how many
// callers hit the wall at once; the rest queue up FIFO and replay with the
// new token. A failed refresh ends the session for everyone.

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/metrics"
)

// ExpiredLoginPath is where the UI navigates after ErrSessionExpired, so the
// login page can explain why the user landed there.
const ExpiredLoginPath = "/login?expired=1"

var (
	// ErrSessionExpired means the refresh itself was rejected; the caller's
	// session is over and local credentials have been cleared.
	ErrSessionExpired = errors.New("session expired")

	// ErrRefreshTimeout means the refresh did not complete in time. It is
	// distinct from ErrSessionExpired: the session may still be valid.
	ErrRefreshTimeout = errors.New("token refresh timed out")
)

// TokenStore holds the tokens the client attaches to outgoing requests.
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(access, refresh string)
	Clear()
}

// Refresher exchanges a refresh token for a fresh token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

// Doer is the transport underneath the client, usually *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type clientState int

const (
	stateIdle clientState = iota
	stateRefreshing
)

// Client is an authenticated HTTP client with single-flight refresh.
type Client struct {
	inner     Doer
	tokens    TokenStore
	refresher Refresher
	metrics   *metrics.Metrics

	// onSessionEnd fires once when a refresh is rejected, after local
	// credentials are cleared. Wire it to logout and navigation.
	onSessionEnd func(reason string)

	mu      sync.Mutex
	state   clientState
	waiters []chan refreshResult

	sf singleflight.Group
}

type refreshResult struct {
	token string
	err   error
}

// Option configures a Client.
type Option func(*Client)

// WithSessionEndHook registers a callback invoked when a refresh is
// rejected and the session is over.
func WithSessionEndHook(fn func(reason string)) Option {
	return func(c *Client) { c.onSessionEnd = fn }
}

// WithMetrics records refresh outcomes and rate-limit observations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(inner Doer, tokens TokenStore, refresher Refresher, opts ...Option) *Client {
	c := &Client{
		inner:     inner,
		tokens:    tokens,
		refresher: refresher,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// authPaths never trigger a refresh: a 401 from login or signup means bad
// credentials, not an expired session.
var authPaths = []string{
	"/auth/login",
	"/auth/signup",
	"/auth/refresh",
	"/login",
	"/signup",
}

func isAuthPath(path string) bool {
	for _, p := range authPaths {
		if path == p || strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// Do sends the request with the current access token. On a 401 outside the
// auth routes it refreshes once (queueing behind an in-flight refresh) and
// replays the request. A second 401 after replay is returned as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		// Observed and counted, not retried.
		if c.metrics != nil {
			c.metrics.RateLimited.Inc()
		}
		log.LogWarnWithFields("apiclient", "Rate limited by upstream", map[string]any{
			"path": req.URL.Path,
		})
		return resp, nil
	}

	if resp.StatusCode != http.StatusUnauthorized || isAuthPath(req.URL.Path) {
		return resp, nil
	}

	// Expired token path: drain the 401 body, refresh, replay.
	drain(resp)

	token, err := c.awaitRefresh(req.Context())
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+token)
	return c.sendWithBody(retry, body)
}

func (c *Client) send(req *http.Request, body []byte) (*http.Response, error) {
	if tok := c.tokens.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return c.sendWithBody(req, body)
}

func (c *Client) sendWithBody(req *http.Request, body []byte) (*http.Response, error) {
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	return c.inner.Do(req)
}

// awaitRefresh is the single-flight latch. The first caller in becomes the
// leader and performs the refresh; everyone who arrives while it runs joins
// a FIFO queue and receives the outcome in arrival order.
func (c *Client) awaitRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state == stateRefreshing {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case res := <-ch:
			return res.token, res.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrRefreshTimeout
			}
			return "", ctx.Err()
		}
	}
	c.state = stateRefreshing
	c.mu.Unlock()

	token, err := c.refresh(ctx)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = stateIdle
	c.mu.Unlock()

	res := refreshResult{token: token, err: err}
	for _, ch := range waiters {
		ch <- res
	}
	return token, err
}

func (c *Client) refresh(ctx context.Context) (string, error) {
	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		refreshToken := c.tokens.RefreshToken()
		if refreshToken == "" {
			return nil, ErrSessionExpired
		}
		access, newRefresh, err := c.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		c.tokens.SetTokens(access, newRefresh)
		return access, nil
	})
	if err != nil {
		outcome := "failure"
		ret := ErrSessionExpired
		if isTimeout(err) {
			outcome = "timeout"
			ret = ErrRefreshTimeout
		}
		if c.metrics != nil {
			c.metrics.RefreshAttempts.WithLabelValues(outcome).Inc()
		}
		log.LogWarnWithFields("apiclient", "Token refresh failed", map[string]any{
			"error": err.Error(),
		})
		if errors.Is(ret, ErrSessionExpired) {
			c.endSession("session_expired")
		}
		return "", ret
	}
	if c.metrics != nil {
		c.metrics.RefreshAttempts.WithLabelValues("success").Inc()
	}
	log.LogDebugWithFields("apiclient", "Token refreshed", nil)
	return v.(string), nil
}

// endSession clears local credentials and fires the session-end hook
// exactly once per rejection.
func (c *Client) endSession(reason string) {
	c.tokens.Clear()
	if c.metrics != nil {
		c.metrics.SessionsEnded.WithLabelValues(reason).Inc()
	}
	if c.onSessionEnd != nil {
		c.onSessionEnd(reason)
	}
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
