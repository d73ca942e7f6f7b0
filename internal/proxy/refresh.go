package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/veramed/caregate/internal/apiclient"
	"github.com/veramed/caregate/internal/auth"
	"github.com/veramed/caregate/internal/cookie"
)

// ExchangerRefresher adapts the backend credential exchange to the refresh
// client's interface.
type ExchangerRefresher struct {
	Exchanger auth.Exchanger
}

var _ apiclient.Refresher = ExchangerRefresher{}

func (e ExchangerRefresher) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	result, err := e.Exchanger.Refresh(ctx, refreshToken)
	if err != nil {
		return "", "", err
	}
	return result.Token, result.RefreshToken, nil
}

const (
	maxSessionClients = 1024
	sessionIdleTTL    = time.Hour
)

// sessionClient is the per-browser-session refresh client. All concurrent
// requests carrying the same refresh cookie share one, so a burst of 401s
// collapses into a single refresh.
type sessionClient struct {
	client   *apiclient.Client
	tokens   *apiclient.MemoryTokens
	lastUsed time.Time
}

// sessionFor returns the client for a refresh token, creating it on first
// use. The cache is pruned of idle entries when it grows past its cap.
func (p *Proxy) sessionFor(access, refresh string) *sessionClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sc, ok := p.sessions[refresh]; ok {
		sc.lastUsed = time.Now()
		return sc
	}
	if len(p.sessions) >= maxSessionClients {
		cutoff := time.Now().Add(-sessionIdleTTL)
		for key, sc := range p.sessions {
			if sc.lastUsed.Before(cutoff) {
				delete(p.sessions, key)
			}
		}
	}

	tokens := apiclient.NewMemoryTokens(access, refresh)
	sc := &sessionClient{
		client:   apiclient.New(p.httpClient, tokens, p.refresher, apiclient.WithMetrics(p.metrics)),
		tokens:   tokens,
		lastUsed: time.Now(),
	}
	p.sessions[refresh] = sc
	return sc
}

// syncSession writes rotated tokens back into the browser's cookie jar and
// rekeys the cache entry when the refresh token itself rotated.
func (p *Proxy) syncSession(w http.ResponseWriter, sc *sessionClient, access, refresh string) {
	if newAccess := sc.tokens.AccessToken(); newAccess != "" && newAccess != access {
		cookie.SetUserToken(w, newAccess, cookie.CredentialTokenTTL)
		cookie.SetTokenExpires(w, time.Now().Add(cookie.CredentialTokenTTL))
	}
	if newRefresh := sc.tokens.RefreshToken(); newRefresh != "" && newRefresh != refresh {
		cookie.SetRefreshToken(w, newRefresh)

		p.mu.Lock()
		p.sessions[newRefresh] = sc
		delete(p.sessions, refresh)
		p.mu.Unlock()
	}
}
