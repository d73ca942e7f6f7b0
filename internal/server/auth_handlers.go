package server

// Auth handlers cover the three ways a session comes into being (credential
// login, OAuth redirect callback, and the token-fragment post from the
// browser) plus refresh, logout, and introspection. Every success path
// materializes the full cookie set before telling the browser where to go.

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/veramed/caregate/internal/auth"
	"github.com/veramed/caregate/internal/broadcast"
	"github.com/veramed/caregate/internal/cookie"
	"github.com/veramed/caregate/internal/crypto"
	"github.com/veramed/caregate/internal/idp"
	"github.com/veramed/caregate/internal/jsonw"
	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/profile"
	"github.com/veramed/caregate/internal/roles"
	"github.com/veramed/caregate/internal/session"
)

// AuthHandler serves the /api/auth routes.
type AuthHandler struct {
	exchanger    auth.Exchanger
	provider     idp.Provider // nil when no IdP is configured
	materializer *session.Materializer
	profiles     profile.Store
	stateSigner  crypto.TokenSigner
}

func NewAuthHandler(exchanger auth.Exchanger, provider idp.Provider, materializer *session.Materializer, profiles profile.Store, stateSigner crypto.TokenSigner) *AuthHandler {
	return &AuthHandler{
		exchanger:    exchanger,
		provider:     provider,
		materializer: materializer,
		profiles:     profiles,
		stateSigner:  stateSigner,
	}
}

// oauthState is the signed payload carried through the provider round trip.
type oauthState struct {
	ReturnTo string `json:"return_to,omitempty"`
	Nonce    string `json:"nonce"`
}

// safeReturnPath accepts only same-site relative paths for post-login
// redirects. Anything with a scheme, an authority, or a backslash is
// dropped; the caller falls back to the landing route.
func safeReturnPath(p string) string {
	if p == "" || p[0] != '/' {
		return ""
	}
	if strings.HasPrefix(p, "//") || strings.Contains(p, "\\") || strings.Contains(p, "://") {
		return ""
	}
	return p
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type sessionResponse struct {
	Success      bool       `json:"success"`
	User         *auth.User `json:"user,omitempty"`
	Role         string     `json:"role"`
	LandingRoute string     `json:"landingRoute"`
	ExpiresAt    string     `json:"expiresAt,omitempty"`
}

// resolveRole applies the precedence order: stored profile first, then the
// hint carried by the exchange, then unassigned. A store failure defers
// rather than erroring out; login must not break because the profile store
// is down.
func (h *AuthHandler) resolveRole(r *http.Request, userID, hint string) roles.Role {
	sources := []roles.ResolverFunc{}
	if h.profiles != nil {
		sources = append(sources, profile.ResolverSource(h.profiles))
	}
	sources = append(sources, roles.Static(hint))
	return roles.NewResolver(sources...).Resolve(r.Context(), userID)
}

// rememberRole persists a newly observed valid role, best effort.
func (h *AuthHandler) rememberRole(r *http.Request, userID string, role roles.Role) {
	if h.profiles == nil || !role.IsValid() || userID == "" {
		return
	}
	if err := h.profiles.SetRole(r.Context(), userID, role); err != nil {
		log.LogWarnWithFields("auth", "Failed to persist role", map[string]any{
			"error": err.Error(),
		})
	}
}

func writeExchangeError(w http.ResponseWriter, err error) {
	if ue, ok := auth.IsUpstream(err); ok {
		// Upstream rejections pass through with their status and message.
		jsonw.WriteError(w, ue.Status, ue.Message)
		return
	}
	log.LogErrorWithFields("auth", "Exchange failed", map[string]any{
		"error": err.Error(),
	})
	jsonw.WriteInternalServerError(w, "Authentication failed")
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonw.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		jsonw.WriteBadRequest(w, "Email and password are required")
		return
	}

	result, err := h.exchanger.LoginWithCredentials(r.Context(), req.Email, req.Password, req.Role)
	if err != nil {
		writeExchangeError(w, err)
		return
	}

	h.finishLogin(w, r, result, session.SourceCredentials)
}

// Signup handles POST /api/auth/signup.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var fields auth.SignupFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		jsonw.WriteBadRequest(w, "Invalid request body")
		return
	}
	if fields.Email == "" || fields.Password == "" {
		jsonw.WriteBadRequest(w, "Email and password are required")
		return
	}

	result, err := h.exchanger.Signup(r.Context(), fields)
	if err != nil {
		writeExchangeError(w, err)
		return
	}

	h.finishLogin(w, r, result, session.SourceCredentials)
}

// finishLogin resolves the role, commits the cookie set, and answers with
// the landing route. Cookies ride on this response; the browser only
// navigates after reading it, so the set is in place before any redirect.
func (h *AuthHandler) finishLogin(w http.ResponseWriter, r *http.Request, result *auth.LoginResult, src session.Source) {
	role := h.resolveRole(r, result.User.ID, result.User.Role)
	h.rememberRole(r, result.User.ID, role)

	sess := session.Session{
		AccessToken:  result.Token,
		RefreshToken: result.RefreshToken,
		Role:         role,
		Source:       src,
	}
	if err := h.materializer.Materialize(w, sess); err != nil {
		log.LogErrorWithFields("auth", "Failed to materialize session", map[string]any{
			"error": err.Error(),
		})
		jsonw.WriteInternalServerError(w, "Authentication failed")
		return
	}

	user := result.User
	jsonw.Write(w, sessionResponse{
		Success:      true,
		User:         &user,
		Role:         string(role),
		LandingRoute: roles.LandingRoute(role),
	})
}

// Refresh handles POST /api/auth/refresh. The refresh token comes from its
// cookie; a successful exchange rewrites the whole cookie set.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := cookie.GetRefreshToken(r)
	if refreshToken == "" {
		jsonw.WriteUnauthorized(w, "No refresh token")
		return
	}

	result, err := h.exchanger.Refresh(r.Context(), refreshToken)
	if err != nil {
		// A rejected refresh ends the session; the cookie set is cleared on
		// this same response and the other tabs hear about it.
		h.materializer.Destroy(r.Context(), w, "", broadcast.ReasonExpired)
		writeExchangeError(w, err)
		return
	}

	role := h.resolveRole(r, result.User.ID, result.User.Role)
	sess := session.Session{
		AccessToken:  result.Token,
		RefreshToken: result.RefreshToken,
		Role:         role,
		Source:       session.SourceCredentials,
	}
	if err := h.materializer.Materialize(w, sess); err != nil {
		jsonw.WriteInternalServerError(w, "Authentication failed")
		return
	}

	jsonw.Write(w, sessionResponse{
		Success:      true,
		Role:         string(role),
		LandingRoute: roles.LandingRoute(role),
	})
}

// Logout handles POST /api/auth/logout. Backend and provider invalidation
// are best effort; the local cookie teardown and the cross-tab broadcast
// always happen.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	accessToken := cookie.GetUserToken(r)

	if accessToken != "" {
		if err := h.exchanger.Logout(r.Context(), accessToken); err != nil {
			log.LogWarnWithFields("auth", "Backend logout failed", map[string]any{
				"error": err.Error(),
			})
		}
		if h.provider != nil {
			if err := h.provider.SignOut(r.Context(), accessToken); err != nil {
				log.LogWarnWithFields("auth", "Provider sign-out failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}

	var body struct {
		UserID string `json:"userId"`
	}
	json.NewDecoder(r.Body).Decode(&body) // optional

	h.materializer.Destroy(r.Context(), w, body.UserID, broadcast.ReasonExplicit)
	jsonw.Write(w, map[string]any{"success": true})
}

// OAuthStart handles GET /api/auth/oauth: signs the state and redirects to
// the provider's authorization page.
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		jsonw.WriteServiceUnavailable(w, "Identity provider not configured")
		return
	}

	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		jsonw.WriteInternalServerError(w, "Authentication failed")
		return
	}
	state, err := h.stateSigner.Sign(oauthState{
		ReturnTo: safeReturnPath(r.URL.Query().Get("returnTo")),
		Nonce:    nonce,
	})
	if err != nil {
		jsonw.WriteInternalServerError(w, "Authentication failed")
		return
	}

	http.Redirect(w, r, h.provider.AuthURL(state), http.StatusFound)
}

// Callback handles GET /api/auth/callback. Any failure redirects silently
// to the login page; the browser never sees an error page from this route.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	redirectLogin := func(why string, err error) {
		fields := map[string]any{"reason": why}
		if err != nil {
			fields["error"] = err.Error()
		}
		log.LogWarnWithFields("auth", "OAuth callback rejected", fields)
		http.Redirect(w, r, "/login", http.StatusFound)
	}

	if h.provider == nil {
		redirectLogin("no provider configured", nil)
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		redirectLogin("provider returned error: "+errParam, nil)
		return
	}

	var state oauthState
	if err := h.stateSigner.Verify(r.URL.Query().Get("state"), &state); err != nil {
		redirectLogin("invalid state", err)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		redirectLogin("missing code", nil)
		return
	}

	identity, err := h.provider.ExchangeCode(r.Context(), code)
	if err != nil {
		redirectLogin("code exchange failed", err)
		return
	}

	role := h.resolveRole(r, identity.Subject, identity.RoleHint)
	h.rememberRole(r, identity.Subject, role)

	sess := session.Session{
		AccessToken:  identity.AccessToken,
		RefreshToken: identity.RefreshToken,
		Role:         role,
		Source:       session.SourceOAuth,
		ExpiresAt:    identity.ExpiresAt,
	}
	if err := h.materializer.Materialize(w, sess); err != nil {
		redirectLogin("materialization failed", err)
		return
	}

	// Cookies are staged on this response; the redirect carries them. The
	// return target is re-checked here: the state is signed, but the value
	// inside it was still caller-supplied.
	target := safeReturnPath(state.ReturnTo)
	if target == "" {
		target = roles.LandingRoute(role)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// fragmentSession is what the browser posts after parsing a token fragment
// from the provider redirect.
type fragmentSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
	Subject      string `json:"sub,omitempty"`
	RoleHint     string `json:"role_hint,omitempty"`
}

// Session handles POST /api/auth/session, the hash-fragment path. The
// single-flight latch collapses this with any concurrent detection of the
// same sign-in: one materialization per token.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	var frag fragmentSession
	if err := json.NewDecoder(r.Body).Decode(&frag); err != nil {
		jsonw.WriteBadRequest(w, "Invalid request body")
		return
	}
	if frag.AccessToken == "" {
		jsonw.WriteBadRequest(w, "access_token is required")
		return
	}

	role := h.resolveRole(r, frag.Subject, frag.RoleHint)
	h.rememberRole(r, frag.Subject, role)

	sess := session.Session{
		AccessToken:  frag.AccessToken,
		RefreshToken: frag.RefreshToken,
		Role:         role,
		Source:       session.SourceOAuth,
	}
	if frag.ExpiresAt > 0 {
		sess.ExpiresAt = time.Unix(frag.ExpiresAt, 0)
	}

	err := h.materializer.MaterializeOnce(frag.AccessToken, func() error {
		return h.materializer.Materialize(w, sess)
	})
	if err != nil {
		jsonw.WriteInternalServerError(w, "Authentication failed")
		return
	}

	jsonw.Write(w, sessionResponse{
		Success:      true,
		Role:         string(role),
		LandingRoute: roles.LandingRoute(role),
	})
}

// Me handles GET /api/auth/me: session introspection from cookies alone.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token := cookie.GetUserToken(r)
	if token == "" {
		jsonw.WriteUnauthorized(w, "Not authenticated")
		return
	}

	role := roles.Parse(cookie.GetRole(r))
	expires, _ := cookie.Get(r, cookie.TokenExpires)

	jsonw.Write(w, sessionResponse{
		Success:      true,
		Role:         string(role),
		LandingRoute: roles.LandingRoute(role),
		ExpiresAt:    expires,
	})
}
