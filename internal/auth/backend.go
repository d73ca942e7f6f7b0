package auth

// Package auth performs the credential exchange against the backend token
// endpoints. Upstream rejections propagate status and message verbatim;
// the gateway never retries or rewrites them.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veramed/caregate/internal/log"
)

// UpstreamError carries a backend rejection unchanged to the caller.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d: %s", e.Status, e.Message)
}

// User is the backend's view of an account, passed through to the browser.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Surname string `json:"surname,omitempty"`
	Role    string `json:"role"`
}

// LoginResult is a successful credential exchange.
type LoginResult struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         User   `json:"user"`
	Message      string `json:"message,omitempty"`
}

// SignupFields are the caller-facing field names; MapSignupFields renames
// them to what the backend expects.
type SignupFields struct {
	Email                string `json:"email"`
	Password             string `json:"password"`
	Name                 string `json:"name"`
	Surname              string `json:"surname"`
	Role                 string `json:"role"`
	Phone                string `json:"phone"`
	Specialization       string `json:"specialization"`
	DoctorRegisterNumber string `json:"doctorRegisterNumber"`
}

// Exchanger resolves credentials into a backend session. Satisfied by
// BackendClient and by the dev-mode mock.
type Exchanger interface {
	LoginWithCredentials(ctx context.Context, email, password, role string) (*LoginResult, error)
	Signup(ctx context.Context, fields SignupFields) (*LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*LoginResult, error)
	Logout(ctx context.Context, accessToken string) error
}

// BackendClient talks to the backend auth endpoints.
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Exchanger = (*BackendClient)(nil)

// NewBackendClient creates a client for the backend auth API.
func NewBackendClient(baseURL string) *BackendClient {
	return &BackendClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// backendErrorBody is the backend's error payload shape.
type backendErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *BackendClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamErrorFrom(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding backend response: %w", err)
	}
	return nil
}

// upstreamErrorFrom preserves the backend's status code and message. A body
// that isn't the expected JSON shape still yields its raw text.
func upstreamErrorFrom(resp *http.Response) *UpstreamError {
	rawBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	raw := string(rawBytes)

	var body backendErrorBody
	message := raw
	if err := json.Unmarshal([]byte(raw), &body); err == nil {
		if body.Message != "" {
			message = body.Message
		} else if body.Error != "" {
			message = body.Error
		}
	}
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &UpstreamError{Status: resp.StatusCode, Message: message}
}

// LoginWithCredentials forwards a credential login to the backend token
// endpoint. Non-success statuses propagate unchanged; no retry.
func (c *BackendClient) LoginWithCredentials(ctx context.Context, email, password, role string) (*LoginResult, error) {
	var result LoginResult
	err := c.post(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
		"role":     role,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// MapSignupFields renames caller-supplied fields to the backend's naming.
func MapSignupFields(f SignupFields) map[string]string {
	payload := map[string]string{
		"email":     f.Email,
		"password":  f.Password,
		"name":      f.Name,
		"last_name": f.Surname,
		"role":      f.Role,
		"phone":     f.Phone,
	}
	if f.Specialization != "" {
		payload["specialization"] = f.Specialization
	}
	if f.DoctorRegisterNumber != "" {
		payload["register_number"] = f.DoctorRegisterNumber
	}
	return payload
}

// Signup forwards a registration to the backend, with field-name mapping.
func (c *BackendClient) Signup(ctx context.Context, fields SignupFields) (*LoginResult, error) {
	var result LoginResult
	if err := c.post(ctx, "/auth/register", MapSignupFields(fields), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *BackendClient) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	var result LoginResult
	err := c.post(ctx, "/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Logout invalidates the backend token. Best effort: a 401 means the token
// is already dead, which is the outcome we wanted.
func (c *BackendClient) Logout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusUnauthorized {
		log.LogWarnWithFields("auth", "Backend logout returned unexpected status", map[string]any{
			"status": resp.StatusCode,
		})
		return upstreamErrorFrom(resp)
	}
	return nil
}

// IsUpstream reports whether err is an upstream rejection and returns it.
func IsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
