package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/veramed/caregate/internal/crypto"
)

// MockExchanger is a local credential table for development so the gateway
// runs without the backend or identity provider. Passwords are stored as
// bcrypt hashes even here; plaintext never sits in memory longer than the
// call that carries it.
type MockExchanger struct {
	mu    sync.RWMutex
	users map[string]*mockUser // keyed by email
}

type mockUser struct {
	id           string
	email        string
	name         string
	role         string
	passwordHash []byte
	tokens       map[string]string // refresh token -> user id
}

var _ Exchanger = (*MockExchanger)(nil)

// NewMockExchanger creates an empty dev credential table.
func NewMockExchanger() *MockExchanger {
	return &MockExchanger{users: make(map[string]*mockUser)}
}

// AddUser registers a dev account.
func (m *MockExchanger) AddUser(email, password, name, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.users[email] = &mockUser{
		id:           "dev-" + email,
		email:        email,
		name:         name,
		role:         role,
		passwordHash: hash,
		tokens:       make(map[string]string),
	}
	return nil
}

func (m *MockExchanger) issue(u *mockUser) (*LoginResult, error) {
	access, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	refresh, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	u.tokens[refresh] = u.id

	return &LoginResult{
		Token:        access,
		RefreshToken: refresh,
		User: User{
			ID:    u.id,
			Email: u.email,
			Name:  u.name,
			Role:  u.role,
		},
	}, nil
}

func (m *MockExchanger) LoginWithCredentials(_ context.Context, email, password, role string) (*LoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[email]
	if !ok {
		return nil, &UpstreamError{Status: 401, Message: "invalid email or password"}
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return nil, &UpstreamError{Status: 401, Message: "invalid email or password"}
	}
	if role != "" && role != u.role {
		return nil, &UpstreamError{Status: 403, Message: "account is not registered for this role"}
	}
	return m.issue(u)
}

func (m *MockExchanger) Signup(_ context.Context, fields SignupFields) (*LoginResult, error) {
	m.mu.Lock()
	if _, exists := m.users[fields.Email]; exists {
		m.mu.Unlock()
		return nil, &UpstreamError{Status: 409, Message: "account already exists"}
	}
	m.mu.Unlock()

	if err := m.AddUser(fields.Email, fields.Password, fields.Name, fields.Role); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issue(m.users[fields.Email])
}

func (m *MockExchanger) Refresh(_ context.Context, refreshToken string) (*LoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if _, ok := u.tokens[refreshToken]; ok {
			delete(u.tokens, refreshToken)
			return m.issue(u)
		}
	}
	return nil, &UpstreamError{Status: 401, Message: "invalid refresh token"}
}

func (m *MockExchanger) Logout(context.Context, string) error {
	return nil
}
