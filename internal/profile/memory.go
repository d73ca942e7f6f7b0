package profile

import (
	"context"
	"sync"

	"github.com/veramed/caregate/internal/roles"
)

// MemoryStore is an in-memory profile store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]roles.Role
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]roles.Role)}
}

func (s *MemoryStore) GetRole(_ context.Context, userID string) (roles.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.byID[userID]
	if !ok {
		return roles.RoleUnassigned, ErrProfileNotFound
	}
	return role, nil
}

func (s *MemoryStore) SetRole(_ context.Context, userID string, role roles.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[userID] = role
	return nil
}

func (s *MemoryStore) DeleteRole(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byID, userID)
	return nil
}
